package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/fitsync/internal/model"
)

const (
	garminAuthURL    = "https://connect.garmin.com/oauth2Confirm"
	garminTokenURL   = "https://diauth.garmin.com/di-oauth2-service/oauth/token"
	garminAPIBaseURL = "https://apis.garmin.com"
	// garminWindow はHealth APIが1リクエストで受け付ける最大期間。
	garminWindow = 24 * time.Hour
)

// garminActivity は /wellness-api/rest/activities の要素のうち利用する項目。
type garminActivity struct {
	SummaryID                        string   `json:"summaryId"`
	ActivityID                       int64    `json:"activityId"`
	ActivityName                     string   `json:"activityName"`
	ActivityType                     string   `json:"activityType"`
	StartTimeInSeconds               int64    `json:"startTimeInSeconds"`
	DurationInSeconds                int64    `json:"durationInSeconds"`
	DistanceInMeters                 float64  `json:"distanceInMeters"`
	TotalElevationGainInMeters       float64  `json:"totalElevationGainInMeters"`
	AverageHeartRateInBeatsPerMinute *float64 `json:"averageHeartRateInBeatsPerMinute"`
}

// GarminAdapter はGarmin Connect Health APIのアダプター。
// 認可にはPKCE (S256) を使う。
type GarminAdapter struct {
	*baseClient
	now func() time.Time
}

// NewGarminAdapter はGarminAdapterを生成する。
func NewGarminAdapter(cfg Config) *GarminAdapter {
	cfg = cfg.withDefaults(garminAuthURL, garminTokenURL, garminAPIBaseURL)
	return &GarminAdapter{
		baseClient: newBaseClient(model.ProviderGarmin, cfg, nil, oauth2.AuthStyleInParams, true),
		now:        time.Now,
	}
}

// ExchangeCode はPKCEのcode verifierを添えて認可コードをトークンに交換する。
func (a *GarminAdapter) ExchangeCode(ctx context.Context, code, codeVerifier string) (model.Credentials, error) {
	if codeVerifier == "" {
		return model.Credentials{}, &model.ProviderAuthError{Provider: model.ProviderGarmin, Reason: "code verifierがありません"}
	}
	tok, err := a.exchange(ctx, code, codeVerifier)
	if err != nil {
		return model.Credentials{}, err
	}
	return credentialsFromToken(tok, ""), nil
}

// RefreshToken はリフレッシュトークンで新しいトークンを取得する。
func (a *GarminAdapter) RefreshToken(ctx context.Context, refreshToken string) (model.Credentials, error) {
	tok, err := a.refresh(ctx, refreshToken)
	if err != nil {
		return model.Credentials{}, err
	}
	return credentialsFromToken(tok, ""), nil
}

// ListActivitiesSince はsinceから現在までを24時間ごとの期間に分けて取得する。
// カーソルは期間の開始時刻（UNIX秒）。
func (a *GarminAdapter) ListActivitiesSince(accessToken string, since time.Time) *ActivityPager {
	end := a.now().Unix()
	first := since.Unix()
	if first >= end {
		first = end - 1
	}

	return NewActivityPager(accessToken, strconv.FormatInt(first, 10), func(ctx context.Context, token, cursor string) ([]model.ProviderActivity, string, error) {
		from, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("不正なページカーソルです: %q", cursor)
		}
		to := from + int64(garminWindow/time.Second)
		if to > end {
			to = end
		}

		q := url.Values{
			"uploadStartTimeInSeconds": {strconv.FormatInt(from, 10)},
			"uploadEndTimeInSeconds":   {strconv.FormatInt(to, 10)},
		}
		raw, err := a.getJSONArray(ctx, "list_activities", a.cfg.APIBaseURL+"/wellness-api/rest/activities?"+q.Encode(), token)
		if err != nil {
			return nil, "", err
		}

		items := make([]model.ProviderActivity, 0, len(raw))
		for _, r := range raw {
			var ga garminActivity
			if err := json.Unmarshal(r, &ga); err != nil {
				a.cfg.Logger.Warn("Garminのアクティビティを解析できないためスキップします",
					slog.String("error", err.Error()),
				)
				continue
			}
			id := ga.SummaryID
			if id == "" {
				id = strconv.FormatInt(ga.ActivityID, 10)
			}
			items = append(items, model.ProviderActivity{
				Provider:   model.ProviderGarmin,
				ExternalID: id,
				Payload:    r,
				Fields:     ga,
			})
		}

		next := ""
		if to < end {
			next = strconv.FormatInt(to, 10)
		}
		return items, next, nil
	})
}

// Normalize はGarminのアクティビティを共通形に変換する。
func (a *GarminAdapter) Normalize(userID string, pa model.ProviderActivity) model.NormalizedActivity {
	ga, _ := pa.Fields.(garminActivity)
	name := ga.ActivityName
	if name == "" {
		name = humanizeSport(ga.ActivityType)
	}
	return model.NormalizedActivity{
		UserID:           userID,
		Provider:         model.ProviderGarmin,
		ExternalID:       pa.ExternalID,
		Name:             a.cfg.sanitize(name),
		Type:             upperSnakeActivityType(ga.ActivityType, ""),
		StartTime:        time.Unix(ga.StartTimeInSeconds, 0).UTC(),
		Duration:         time.Duration(ga.DurationInSeconds) * time.Second,
		DistanceMeters:   ga.DistanceInMeters,
		ElevationGainM:   ga.TotalElevationGainInMeters,
		AverageHeartRate: ga.AverageHeartRateInBeatsPerMinute,
	}
}

// Revoke はHealth APIのユーザー登録を削除する。
func (a *GarminAdapter) Revoke(ctx context.Context, creds model.Credentials) error {
	_, err := a.do(ctx, "revoke", http.MethodDelete, a.cfg.APIBaseURL+"/wellness-api/rest/user/registration", creds.AccessToken, nil, "")
	return err
}

// compile-time interface check
var _ Adapter = (*GarminAdapter)(nil)
