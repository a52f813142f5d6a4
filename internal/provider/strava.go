package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/fitsync/internal/model"
)

const (
	stravaAuthURL    = "https://www.strava.com/oauth/authorize"
	stravaTokenURL   = "https://www.strava.com/oauth/token"
	stravaAPIBaseURL = "https://www.strava.com/api/v3"
	// stravaPerPage は1ページあたりの取得件数（APIの上限は200）。
	stravaPerPage = 100
)

// Stravaはスコープをカンマ区切りで受け付ける。
var stravaScopes = []string{"read,activity:read_all"}

// stravaActivity は /athlete/activities の要素のうち利用する項目。
type stravaActivity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	MovingTime         int64     `json:"moving_time"`
	ElapsedTime        int64     `json:"elapsed_time"`
	Distance           float64   `json:"distance"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AverageHeartrate   *float64  `json:"average_heartrate"`
}

// StravaAdapter はStrava API v3のアダプター。
type StravaAdapter struct {
	*baseClient
}

// NewStravaAdapter はStravaAdapterを生成する。
func NewStravaAdapter(cfg Config) *StravaAdapter {
	cfg = cfg.withDefaults(stravaAuthURL, stravaTokenURL, stravaAPIBaseURL)
	return &StravaAdapter{
		baseClient: newBaseClient(model.ProviderStrava, cfg, stravaScopes, oauth2.AuthStyleInParams, false,
			oauth2.SetAuthURLParam("approval_prompt", "auto"),
		),
	}
}

// ExchangeCode は認可コードをトークンに交換する。
// トークン応答に含まれるathlete.idを連携先ユーザーIDとして保持する。
func (a *StravaAdapter) ExchangeCode(ctx context.Context, code, codeVerifier string) (model.Credentials, error) {
	tok, err := a.exchange(ctx, code, codeVerifier)
	if err != nil {
		return model.Credentials{}, err
	}
	athleteID := ""
	if athlete, ok := tok.Extra("athlete").(map[string]any); ok {
		athleteID = extraID(athlete["id"])
	}
	return credentialsFromToken(tok, athleteID), nil
}

// RefreshToken はリフレッシュトークンで新しいトークンを取得する。
func (a *StravaAdapter) RefreshToken(ctx context.Context, refreshToken string) (model.Credentials, error) {
	tok, err := a.refresh(ctx, refreshToken)
	if err != nil {
		return model.Credentials{}, err
	}
	return credentialsFromToken(tok, ""), nil
}

// ListActivitiesSince はsince以降のアクティビティをページ番号順に取得する。
// 取得件数がページサイズ未満になった時点で終了する。
func (a *StravaAdapter) ListActivitiesSince(accessToken string, since time.Time) *ActivityPager {
	return NewActivityPager(accessToken, "1", func(ctx context.Context, token, cursor string) ([]model.ProviderActivity, string, error) {
		page, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("不正なページカーソルです: %q", cursor)
		}

		q := url.Values{
			"after":    {strconv.FormatInt(since.Unix(), 10)},
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(stravaPerPage)},
		}
		raw, err := a.getJSONArray(ctx, "list_activities", a.cfg.APIBaseURL+"/athlete/activities?"+q.Encode(), token)
		if err != nil {
			return nil, "", err
		}

		items := make([]model.ProviderActivity, 0, len(raw))
		for _, r := range raw {
			var sa stravaActivity
			if err := json.Unmarshal(r, &sa); err != nil {
				a.cfg.Logger.Warn("Stravaのアクティビティを解析できないためスキップします",
					slog.String("error", err.Error()),
				)
				continue
			}
			items = append(items, model.ProviderActivity{
				Provider:   model.ProviderStrava,
				ExternalID: strconv.FormatInt(sa.ID, 10),
				Payload:    r,
				Fields:     sa,
			})
		}

		next := ""
		if len(raw) >= stravaPerPage {
			next = strconv.Itoa(page + 1)
		}
		return items, next, nil
	})
}

// Normalize はStravaのアクティビティを共通形に変換する。
func (a *StravaAdapter) Normalize(userID string, pa model.ProviderActivity) model.NormalizedActivity {
	sa, _ := pa.Fields.(stravaActivity)
	sport := sa.SportType
	if sport == "" {
		sport = sa.Type
	}
	duration := sa.MovingTime
	if duration == 0 {
		duration = sa.ElapsedTime
	}
	return model.NormalizedActivity{
		UserID:           userID,
		Provider:         model.ProviderStrava,
		ExternalID:       pa.ExternalID,
		Name:             a.cfg.sanitize(sa.Name),
		Type:             stravaActivityType(sport),
		StartTime:        sa.StartDate.UTC(),
		Duration:         time.Duration(duration) * time.Second,
		DistanceMeters:   sa.Distance,
		ElevationGainM:   sa.TotalElevationGain,
		AverageHeartRate: sa.AverageHeartrate,
	}
}

// Revoke はStravaのアプリ連携を解除する。
func (a *StravaAdapter) Revoke(ctx context.Context, creds model.Credentials) error {
	form := url.Values{"access_token": {creds.AccessToken}}
	_, err := a.do(ctx, "revoke", http.MethodPost, deauthorizeURL(a.cfg.TokenURL), "",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	return err
}

// deauthorizeURL はトークンURLと同じホストの /oauth/deauthorize を返す。
func deauthorizeURL(tokenURL string) string {
	return strings.TrimSuffix(tokenURL, "/token") + "/deauthorize"
}

func stravaActivityType(sport string) model.ActivityType {
	switch sport {
	case "Run", "TrailRun", "VirtualRun":
		return model.ActivityTypeRun
	case "Ride", "VirtualRide", "MountainBikeRide", "GravelRide", "EBikeRide", "EMountainBikeRide", "Velomobile":
		return model.ActivityTypeRide
	case "Swim":
		return model.ActivityTypeSwim
	case "Walk":
		return model.ActivityTypeWalk
	case "Hike":
		return model.ActivityTypeHike
	case "Rowing", "VirtualRow":
		return model.ActivityTypeRow
	case "WeightTraining", "Crossfit":
		return model.ActivityTypeStrength
	case "Yoga", "Pilates":
		return model.ActivityTypeYoga
	case "AlpineSki", "BackcountrySki", "NordicSki":
		return model.ActivityTypeSki
	default:
		return model.ActivityTypeOther
	}
}

// compile-time interface check
var _ Adapter = (*StravaAdapter)(nil)
