package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/fitsync/internal/model"
)

const (
	polarAuthURL    = "https://flow.polar.com/oauth2/authorization"
	polarTokenURL   = "https://polarremote.com/v2/oauth2/token"
	polarAPIBaseURL = "https://www.polaraccesslink.com/v3"
)

var polarScopes = []string{"accesslink.read_all"}

// polarExercise は /v3/exercises の要素のうち利用する項目。
type polarExercise struct {
	ID                 string  `json:"id"`
	StartTime          string  `json:"start_time"`
	StartTimeUTCOffset int     `json:"start_time_utc_offset"`
	Duration           string  `json:"duration"`
	Distance           float64 `json:"distance"`
	Ascent             float64 `json:"ascent"`
	Sport              string  `json:"sport"`
	DetailedSportInfo  string  `json:"detailed_sport_info"`
	HeartRate          *struct {
		Average *float64 `json:"average"`
	} `json:"heart_rate"`
}

// PolarAdapter はPolar AccessLink v3のアダプター。
// Polarのアクセストークンは長期有効でリフレッシュトークンを発行しない。
type PolarAdapter struct {
	*baseClient
}

// NewPolarAdapter はPolarAdapterを生成する。
// トークンエンドポイントはBasic認証でクライアント資格情報を受け取る。
func NewPolarAdapter(cfg Config) *PolarAdapter {
	cfg = cfg.withDefaults(polarAuthURL, polarTokenURL, polarAPIBaseURL)
	return &PolarAdapter{
		baseClient: newBaseClient(model.ProviderPolar, cfg, polarScopes, oauth2.AuthStyleInHeader, false),
	}
}

// ExchangeCode は認可コードをトークンに交換し、AccessLinkへユーザーを登録する。
// 登録済み（409）の場合も成功として扱う。
func (a *PolarAdapter) ExchangeCode(ctx context.Context, code, codeVerifier string) (model.Credentials, error) {
	tok, err := a.exchange(ctx, code, codeVerifier)
	if err != nil {
		return model.Credentials{}, err
	}
	creds := credentialsFromToken(tok, extraID(tok.Extra("x_user_id")))

	if err := a.registerUser(ctx, creds); err != nil {
		return model.Credentials{}, err
	}
	return creds, nil
}

func (a *PolarAdapter) registerUser(ctx context.Context, creds model.Credentials) error {
	body, err := json.Marshal(map[string]string{"member-id": creds.ProviderUserID})
	if err != nil {
		return fmt.Errorf("ユーザー登録リクエストの生成に失敗しました: %w", err)
	}
	_, err = a.do(ctx, "register_user", http.MethodPost, a.cfg.APIBaseURL+"/users", creds.AccessToken,
		bytes.NewReader(body), "application/json")

	var apiErr *model.ProviderAPIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}

// RefreshToken はPolarがリフレッシュに対応しないため常に認証エラーを返す。
// 呼び出し元は連携をerrorにし、ユーザーに再連携を求める。
func (a *PolarAdapter) RefreshToken(ctx context.Context, refreshToken string) (model.Credentials, error) {
	return model.Credentials{}, &model.ProviderAuthError{
		Provider: model.ProviderPolar,
		Reason:   "Polarはトークンのリフレッシュに対応していません",
	}
}

// ListActivitiesSince は直近30日分のエクササイズを1ページで取得し、since以降のものを返す。
func (a *PolarAdapter) ListActivitiesSince(accessToken string, since time.Time) *ActivityPager {
	return NewActivityPager(accessToken, "exercises", func(ctx context.Context, token, _ string) ([]model.ProviderActivity, string, error) {
		raw, err := a.getJSONArray(ctx, "list_activities", a.cfg.APIBaseURL+"/exercises", token)
		if err != nil {
			return nil, "", err
		}

		items := make([]model.ProviderActivity, 0, len(raw))
		for _, r := range raw {
			var pe polarExercise
			if err := json.Unmarshal(r, &pe); err != nil {
				a.cfg.Logger.Warn("Polarのエクササイズを解析できないためスキップします",
					slog.String("error", err.Error()),
				)
				continue
			}
			if start, ok := polarStartTime(pe); ok && start.Before(since) {
				continue
			}
			items = append(items, model.ProviderActivity{
				Provider:   model.ProviderPolar,
				ExternalID: pe.ID,
				Payload:    r,
				Fields:     pe,
			})
		}
		return items, "", nil
	})
}

// Normalize はPolarのエクササイズを共通形に変換する。
func (a *PolarAdapter) Normalize(userID string, pa model.ProviderActivity) model.NormalizedActivity {
	pe, _ := pa.Fields.(polarExercise)
	start, _ := polarStartTime(pe)
	duration, _ := parseISODuration(pe.Duration)

	var avgHR *float64
	if pe.HeartRate != nil {
		avgHR = pe.HeartRate.Average
	}

	name := pe.DetailedSportInfo
	if name == "" {
		name = pe.Sport
	}

	return model.NormalizedActivity{
		UserID:           userID,
		Provider:         model.ProviderPolar,
		ExternalID:       pa.ExternalID,
		Name:             a.cfg.sanitize(humanizeSport(name)),
		Type:             upperSnakeActivityType(pe.Sport, pe.DetailedSportInfo),
		StartTime:        start,
		Duration:         duration,
		DistanceMeters:   pe.Distance,
		ElevationGainM:   pe.Ascent,
		AverageHeartRate: avgHR,
	}
}

// Revoke はAccessLinkからユーザー登録を削除する。
func (a *PolarAdapter) Revoke(ctx context.Context, creds model.Credentials) error {
	if creds.ProviderUserID == "" {
		return fmt.Errorf("Polarのユーザーが不明なため取り消しできません")
	}
	_, err := a.do(ctx, "revoke", http.MethodDelete, a.cfg.APIBaseURL+"/users/"+creds.ProviderUserID, creds.AccessToken, nil, "")
	return err
}

// polarStartTime はローカル時刻とUTCオフセット（分）から開始時刻を求める。
func polarStartTime(pe polarExercise) (time.Time, bool) {
	if pe.StartTime == "" {
		return time.Time{}, false
	}
	loc := time.FixedZone("", pe.StartTimeUTCOffset*60)
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04:05.000", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, pe.StartTime, loc); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func humanizeSport(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// compile-time interface check
var _ Adapter = (*PolarAdapter)(nil)
