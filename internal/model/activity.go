package model

import "time"

// ActivityType は正規化されたアクティビティ種別。
type ActivityType string

const (
	ActivityTypeRun      ActivityType = "run"
	ActivityTypeRide     ActivityType = "ride"
	ActivityTypeSwim     ActivityType = "swim"
	ActivityTypeWalk     ActivityType = "walk"
	ActivityTypeHike     ActivityType = "hike"
	ActivityTypeRow      ActivityType = "row"
	ActivityTypeStrength ActivityType = "strength"
	ActivityTypeYoga     ActivityType = "yoga"
	ActivityTypeSki      ActivityType = "ski"
	ActivityTypeOther    ActivityType = "other"
)

// NormalizedActivity はプロバイダー固有のペイロードを共通形に変換したアクティビティ。
// (UserID, Provider, ExternalID) が重複排除キー。
type NormalizedActivity struct {
	ID               string
	UserID           string
	Provider         Provider
	ExternalID       string
	Name             string
	Type             ActivityType
	StartTime        time.Time
	Duration         time.Duration
	DistanceMeters   float64
	ElevationGainM   float64
	AverageHeartRate *float64
	RawPayloadRef    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProviderActivity はプロバイダーAPIから取得した未加工のアクティビティ。
// Payloadは元のJSON、Fieldsはアダプターがデコードした値を保持する。
type ProviderActivity struct {
	Provider   Provider
	ExternalID string
	Payload    []byte
	Fields     any
}
