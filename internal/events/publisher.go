// Package events はアクティビティ取り込みイベントをKafkaへ送信する。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hitoshi/fitsync/internal/model"
)

// DefaultTopic はアクティビティ取り込みイベントの既定トピック。
const DefaultTopic = "fitsync.activity.imported"

// EventTypeActivityImported はイベント種別。
const EventTypeActivityImported = "activity.imported"

// ActivityImported はアクティビティの取り込み（新規または更新）を表すイベント。
type ActivityImported struct {
	EventType      string    `json:"event_type"`
	ActivityID     string    `json:"activity_id"`
	UserID         string    `json:"user_id"`
	Provider       string    `json:"provider"`
	ExternalID     string    `json:"external_id"`
	ActivityType   string    `json:"activity_type"`
	StartTime      time.Time `json:"start_time"`
	DurationSec    int64     `json:"duration_sec"`
	DistanceMeters float64   `json:"distance_meters"`
	RawPayloadRef  string    `json:"raw_payload_ref,omitempty"`
	Inserted       bool      `json:"inserted"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// messageWriter はkafka.Writerのうち使用するメソッド。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher はActivityImportedイベントをKafkaへ送信する。
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
	now    func() time.Time
}

// NewKafkaPublisher は指定ブローカーとトピックに書き込むKafkaPublisherを生成する。
// 書き込みは同期で行い、全レプリカの確認を待つ。
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
	return newKafkaPublisher(w, topic, logger)
}

func newKafkaPublisher(w messageWriter, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		writer: w,
		topic:  topic,
		logger: logger,
		now:    time.Now,
	}
}

// PublishActivityImported はアクティビティ取り込みイベントを送信する。
// 同一ユーザーのイベントが同じパーティションに入るよう、キーにはユーザーIDを使う。
func (p *KafkaPublisher) PublishActivityImported(ctx context.Context, a *model.NormalizedActivity, inserted bool) error {
	if a == nil {
		return nil
	}
	event := ActivityImported{
		EventType:      EventTypeActivityImported,
		ActivityID:     a.ID,
		UserID:         a.UserID,
		Provider:       string(a.Provider),
		ExternalID:     a.ExternalID,
		ActivityType:   string(a.Type),
		StartTime:      a.StartTime.UTC(),
		DurationSec:    int64(a.Duration / time.Second),
		DistanceMeters: a.DistanceMeters,
		RawPayloadRef:  a.RawPayloadRef,
		Inserted:       inserted,
		OccurredAt:     p.now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗しました: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(a.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypeActivityImported)},
			{Key: "provider", Value: []byte(a.Provider)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("イベントの送信に失敗しました (topic=%s): %w", p.topic, err)
	}

	p.logger.Debug("アクティビティ取り込みイベントを送信しました",
		slog.String("topic", p.topic),
		slog.String("provider", string(a.Provider)),
		slog.String("external_id", a.ExternalID),
	)
	return nil
}

// Close はライターを閉じる。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher はイベントを送信しないPublisher。Kafkaが未設定の場合に使う。
type NopPublisher struct{}

// PublishActivityImported は何もしない。
func (NopPublisher) PublishActivityImported(context.Context, *model.NormalizedActivity, bool) error {
	return nil
}

// Close は何もしない。
func (NopPublisher) Close() error { return nil }
