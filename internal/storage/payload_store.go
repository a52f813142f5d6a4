// Package storage はプロバイダーから取得した生データの保存先を提供する。
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"

	"cloud.google.com/go/storage"

	"github.com/hitoshi/fitsync/internal/model"
)

// openWriterFunc はオブジェクトへの書き込みを開く関数。
type openWriterFunc func(ctx context.Context, bucket, object string) io.WriteCloser

// GCSPayloadStore は生データをGoogle Cloud Storageに保存する。
type GCSPayloadStore struct {
	bucket string
	prefix string
	open   openWriterFunc
}

// NewGCSPayloadStore はGCSPayloadStoreを生成する。
func NewGCSPayloadStore(client *storage.Client, bucket, prefix string) *GCSPayloadStore {
	return newGCSPayloadStore(bucket, prefix, func(ctx context.Context, b, o string) io.WriteCloser {
		w := client.Bucket(b).Object(o).NewWriter(ctx)
		w.ContentType = "application/json"
		return w
	})
}

func newGCSPayloadStore(bucket, prefix string, open openWriterFunc) *GCSPayloadStore {
	return &GCSPayloadStore{bucket: bucket, prefix: prefix, open: open}
}

// Put は生データを保存し、gs://bucket/object 形式の参照を返す。
// 同一アクティビティは同じオブジェクトに上書きされる。
func (s *GCSPayloadStore) Put(ctx context.Context, a *model.NormalizedActivity, payload []byte) (string, error) {
	object := s.objectName(a)

	w := s.open(ctx, s.bucket, object)
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return "", fmt.Errorf("生データの書き込みに失敗しました (%s): %w", object, err)
	}
	// GCSへのアップロードはCloseで確定する
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("生データのアップロードに失敗しました (%s): %w", object, err)
	}
	return "gs://" + s.bucket + "/" + object, nil
}

// objectName は {prefix}/{provider}/{user_id}/{external_id}.json を返す。
func (s *GCSPayloadStore) objectName(a *model.NormalizedActivity) string {
	return path.Join(s.prefix, string(a.Provider), url.PathEscape(a.UserID), url.PathEscape(a.ExternalID)+".json")
}

// NopPayloadStore は生データを保存しない。バケットが未設定の場合に使う。
type NopPayloadStore struct{}

// Put は何も保存せず空の参照を返す。
func (NopPayloadStore) Put(context.Context, *model.NormalizedActivity, []byte) (string, error) {
	return "", nil
}
