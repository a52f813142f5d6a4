package provider

import (
	"context"
	"errors"

	"github.com/hitoshi/fitsync/internal/model"
)

// ErrNoMorePages はページャーが最終ページまで読み終えたことを示す。
var ErrNoMorePages = errors.New("no more pages")

// PageFunc はカーソル位置の1ページを取得し、次のカーソルを返す。
// 次のカーソルが空の場合はそのページが最後となる。
type PageFunc func(ctx context.Context, accessToken, cursor string) ([]model.ProviderActivity, string, error)

// ActivityPager はアクティビティ一覧を1ページずつ遅延取得する。
// 取得に失敗した場合はカーソルを進めないため、Nextを再度呼ぶと同じページを再試行する。
// 同時に複数のgoroutineから使用してはならない。
type ActivityPager struct {
	fetch       PageFunc
	accessToken string
	cursor      string
	done        bool
}

// NewActivityPager はfirstCursorから読み始めるページャーを生成する。
func NewActivityPager(accessToken, firstCursor string, fetch PageFunc) *ActivityPager {
	return &ActivityPager{
		fetch:       fetch,
		accessToken: accessToken,
		cursor:      firstCursor,
	}
}

// Next は次のページを取得する。全ページを読み終えた後はErrNoMorePagesを返す。
func (p *ActivityPager) Next(ctx context.Context) ([]model.ProviderActivity, error) {
	if p.done {
		return nil, ErrNoMorePages
	}
	items, next, err := p.fetch(ctx, p.accessToken, p.cursor)
	if err != nil {
		return nil, err
	}
	if next == "" {
		p.done = true
	}
	p.cursor = next
	return items, nil
}

// SetAccessToken は以降のページ取得に使うアクセストークンを差し替える。
// トークンリフレッシュ後に同じページを再試行するために使う。
func (p *ActivityPager) SetAccessToken(token string) {
	p.accessToken = token
}
