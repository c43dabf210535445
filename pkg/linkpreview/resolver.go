package linkpreview

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shouni/x-post-kit/pkg/debounce"
	"github.com/shouni/x-post-kit/pkg/domain"
)

// DefaultDelay はリンクプレビュー解決のデバウンス間隔です。
const DefaultDelay = 600 * time.Millisecond

// Fetcher はリンクプレビューを取得します。
type Fetcher interface {
	FetchLinkPreview(ctx context.Context, rawURL string) (domain.PreviewResult, error)
}

// Update は Resolver が通知するプレビュー状態の変化です。
type Update struct {
	// URL は解決対象のURLです。空文字はリンクがなくなったことを表します。
	URL     string
	Preview domain.PreviewResult
	Err     error
	// Pending は取得開始前のクリア通知であることを表します。
	Pending bool
}

// Resolver は本文の変化に応じてリンクプレビューを解決します。
// 抽出したURLが前回と同じなら何もせず、変わったときだけ1本のタイマーで取得を予約します。
type Resolver struct {
	fetcher Fetcher
	timer   *debounce.Timer
	handle  func(Update)

	mu   sync.Mutex
	last string
}

// ResolverOption は Resolver の設定を変更します。
type ResolverOption func(*Resolver)

// WithDelay はデバウンス間隔を変更します。
func WithDelay(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timer = debounce.New(d)
		}
	}
}

// NewResolver は Resolver を作成します。handle は取得ゴルーチンから呼ばれます。
func NewResolver(fetcher Fetcher, handle func(Update), opts ...ResolverOption) (*Resolver, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if handle == nil {
		handle = func(Update) {}
	}
	r := &Resolver{
		fetcher: fetcher,
		timer:   debounce.New(DefaultDelay),
		handle:  handle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// OnTextChange は本文の変更を受け取ります。
func (r *Resolver) OnTextChange(ctx context.Context, text string) {
	u := ExtractURL(text)

	r.mu.Lock()
	if u == r.last {
		r.mu.Unlock()
		return
	}
	r.last = u
	r.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	r.timer.Schedule(func() {
		r.resolve(bg, u)
	})
}

// Flush は保留中の解決があれば即座に実行します。
func (r *Resolver) Flush() bool {
	return r.timer.Flush()
}

// Last は最後に検出したURLを返します。
func (r *Resolver) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Restore は保留中の解決を破棄し、検出済みURLを u にします。取得は行いません。
func (r *Resolver) Restore(u string) {
	r.timer.Cancel()
	r.mu.Lock()
	r.last = u
	r.mu.Unlock()
}

// Reset は保留中の解決を破棄し、初期状態に戻します。
func (r *Resolver) Reset() {
	r.Restore("")
}

func (r *Resolver) resolve(ctx context.Context, u string) {
	if u == "" {
		r.handle(Update{})
		return
	}
	r.handle(Update{URL: u, Pending: true})

	preview, err := r.fetcher.FetchLinkPreview(ctx, u)

	r.mu.Lock()
	stale := r.last != u
	r.mu.Unlock()
	if stale {
		slog.DebugContext(ctx, "古いリンクプレビューの結果を破棄しました", "url", u)
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "リンクプレビューの取得に失敗しました", "url", u, "error", err)
		r.handle(Update{URL: u, Err: err})
		return
	}
	r.handle(Update{URL: u, Preview: preview})
}
