// Package draft は編集中テキストの自動保存と、公開後の編集をフォークする仕組みを提供します。
package draft

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shouni/x-post-kit/pkg/debounce"
	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/history"
)

// DefaultDelay は自動保存のデバウンス間隔です。
const DefaultDelay = 800 * time.Millisecond

// SaveStatus は自動保存の状態です。
type SaveStatus string

const (
	StatusNone    SaveStatus = ""
	StatusUnsaved SaveStatus = "unsaved"
	StatusSaved   SaveStatus = "saved"
)

// Repository は Engine が使う履歴ストアの操作です。
type Repository interface {
	Add(ctx context.Context, userID string, in history.NewEntry) (history.AddResult, error)
	Update(ctx context.Context, userID, id string, patch domain.HistoryPatch) error
	Get(ctx context.Context, userID, id string) (*domain.HistoryEntry, error)
}

// Engine はセッションごとの「現在のエントリ」を管理します。
//
// 公開・予約済み（sealed）のエントリへの編集は新しい下書きを作ってそちらに向け、
// それ以外の編集は1本のデバウンスタイマーで editedText に書き込みます。
type Engine struct {
	repo     Repository
	userID   string
	timer    *debounce.Timer
	onStatus func(SaveStatus)

	mu     sync.Mutex
	id     string
	sealed bool
	status SaveStatus
	// gen は保留中の保存が古くなったかどうかの判定に使います。
	gen uint64
}

// Option は Engine の設定を変更します。
type Option func(*Engine)

// WithDelay は自動保存の遅延を変更します。
func WithDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timer = debounce.New(d)
		}
	}
}

// WithStatusObserver は保存状態が変わるたびに呼ばれる関数を登録します。
func WithStatusObserver(fn func(SaveStatus)) Option {
	return func(e *Engine) { e.onStatus = fn }
}

// New は Engine を作成します。
func New(repo Repository, userID string, opts ...Option) (*Engine, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	e := &Engine{
		repo:   repo,
		userID: userID,
		timer:  debounce.New(DefaultDelay),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Begin は新しい下書きを保存し、それを現在のエントリにします。
func (e *Engine) Begin(ctx context.Context, in history.NewEntry) (string, error) {
	e.timer.Cancel()

	e.mu.Lock()
	e.gen++
	in.Status = domain.StatusDraft
	res, err := e.repo.Add(ctx, e.userID, in)
	if err != nil {
		e.mu.Unlock()
		return "", err
	}
	e.id = res.ID
	e.sealed = false
	st := e.setStatusLocked(StatusSaved)
	e.mu.Unlock()

	e.notify(st)
	return res.ID, nil
}

// Attach は既存のエントリを現在のエントリとして扱います。セッション復元用です。
func (e *Engine) Attach(id string, sealed bool) {
	e.timer.Cancel()

	e.mu.Lock()
	e.gen++
	e.id = id
	e.sealed = sealed
	st := StatusNone
	if id != "" {
		st = StatusSaved
	}
	st = e.setStatusLocked(st)
	e.mu.Unlock()

	e.notify(st)
}

// Edit はテキストの変更を受け取ります。
// sealed なエントリに対しては同期的にフォークし、それ以外は保存を予約します。
func (e *Engine) Edit(ctx context.Context, text string) error {
	e.mu.Lock()
	if e.id == "" {
		e.mu.Unlock()
		return nil
	}
	if e.sealed {
		e.timer.Cancel()
		e.gen++
		err := e.forkLocked(ctx, text)
		st := e.status
		e.mu.Unlock()
		e.notify(st)
		return err
	}

	e.gen++
	gen, id := e.gen, e.id
	st := e.setStatusLocked(StatusUnsaved)
	e.mu.Unlock()
	e.notify(st)

	saveCtx := context.WithoutCancel(ctx)
	e.timer.Schedule(func() {
		e.save(saveCtx, gen, id, text)
	})
	return nil
}

// Flush は保留中の保存があれば即座に実行します。
func (e *Engine) Flush() bool {
	return e.timer.Flush()
}

// Publish は現在のエントリを投稿済みにして sealed にします。
// 現在のエントリがない、または既に sealed の場合は fallback から新しいエントリを作ります。
func (e *Engine) Publish(ctx context.Context, text, postURL string, at time.Time, fallback history.NewEntry) (string, error) {
	patch := domain.HistoryPatch{
		EditedText: &text,
		Status:     domain.Ptr(domain.StatusPosted),
		PostedAt:   &at,
		PostURL:    &postURL,
	}
	fallback.EditedText = text
	fallback.Status = domain.StatusPosted
	fallback.PostedAt = &at
	fallback.PostURL = postURL
	return e.seal(ctx, patch, fallback)
}

// Schedule は現在のエントリを予約済みにして sealed にします。投稿はしません。
func (e *Engine) Schedule(ctx context.Context, text string, when time.Time, fallback history.NewEntry) (string, error) {
	patch := domain.HistoryPatch{
		EditedText:   &text,
		Status:       domain.Ptr(domain.StatusScheduled),
		ScheduledFor: &when,
	}
	fallback.EditedText = text
	fallback.Status = domain.StatusScheduled
	fallback.ScheduledFor = &when
	return e.seal(ctx, patch, fallback)
}

// Reset は保留中の保存を破棄し、現在のエントリを外します。
func (e *Engine) Reset() {
	e.timer.Cancel()

	e.mu.Lock()
	e.gen++
	e.id = ""
	e.sealed = false
	st := e.setStatusLocked(StatusNone)
	e.mu.Unlock()

	e.notify(st)
}

// Status は現在の保存状態を返します。
func (e *Engine) Status() SaveStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// CurrentID は現在のエントリIDを返します。なければ空文字です。
func (e *Engine) CurrentID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}

// Sealed は現在のエントリが公開・予約済みかどうかを返します。
func (e *Engine) Sealed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sealed
}

func (e *Engine) seal(ctx context.Context, patch domain.HistoryPatch, fallback history.NewEntry) (string, error) {
	e.timer.Cancel()

	e.mu.Lock()
	e.gen++
	if e.id != "" && !e.sealed {
		if err := e.repo.Update(ctx, e.userID, e.id, patch); err != nil {
			e.mu.Unlock()
			return "", err
		}
	} else {
		if e.id != "" {
			if prev, err := e.repo.Get(ctx, e.userID, e.id); err == nil {
				fallback.Prompt = prev.Prompt
				fallback.ImagePrompt = prev.ImagePrompt
				if fallback.ImageURL == "" && len(fallback.SourceImageURLs) == 0 {
					fallback.ImageURL = prev.ImageURL
					fallback.SourceImageURLs = prev.ImageURLs
				}
			}
		}
		res, err := e.repo.Add(ctx, e.userID, fallback)
		if err != nil {
			e.mu.Unlock()
			return "", err
		}
		e.id = res.ID
	}
	e.sealed = true
	id := e.id
	st := e.setStatusLocked(StatusSaved)
	e.mu.Unlock()

	e.notify(st)
	return id, nil
}

// forkLocked は sealed なエントリから新しい下書きを作ります。
// 画像は Add で再度永続化されるため、フォーク先は独立したblobを持ちます。
func (e *Engine) forkLocked(ctx context.Context, text string) error {
	in := history.NewEntry{EditedText: text, Status: domain.StatusDraft}
	prev, err := e.repo.Get(ctx, e.userID, e.id)
	switch {
	case err == nil:
		in.Prompt = prev.Prompt
		in.ImagePrompt = prev.ImagePrompt
		in.SourceImageURLs = prev.ImageURLs
		if len(prev.ImageURLs) == 0 {
			in.ImageURL = prev.ImageURL
		}
	case domain.IsKind(err, domain.KindNotFound):
		slog.WarnContext(ctx, "フォーク元のエントリが見つかりません。本文のみで下書きを作成します", "id", e.id)
	default:
		e.setStatusLocked(StatusUnsaved)
		return err
	}

	res, err := e.repo.Add(ctx, e.userID, in)
	if err != nil {
		e.setStatusLocked(StatusUnsaved)
		return err
	}
	slog.InfoContext(ctx, "公開済みエントリへの編集を新しい下書きに分岐しました", "from", e.id, "to", res.ID)
	e.id = res.ID
	e.sealed = false
	e.setStatusLocked(StatusSaved)
	return nil
}

func (e *Engine) save(ctx context.Context, gen uint64, id, text string) {
	e.mu.Lock()
	// 公開・フォーク・リセットに追い越された保存は捨てる
	if gen != e.gen || id != e.id || e.sealed {
		e.mu.Unlock()
		return
	}
	err := e.repo.Update(ctx, e.userID, id, domain.HistoryPatch{EditedText: &text})
	st := e.status
	if err != nil {
		slog.WarnContext(ctx, "下書きの自動保存に失敗しました", "id", id, "error", err)
	} else {
		st = e.setStatusLocked(StatusSaved)
	}
	e.mu.Unlock()

	e.notify(st)
}

func (e *Engine) setStatusLocked(st SaveStatus) SaveStatus {
	e.status = st
	return st
}

func (e *Engine) notify(st SaveStatus) {
	if e.onStatus != nil {
		e.onStatus(st)
	}
}
