package orchestrator

import (
	"context"

	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/draft"
	"github.com/shouni/x-post-kit/pkg/linkpreview"
)

// TextGenerator は投稿本文と画像プロンプトを生成します。
type TextGenerator interface {
	GenerateText(ctx context.Context, topic string, exclusion domain.ExclusionList) (domain.TextResult, error)
}

// ImageGenerator はスタイル枠ごとに画像を1枚生成し、一時URLを返します。
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, style domain.Style) (string, error)
}

// LinkPreviewer は本文中のリンクのプレビューを取得します。
type LinkPreviewer = linkpreview.Fetcher

// Publisher は投稿を公開し、投稿URLを返します。
type Publisher interface {
	Publish(ctx context.Context, text, imageRef string) (string, error)
}

// HistoryRepository はセッションが使う履歴ストアの操作です。
type HistoryRepository interface {
	draft.Repository
	List(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error)
	AttachImages(ctx context.Context, userID, id string, sources []string) ([]string, error)
	SaveSnapshot(ctx context.Context, userID string, payload []byte) error
	LoadSnapshot(ctx context.Context, userID string) ([]byte, error)
	ClearSnapshot(ctx context.Context, userID string) error
}

// ImageUploader はアップロード画像を永続ストレージへ保存し、不要になったものを削除します。
type ImageUploader interface {
	Migrate(ctx context.Context, userID, src string) (string, error)
	DeleteDurable(ctx context.Context, refs []string)
}
