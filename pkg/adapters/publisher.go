package adapters

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shouni/x-post-kit/pkg/domain"
)

// DryRunPublisher は投稿内容を w に書き出すだけの Publisher です。
// 実際の投稿トランスポートを持たない環境でワークフローを通すために使います。
type DryRunPublisher struct {
	w io.Writer
}

// NewDryRunPublisher は DryRunPublisher を作成します。
func NewDryRunPublisher(w io.Writer) (*DryRunPublisher, error) {
	if w == nil {
		return nil, fmt.Errorf("writer is required")
	}
	return &DryRunPublisher{w: w}, nil
}

// Publish は本文と画像参照を書き出し、擬似的な投稿URLを返します。
func (p *DryRunPublisher) Publish(ctx context.Context, text, imageRef string) (string, error) {
	if text == "" {
		return "", domain.NewValidationError("publish", "text is empty")
	}
	postURL := "dryrun://post/" + uuid.NewString()
	if _, err := fmt.Fprintf(p.w, "--- dry-run post %s ---\n%s\n", postURL, text); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	if imageRef != "" {
		if _, err := fmt.Fprintf(p.w, "[image] %s\n", imageRef); err != nil {
			return "", fmt.Errorf("publish: %w", err)
		}
	}
	slog.InfoContext(ctx, "ドライランで投稿しました", "post_url", postURL, "has_image", imageRef != "")
	return postURL, nil
}
