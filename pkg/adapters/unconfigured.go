package adapters

import (
	"context"

	"github.com/shouni/x-post-kit/pkg/domain"
)

// Unconfigured は API キー未設定時に使うプロバイダです。すべての呼び出しが AuthError になります。
type Unconfigured struct{}

func (Unconfigured) GenerateText(ctx context.Context, topic string, exclusion domain.ExclusionList) (domain.TextResult, error) {
	return domain.TextResult{}, domain.NewAuthError("generate text", "API key not set")
}

func (Unconfigured) GenerateImage(ctx context.Context, prompt string, style domain.Style) (string, error) {
	return "", domain.NewAuthError("generate image", "API key not set")
}
