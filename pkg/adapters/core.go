// Package adapters は Gemini などの外部プロバイダをオーケストレータの能力に適合させます。
package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/shouni/x-post-kit/pkg/migration"
)

// ContentGenerator は Gemini の GenerateContent 呼び出しを抽象化します。
// *genai.Models がこれを満たします。
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// NewGeminiClient は Gemini API 用のクライアントを作成します。timeout が0以下ならSDKの既定値です。
func NewGeminiClient(ctx context.Context, apiKey string, timeout time.Duration) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if timeout > 0 {
		cc.HTTPOptions.Timeout = &timeout
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("Geminiクライアントの初期化に失敗しました: %w", err)
	}
	return client, nil
}

// imageDataURL は応答のうち最初の画像パーツを data: URL（一時URL）にして返します。
// 画像以外のインラインデータは読み飛ばします。
func imageDataURL(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("Geminiからの有効な応答がありませんでした")
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != genai.BlockedReasonUnspecified {
		return "", fmt.Errorf("プロンプトがブロックされました (BlockReason: %s)", fb.BlockReason)
	}

	var stopped genai.FinishReason
	for _, c := range resp.Candidates {
		if c == nil {
			continue
		}
		if c.Content != nil {
			for _, part := range c.Content.Parts {
				b := part.InlineData
				if b != nil && len(b.Data) > 0 && strings.HasPrefix(b.MIMEType, "image/") {
					return migration.EncodeDataURL(b.MIMEType, b.Data), nil
				}
			}
		}
		if c.FinishReason != genai.FinishReasonUnspecified && c.FinishReason != genai.FinishReasonStop && stopped == "" {
			stopped = c.FinishReason
		}
	}

	if stopped != "" {
		return "", fmt.Errorf("画像生成が異常終了しました (FinishReason: %s)", stopped)
	}
	return "", fmt.Errorf("画像データが見つかりませんでした")
}

// responseText は候補のテキストパーツを連結します。
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}
