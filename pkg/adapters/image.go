package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/shouni/x-post-kit/pkg/domain"
)

// DefaultImageModel は画像生成に使う既定のモデルです。
const DefaultImageModel = "gemini-2.5-flash-image"

// GeminiImageGenerator はスタイル枠ごとの候補画像を Gemini で生成するアダプターです。
// 生成結果は data: URL（一時URL）で返し、永続化は migration に任せます。
type GeminiImageGenerator struct {
	client      ContentGenerator
	model       string
	aspectRatio string
	styleNames  [domain.NumStyles]string
	seed        *int32
}

// ImageOption は GeminiImageGenerator の設定を変更します。
type ImageOption func(*GeminiImageGenerator)

// WithAspectRatio は出力のアスペクト比（例: "16:9"）を指定します。
func WithAspectRatio(ratio string) ImageOption {
	return func(g *GeminiImageGenerator) { g.aspectRatio = ratio }
}

// WithStyleNames はスタイル枠の名前を差し替えます。空文字の枠は既定名のままです。
func WithStyleNames(names [domain.NumStyles]string) ImageOption {
	return func(g *GeminiImageGenerator) {
		for i, n := range names {
			if n != "" {
				g.styleNames[i] = n
			}
		}
	}
}

// WithSeed は生成シードを固定します。
func WithSeed(seed int32) ImageOption {
	return func(g *GeminiImageGenerator) { g.seed = &seed }
}

// NewGeminiImageGenerator は依存関係を注入して初期化します。
func NewGeminiImageGenerator(client ContentGenerator, model string, opts ...ImageOption) (*GeminiImageGenerator, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if model == "" {
		model = DefaultImageModel
	}
	g := &GeminiImageGenerator{
		client:      client,
		model:       model,
		aspectRatio: "16:9",
		styleNames:  domain.DefaultStyleNames,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// GenerateImage は prompt と style から画像を1枚生成し、data: URL を返します。
func (g *GeminiImageGenerator) GenerateImage(ctx context.Context, prompt string, style domain.Style) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", domain.NewValidationError("generate image", "prompt is empty")
	}
	if !style.Valid() {
		return "", domain.NewValidationError("generate image", fmt.Sprintf("unknown style %d", style))
	}

	text := fmt.Sprintf("%s\n\nVisual style: %s.", prompt, g.styleNames[style])
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
		Seed:               g.seed,
	}
	if g.aspectRatio != "" {
		config.ImageConfig = &genai.ImageConfig{AspectRatio: g.aspectRatio}
	}

	resp, err := g.client.GenerateContent(ctx, g.model, []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, config)
	if err != nil {
		return "", classifyError("generate image", err)
	}

	url, err := imageDataURL(resp)
	if err != nil {
		return "", domain.NewProviderError("generate image", domain.ProviderGeneric, err)
	}
	slog.DebugContext(ctx, "画像を生成しました", "style", g.styleNames[style], "bytes", len(url))
	return url, nil
}
