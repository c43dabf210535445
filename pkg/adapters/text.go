package adapters

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"google.golang.org/genai"

	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/novelty"
)

// DefaultTextModel はテキスト生成に使う既定のモデルです。
const DefaultTextModel = "gemini-2.5-flash"

const systemPromptTemplate = `You are an X (Twitter) content strategist and visual designer.
Turn the user's short topic into one captivating X post and three image prompts, one per visual style.

STRICT OUTPUT FORMAT (never deviate):

**X Post**
[post text, at most %d characters]

**Image Prompt 1**
[image prompt in the style "%s"]

**Image Prompt 2**
[image prompt in the style "%s"]

**Image Prompt 3**
[image prompt in the style "%s"]

**Why it works**
[2-3 bullet points]`

var sectionHeading = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)

// GeminiTextGenerator は投稿本文と画像プロンプトを Gemini で生成するアダプターです。
type GeminiTextGenerator struct {
	client      ContentGenerator
	model       string
	styleNames  [domain.NumStyles]string
	maxChars    int
	temperature float32
}

// TextOption は GeminiTextGenerator の設定を変更します。
type TextOption func(*GeminiTextGenerator)

// WithTextStyleNames はプロンプトに埋め込むスタイル名を差し替えます。
func WithTextStyleNames(names [domain.NumStyles]string) TextOption {
	return func(g *GeminiTextGenerator) {
		for i, n := range names {
			if n != "" {
				g.styleNames[i] = n
			}
		}
	}
}

// WithMaxChars は本文の目安文字数を指定します。
func WithMaxChars(n int) TextOption {
	return func(g *GeminiTextGenerator) {
		if n > 0 {
			g.maxChars = n
		}
	}
}

// WithTemperature は生成温度を指定します。
func WithTemperature(t float32) TextOption {
	return func(g *GeminiTextGenerator) { g.temperature = t }
}

// NewGeminiTextGenerator は依存関係を注入して初期化します。
func NewGeminiTextGenerator(client ContentGenerator, model string, opts ...TextOption) (*GeminiTextGenerator, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if model == "" {
		model = DefaultTextModel
	}
	g := &GeminiTextGenerator{
		client:      client,
		model:       model,
		styleNames:  domain.DefaultStyleNames,
		maxChars:    260,
		temperature: 0.8,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// GenerateText は topic から本文と3つの画像プロンプトを生成します。
// exclusion が空でなければ、最近の切り口を避けるよう指示を追加します（強制ではありません）。
func (g *GeminiTextGenerator) GenerateText(ctx context.Context, topic string, exclusion domain.ExclusionList) (domain.TextResult, error) {
	system := fmt.Sprintf(systemPromptTemplate, g.maxChars, g.styleNames[0], g.styleNames[1], g.styleNames[2])
	if d := novelty.Directive(exclusion); d != "" {
		system += "\n\n" + d
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		Temperature:       genai.Ptr(g.temperature),
	}
	resp, err := g.client.GenerateContent(ctx, g.model, []*genai.Content{genai.NewContentFromText(topic, genai.RoleUser)}, config)
	if err != nil {
		return domain.TextResult{}, classifyError("generate text", err)
	}

	raw := responseText(resp)
	if raw == "" {
		return domain.TextResult{}, domain.NewProviderError("generate text", domain.ProviderGeneric, fmt.Errorf("Geminiから空の応答が返りました"))
	}
	return parseTextResponse(raw, topic), nil
}

// parseTextResponse は見出し区切りの応答を分解します。
// 見出しが見つからない部分は、本文なら応答全体、画像プロンプトなら topic で補います。
func parseTextResponse(raw, topic string) domain.TextResult {
	sections := map[string]string{}
	locs := sectionHeading.FindAllStringSubmatchIndex(raw, -1)
	for i, loc := range locs {
		name := strings.ToLower(strings.TrimSpace(raw[loc[2]:loc[3]]))
		end := len(raw)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if _, dup := sections[name]; !dup {
			sections[name] = strings.TrimSpace(raw[loc[1]:end])
		}
	}

	res := domain.TextResult{
		Text:       sections["x post"],
		WhyItWorks: sections["why it works"],
	}
	if res.Text == "" {
		res.Text = raw
	}
	for i := range res.ImagePrompts {
		p := sections[fmt.Sprintf("image prompt %d", i+1)]
		if p == "" {
			p = sections["image prompt"]
		}
		if p == "" {
			p = topic
		}
		res.ImagePrompts[i] = p
	}
	return res
}
