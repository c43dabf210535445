package linkpreview

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/shouni/go-http-kit/pkg/httpkit"
	"golang.org/x/net/html"

	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/migration"
)

const (
	// DefaultUserAgent は OpenGraph を返してもらうためのクローラ名です。
	DefaultUserAgent = "Twitterbot/1.0"
	// DefaultFetchTimeout は1回のプレビュー取得の上限時間です。
	DefaultFetchTimeout = 5 * time.Second
)

var (
	xStatusPattern   = regexp.MustCompile(`(?i)^https?://(www\.)?(twitter\.com|x\.com)/(i/status|[^/?#]+/status)/\d+`)
	videoFilePattern = regexp.MustCompile(`(?i)\.(mp4|webm|ogg|mov)(\?|$)`)
)

// OGFetcher は OpenGraph メタタグからプレビュー画像・動画を取得します。
type OGFetcher struct {
	client    httpkit.ClientInterface
	userAgent string
	timeout   time.Duration
}

// FetcherOption は OGFetcher の設定を変更します。
type FetcherOption func(*OGFetcher)

// WithFetchTimeout は取得のタイムアウトを変更します。
func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(f *OGFetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// NewOGFetcher は OGFetcher を作成します。
func NewOGFetcher(client httpkit.ClientInterface, opts ...FetcherOption) (*OGFetcher, error) {
	if client == nil {
		return nil, fmt.Errorf("httpClient is required")
	}
	f := &OGFetcher{
		client:    client,
		userAgent: DefaultUserAgent,
		timeout:   DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// FetchLinkPreview は rawURL のプレビュー画像・動画を返します。
// X/Twitter の投稿URLは投稿時に自動展開されるため、取得せずに動画プレビュー扱いにします。
func (f *OGFetcher) FetchLinkPreview(ctx context.Context, rawURL string) (domain.PreviewResult, error) {
	base, err := url.Parse(rawURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return domain.PreviewResult{}, domain.NewValidationError("link preview", "invalid URL")
	}
	if xStatusPattern.MatchString(rawURL) {
		return domain.PreviewResult{VideoURL: rawURL}, nil
	}
	if err := migration.CheckSafeURL(f.client, rawURL); err != nil {
		return domain.PreviewResult{}, domain.NewValidationError("link preview", err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.PreviewResult{}, domain.NewValidationError("link preview", err.Error())
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	// 再試行しない Do を使う。失敗は次のテキスト変更まで持ち越さない
	resp, err := f.client.Do(req)
	if err != nil {
		return domain.PreviewResult{}, domain.NewNetworkError("link preview", err)
	}
	body, err := httpkit.HandleResponse(resp)
	if err != nil {
		return domain.PreviewResult{}, domain.NewNetworkError("link preview", err)
	}

	meta := parseMeta(bytes.NewReader(body))
	res := domain.PreviewResult{ImageURL: resolve(base, meta["og:image"])}

	rawVideo := firstNonEmpty(meta["og:video:url"], meta["og:video:secure_url"], meta["og:video"])
	videoType := meta["og:video:type"]
	direct := strings.HasPrefix(videoType, "video/") ||
		(videoType == "" && rawVideo != "" && videoFilePattern.MatchString(rawVideo))
	if direct {
		res.VideoURL = resolve(base, rawVideo)
	}

	if res.ImageURL == "" && res.VideoURL == "" {
		return domain.PreviewResult{}, domain.NewNotFoundError("link preview", "preview media")
	}
	return res, nil
}

// parseMeta は <meta property|name=... content=...> を最初の出現だけ集めます。
func parseMeta(r io.Reader) map[string]string {
	out := map[string]string{}
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data == "body" {
				return out
			}
			if tok.Data != "meta" {
				continue
			}
			var key, content string
			for _, a := range tok.Attr {
				switch strings.ToLower(a.Key) {
				case "property", "name":
					if key == "" {
						key = strings.ToLower(strings.TrimSpace(a.Val))
					}
				case "content":
					content = strings.TrimSpace(a.Val)
				}
			}
			if key == "" || content == "" {
				continue
			}
			if _, ok := out[key]; !ok {
				out[key] = content
			}
		}
	}
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	return u.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
