package linkpreview

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/shouni/x-post-kit/pkg/domain"
)

// mockHTTPClient は httpkit.ClientInterface を実装するのだ。
type mockHTTPClient struct {
	doFunc   func(req *http.Request) (*http.Response, error)
	safeFunc func(url string) (bool, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return nil, errors.New("unexpected request")
}

func (m *mockHTTPClient) IsSafeURL(urlStr string) (bool, error) {
	if m.safeFunc != nil {
		return m.safeFunc(urlStr)
	}
	return true, nil
}

func (m *mockHTTPClient) DoRequest(req *http.Request) ([]byte, error) {
	return nil, errors.New("retrying request must not be used")
}

// インターフェースを満たすための空実装群なのだ
func (m *mockHTTPClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return nil, nil
}

func (m *mockHTTPClient) FetchAndDecodeJSON(ctx context.Context, url string, v any) error {
	return nil
}

func (m *mockHTTPClient) PostJSONAndFetchBytes(ctx context.Context, url string, data any) ([]byte, error) {
	return nil, nil
}

func (m *mockHTTPClient) PostRawBodyAndFetchBytes(ctx context.Context, url string, body []byte, contentType string) ([]byte, error) {
	return nil, nil
}

func (m *mockHTTPClient) IsSecureServiceURL(serviceURL string) bool {
	return true
}

// countingFetcher は呼ばれたURLを記録する Fetcher なのだ。
type countingFetcher struct {
	mu        sync.Mutex
	calls     []string
	fetchFunc func(ctx context.Context, rawURL string) (domain.PreviewResult, error)
}

func (f *countingFetcher) FetchLinkPreview(ctx context.Context, rawURL string) (domain.PreviewResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	fn := f.fetchFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, rawURL)
	}
	return domain.PreviewResult{ImageURL: rawURL + "/og.png"}, nil
}

func (f *countingFetcher) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
