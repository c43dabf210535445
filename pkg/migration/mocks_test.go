package migration

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// mockHTTPClient は httpkit.ClientInterface を実装するのだ。
// 再試行つきの経路（FetchBytes / DoRequest）は呼ばれたら失敗させる。
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

func (m *mockHTTPClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return nil, errors.New("retrying fetch must not be used")
}

func (m *mockHTTPClient) DoRequest(req *http.Request) ([]byte, error) {
	return nil, errors.New("retrying request must not be used")
}

// インターフェースを満たすための空実装群なのだ
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

// respond は固定のステータスとボディを返す doFunc を作る。
func respond(status int, body []byte) func(req *http.Request) (*http.Response, error) {
	return func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(bytes.NewReader(body)),
			Request:    req,
		}, nil
	}
}

// pngBytes は seed ごとに内容の違う小さな PNG を作る。
func pngBytes(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{seed, uint8(x * 40), uint8(y * 40), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// memStore はメモリ上の BlobStore なのだ。
type memStore struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	types     map[string]string
	putErr    error
	deleteErr error
	deleted   []string
}

const memPrefix = "mem://blobs/"

func newMemStore() *memStore {
	return &memStore{blobs: map[string][]byte{}, types: map[string]string{}}
}

func (s *memStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	ref := memPrefix + key
	s.blobs[ref] = append([]byte(nil), data...)
	s.types[ref] = contentType
	return ref, nil
}

func (s *memStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ref)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.blobs, ref)
	return nil
}

func (s *memStore) Owns(ref string) bool {
	return strings.HasPrefix(ref, memPrefix)
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
