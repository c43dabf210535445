package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/history"
	"github.com/shouni/x-post-kit/pkg/migration"
)

// fakeText は TextGenerator のモックなのだ。
type fakeText struct {
	mu        sync.Mutex
	exclusion []domain.ExclusionList
	genFunc   func(topic string) (domain.TextResult, error)
}

func (f *fakeText) GenerateText(ctx context.Context, topic string, exclusion domain.ExclusionList) (domain.TextResult, error) {
	f.mu.Lock()
	f.exclusion = append(f.exclusion, exclusion)
	fn := f.genFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(topic)
	}
	return domain.TextResult{
		Text:         "Post about " + topic,
		ImagePrompts: [3]string{topic + " A", topic + " B", topic + " C"},
		WhyItWorks:   "- hook",
	}, nil
}

func (f *fakeText) exclusions() []domain.ExclusionList {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ExclusionList(nil), f.exclusion...)
}

// fakeImages は ImageGenerator のモックなのだ。既定では data URL を返すのだ。
type fakeImages struct {
	mu      sync.Mutex
	calls   int
	genFunc func(prompt string, style domain.Style) (string, error)
}

func (f *fakeImages) GenerateImage(ctx context.Context, prompt string, style domain.Style) (string, error) {
	f.mu.Lock()
	f.calls++
	fn := f.genFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(prompt, style)
	}
	return dataURL(prompt, style), nil
}

func (f *fakeImages) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// dataURL は prompt と style ごとに色の違う小さな PNG の data URL を返すのだ。
func dataURL(prompt string, style domain.Style) string {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s#%d", prompt, style)
	sum := h.Sum32()

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			img.Set(x, y, color.RGBA{uint8(sum), uint8(sum >> 8), uint8(sum >> 16), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return migration.EncodeDataURL("image/png", buf.Bytes())
}

// fakePreview は LinkPreviewer のモックなのだ。
type fakePreview struct {
	fetchFunc func(rawURL string) (domain.PreviewResult, error)
}

func (f *fakePreview) FetchLinkPreview(ctx context.Context, rawURL string) (domain.PreviewResult, error) {
	if f.fetchFunc != nil {
		return f.fetchFunc(rawURL)
	}
	return domain.PreviewResult{ImageURL: rawURL + "/og.png"}, nil
}

// fakePublisher は Publisher のモックなのだ。
type fakePublisher struct {
	mu       sync.Mutex
	texts    []string
	images   []string
	pubFunc  func(text, imageRef string) (string, error)
	sequence int
}

func (f *fakePublisher) Publish(ctx context.Context, text, imageRef string) (string, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.images = append(f.images, imageRef)
	f.sequence++
	n := f.sequence
	fn := f.pubFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(text, imageRef)
	}
	return fmt.Sprintf("https://x.com/u/status/%d", n), nil
}

// nopHTTPClient は httpkit.ClientInterface を満たすだけの空実装なのだ。
type nopHTTPClient struct{}

func (nopHTTPClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return nil, fmt.Errorf("unexpected fetch: %s", url)
}

func (nopHTTPClient) DoRequest(req *http.Request) ([]byte, error) {
	return nil, fmt.Errorf("unexpected request: %s", req.URL)
}

func (nopHTTPClient) FetchAndDecodeJSON(ctx context.Context, url string, v any) error { return nil }

func (nopHTTPClient) PostJSONAndFetchBytes(ctx context.Context, url string, data any) ([]byte, error) {
	return nil, nil
}

func (nopHTTPClient) PostRawBodyAndFetchBytes(ctx context.Context, url string, body []byte, contentType string) ([]byte, error) {
	return nil, nil
}

func (nopHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("unexpected request: %s", req.URL)
}

func (nopHTTPClient) IsSafeURL(urlStr string) (bool, error) {
	return true, nil
}

func (nopHTTPClient) IsSecureServiceURL(serviceURL string) bool {
	return true
}

// harness は本物の履歴ストアと移行処理を持つテスト用セッション一式なのだ。
type harness struct {
	session   *Session
	store     *history.Store
	blobDir   string
	text      *fakeText
	images    *fakeImages
	preview   *fakePreview
	publisher *fakePublisher
	deps      Deps
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobDir := filepath.Join(dir, "blobs")
	blobs, err := migration.NewDirStore(blobDir)
	require.NoError(t, err)
	migrator, err := migration.NewMigrator(nopHTTPClient{}, blobs)
	require.NoError(t, err)
	store, err := history.New(db, migrator)
	require.NoError(t, err)

	h := &harness{
		store:     store,
		blobDir:   blobDir,
		text:      &fakeText{},
		images:    &fakeImages{},
		preview:   &fakePreview{},
		publisher: &fakePublisher{},
	}
	h.deps = Deps{
		Text:      h.text,
		Images:    h.images,
		Preview:   h.preview,
		Publisher: h.publisher,
		History:   store,
		Uploads:   migrator,
	}
	h.session = h.newSession(t, opts...)
	return h
}

// newSession は同じ依存で別のセッションを作るのだ（CLI の別プロセスに相当）。
func (h *harness) newSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	base := []Option{WithAutosaveDelay(time.Hour), WithPreviewDelay(time.Hour)}
	s, err := New("u1", h.deps, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// gatedHistory は Add の前に割り込めるようにした履歴ストアなのだ。
type gatedHistory struct {
	*history.Store
	beforeAdd func(in history.NewEntry)
}

func (g *gatedHistory) Add(ctx context.Context, userID string, in history.NewEntry) (history.AddResult, error) {
	if g.beforeAdd != nil {
		g.beforeAdd(in)
	}
	return g.Store.Add(ctx, userID, in)
}
