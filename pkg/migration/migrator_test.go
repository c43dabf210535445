package migration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/x-post-kit/pkg/domain"
)

func newTestMigrator(t *testing.T, httpClient *mockHTTPClient, store BlobStore) *Migrator {
	t.Helper()
	seq := 0
	m, err := NewMigrator(httpClient, store,
		WithCompression(false, 0),
		WithKeyFunc(func(userID string) string {
			seq++
			return fmt.Sprintf("%s/%03d", userID, seq)
		}),
	)
	require.NoError(t, err)
	return m
}

func TestNewMigrator(t *testing.T) {
	_, err := NewMigrator(nil, newMemStore())
	assert.Error(t, err)
	_, err = NewMigrator(&mockHTTPClient{}, nil)
	assert.Error(t, err)
}

func TestMigrator_Migrate(t *testing.T) {
	ctx := context.Background()

	t.Run("data URLの画像を保存して永続参照を返す", func(t *testing.T) {
		store := newMemStore()
		m := newTestMigrator(t, &mockHTTPClient{}, store)
		img := pngBytes(t, 1)

		ref, err := m.Migrate(ctx, "user-1", EncodeDataURL("image/png", img))
		require.NoError(t, err)
		assert.Equal(t, memPrefix+"user-1/001", ref)
		assert.Equal(t, img, store.blobs[ref])
		assert.Equal(t, "image/png", store.types[ref])
	})

	t.Run("http URLは再試行しない Do で取得する", func(t *testing.T) {
		store := newMemStore()
		var fetched string
		img := pngBytes(t, 2)
		m := newTestMigrator(t, &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
			fetched = req.URL.String()
			assert.Equal(t, http.MethodGet, req.Method)
			return respond(http.StatusOK, img)(req)
		}}, store)

		ref, err := m.Migrate(ctx, "u", "https://imgen.example.com/tmp/abc.png")
		require.NoError(t, err)
		assert.Equal(t, "https://imgen.example.com/tmp/abc.png", fetched)
		assert.True(t, store.Owns(ref))
	})

	t.Run("一度の503で失敗し、サーバーを再訪しない", func(t *testing.T) {
		var hits atomic.Int32
		img := pngBytes(t, 3)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write(img)
		}))
		defer srv.Close()

		store := newMemStore()
		m := newTestMigrator(t, &mockHTTPClient{doFunc: http.DefaultClient.Do}, store)

		_, err := m.Migrate(ctx, "u", srv.URL+"/tmp/x.png")
		require.Error(t, err)
		assert.Equal(t, domain.KindStorage, domain.KindOf(err))
		assert.Equal(t, int32(1), hits.Load())
		assert.Equal(t, 0, store.count())
	})

	t.Run("既存の永続参照は別の実体として複製される", func(t *testing.T) {
		store := newMemStore()
		m := newTestMigrator(t, &mockHTTPClient{}, store)

		first, err := m.Migrate(ctx, "u", EncodeDataURL("image/png", pngBytes(t, 4)))
		require.NoError(t, err)
		second, err := m.Migrate(ctx, "u", first)
		require.NoError(t, err)

		assert.NotEqual(t, first, second)
		assert.Equal(t, 2, store.count())
	})

	t.Run("404はStorageError", func(t *testing.T) {
		m := newTestMigrator(t, &mockHTTPClient{doFunc: respond(http.StatusNotFound, []byte("gone"))}, newMemStore())

		_, err := m.Migrate(ctx, "u", "https://expired.example/x.jpg")
		require.Error(t, err)
		assert.Equal(t, domain.KindStorage, domain.KindOf(err))
	})

	t.Run("画像でないボディは保存しない", func(t *testing.T) {
		store := newMemStore()
		m := newTestMigrator(t, &mockHTTPClient{doFunc: respond(http.StatusOK, []byte("<html><body>rate limited</body></html>"))}, store)

		_, err := m.Migrate(ctx, "u", "https://imgen.example.com/tmp/abc.png")
		assert.True(t, domain.IsKind(err, domain.KindStorage))

		_, err = m.Migrate(ctx, "u", "data:text/html,<html><body>rate limited</body></html>")
		assert.True(t, domain.IsKind(err, domain.KindStorage))
		assert.Equal(t, 0, store.count())
	})

	t.Run("安全でないと判定されたURLは取得しない", func(t *testing.T) {
		called := false
		var checked string
		m := newTestMigrator(t, &mockHTTPClient{
			doFunc: func(req *http.Request) (*http.Response, error) {
				called = true
				return respond(http.StatusOK, pngBytes(t, 5))(req)
			},
			safeFunc: func(url string) (bool, error) {
				checked = url
				return false, nil
			},
		}, newMemStore())

		_, err := m.Migrate(ctx, "u", "http://127.0.0.1/admin.png")
		assert.Error(t, err)
		assert.False(t, called)
		assert.Equal(t, "http://127.0.0.1/admin.png", checked)
	})

	t.Run("URL判定そのものの失敗も取得しない", func(t *testing.T) {
		m := newTestMigrator(t, &mockHTTPClient{
			safeFunc: func(string) (bool, error) { return false, errors.New("lookup failed") },
		}, newMemStore())

		_, err := m.Migrate(ctx, "u", "https://unresolvable.invalid/a.png")
		assert.True(t, domain.IsKind(err, domain.KindStorage))
	})

	t.Run("圧縮有効ならノイズの多いPNGはJPEGで保存される", func(t *testing.T) {
		store := newMemStore()
		m, err := NewMigrator(&mockHTTPClient{}, store, WithCompression(true, 60))
		require.NoError(t, err)

		ref, err := m.Migrate(ctx, "u", EncodeDataURL("image/png", noisyPNG(t)))
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", store.types[ref])
	})

	t.Run("保存失敗もStorageError", func(t *testing.T) {
		store := newMemStore()
		store.putErr = errors.New("bucket gone")
		m := newTestMigrator(t, &mockHTTPClient{}, store)

		_, err := m.Migrate(ctx, "u", EncodeDataURL("image/png", pngBytes(t, 6)))
		assert.True(t, domain.IsKind(err, domain.KindStorage))
	})
}

func TestMigrator_DeleteDurable(t *testing.T) {
	ctx := context.Background()

	t.Run("管理下の参照だけを削除する", func(t *testing.T) {
		store := newMemStore()
		m := newTestMigrator(t, &mockHTTPClient{}, store)
		ref, err := m.Migrate(ctx, "u", EncodeDataURL("image/png", pngBytes(t, 7)))
		require.NoError(t, err)

		m.DeleteDurable(ctx, []string{ref, "https://pbs.twimg.com/media/foreign.jpg", ""})

		assert.Equal(t, 0, store.count())
		assert.Equal(t, []string{ref}, store.deleted)
	})

	t.Run("削除失敗は飲み込んで残りを続ける", func(t *testing.T) {
		store := newMemStore()
		store.deleteErr = errors.New("permission denied")
		m := newTestMigrator(t, &mockHTTPClient{}, store)

		assert.NotPanics(t, func() {
			m.DeleteDurable(ctx, []string{memPrefix + "a", memPrefix + "b"})
		})
		assert.Len(t, store.deleted, 2)
	})
}

func TestDirStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewDirStore(root)
	require.NoError(t, err)

	ref, err := store.Put(ctx, "user/abc", []byte("blob"), "image/jpeg")
	require.NoError(t, err)
	assert.True(t, store.Owns(ref))
	assert.FileExists(t, filepath.Join(root, "user", "abc"))

	rc, err := store.Open(ctx, ref)
	require.NoError(t, err)
	_ = rc.Close()

	require.NoError(t, store.Delete(ctx, ref))
	_, err = os.Stat(filepath.Join(root, "user", "abc"))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, store.Delete(ctx, ref), "二重削除はエラーにしない")

	_, err = store.Put(ctx, "../escape", []byte("x"), "image/jpeg")
	assert.Error(t, err)
	assert.False(t, store.Owns("file:///etc/passwd"))
	assert.False(t, store.Owns("https://example.com/a.jpg"))
}

func TestDataURL(t *testing.T) {
	data, err := DecodeDataURL(EncodeDataURL("image/png", []byte{0x89, 0x50}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50}, data)

	data, err = DecodeDataURL("data:text/plain,hello%20world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	_, err = DecodeDataURL("data:image/png;base64")
	assert.Error(t, err)
}

func TestCheckSafeURL(t *testing.T) {
	client := &mockHTTPClient{safeFunc: func(url string) (bool, error) {
		switch url {
		case "https://8.8.8.8/image.png":
			return true, nil
		case "not a url":
			return false, errors.New("parse error")
		}
		return false, nil
	}}

	assert.NoError(t, CheckSafeURL(client, "https://8.8.8.8/image.png"))
	assert.Error(t, CheckSafeURL(client, "http://127.0.0.1/"))
	assert.Error(t, CheckSafeURL(client, "not a url"))
}

func noisyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	rng := rand.New(rand.NewSource(1))
	for x := 0; x < 64; x++ {
		for y := 0; y < 64; y++ {
			img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
