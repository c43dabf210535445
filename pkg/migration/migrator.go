// Package migration はプロバイダが返す一時URLの画像を永続ストレージへ移します。
package migration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shouni/go-http-kit/pkg/httpkit"

	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/imgutil"
)

// maxImageBytes は移行対象として受け付ける画像サイズの上限です。
const maxImageBytes = 20 << 20

// Migrator は一時URLを永続参照へ移行し、不要になった参照を掃除します。
type Migrator struct {
	httpClient httpkit.ClientInterface
	store      BlobStore
	compress   bool
	quality    int
	newKey     func(userID string) string
}

// Option は Migrator の設定を変更します。
type Option func(*Migrator)

// WithCompression は保存前の JPEG 正規化を切り替えます。
func WithCompression(enabled bool, quality int) Option {
	return func(m *Migrator) {
		m.compress = enabled
		if quality > 0 {
			m.quality = quality
		}
	}
}

// WithKeyFunc はオブジェクトキーの採番方法を差し替えます。
func WithKeyFunc(fn func(userID string) string) Option {
	return func(m *Migrator) { m.newKey = fn }
}

// NewMigrator は依存関係を注入して Migrator を初期化します。
func NewMigrator(httpClient httpkit.ClientInterface, store BlobStore, opts ...Option) (*Migrator, error) {
	if httpClient == nil {
		return nil, fmt.Errorf("httpClient is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	m := &Migrator{
		httpClient: httpClient,
		store:      store,
		compress:   true,
		quality:    imgutil.DefaultQuality,
		newKey: func(userID string) string {
			return userID + "/" + uuid.NewString()
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Migrate は src の画像を取得して永続ストレージへ保存し、永続参照を返します。
// src は data: URL、http(s) URL、またはこのストアの既存参照（複製されます）です。
// 失敗はすべて StorageError として返します。
func (m *Migrator) Migrate(ctx context.Context, userID, src string) (string, error) {
	if userID == "" {
		return "", domain.NewValidationError("migrate", "user id is required")
	}
	data, err := m.fetch(ctx, src)
	if err != nil {
		return "", domain.NewStorageError("migrate", err)
	}
	if len(data) == 0 {
		return "", domain.NewStorageError("migrate", fmt.Errorf("empty image body: %s", redact(src)))
	}

	blob := imgutil.Blob{Data: data}
	if m.compress {
		blob, err = imgutil.Normalize(data, m.quality)
	} else {
		blob.MimeType, err = imgutil.Sniff(data)
	}
	if err != nil {
		return "", domain.NewStorageError("migrate", fmt.Errorf("%s: %w", redact(src), err))
	}

	ref, err := m.store.Put(ctx, m.newKey(userID), blob.Data, blob.MimeType)
	if err != nil {
		return "", domain.NewStorageError("migrate", err)
	}
	slog.DebugContext(ctx, "画像を永続ストレージへ移行しました", "user", userID, "ref", ref, "bytes", len(blob.Data), "mime", blob.MimeType)
	return ref, nil
}

// DeleteDurable は refs のうちこのストアが管理する参照の実体を削除します。
// 失敗はログに残すだけで再試行せず、呼び出し元の処理を止めません。
func (m *Migrator) DeleteDurable(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if ref == "" || !m.store.Owns(ref) {
			continue
		}
		if err := m.store.Delete(ctx, ref); err != nil {
			slog.WarnContext(ctx, "永続画像の削除に失敗しました。再試行はしません",
				"ref", ref, "error", domain.NewStorageError("delete durable", err))
		}
	}
}

// Owns は ref が永続ストレージの参照かどうかを返します。
func (m *Migrator) Owns(ref string) bool {
	return m.store.Owns(ref)
}

func (m *Migrator) fetch(ctx context.Context, src string) ([]byte, error) {
	switch {
	case src == "":
		return nil, fmt.Errorf("empty source url")
	case strings.HasPrefix(src, "data:"):
		return DecodeDataURL(src)
	case m.store.Owns(src):
		rc, err := m.store.Open(ctx, src)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(io.LimitReader(rc, maxImageBytes+1))
	}

	if err := CheckSafeURL(m.httpClient, src); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	// Do は再試行しない経路。失敗はそのまま呼び出し元へ返す
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	data, err := httpkit.HandleResponse(resp)
	if err != nil {
		return nil, err
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image too large: %d bytes", len(data))
	}
	return data, nil
}

// redact はログ用に data: URL の本体を落とします。
func redact(src string) string {
	if strings.HasPrefix(src, "data:") {
		head, _, _ := strings.Cut(src, ",")
		return head + ",…"
	}
	return src
}
