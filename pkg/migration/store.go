package migration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/shouni/go-remote-io/pkg/remoteio"
)

// BlobStore は永続ストレージの最小限の操作です。
type BlobStore interface {
	// Put は data を key に保存し、永続参照を返します。
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Open は Owns が true を返す参照の中身を読み出します。
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete は参照の実体を削除します。存在しない場合はエラーにしません。
	Delete(ctx context.Context, ref string) error
	// Owns は ref がこのストアの管理下にあるかどうかを返します。
	Owns(ref string) bool
}

// DirStore はローカルディレクトリを永続ストレージとして使う BlobStore です。
// 読み書きは remoteio のローカル経路を使い、参照は file:// URL になります。
type DirStore struct {
	root   string
	writer remoteio.OutputWriter
	reader remoteio.InputReader
}

// NewDirStore は root 配下に保存する DirStore を作ります。
func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &DirStore{
		root:   abs,
		writer: remoteio.NewUniversalIOWriter(nil, nil),
		reader: remoteio.NewUniversalInputReader(nil, nil),
	}, nil
}

func (s *DirStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.keyPath(key)
	if err != nil {
		return "", err
	}
	if err := s.writer.Write(ctx, path, bytes.NewReader(data), contentType); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

func (s *DirStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.refPath(ref)
	if err != nil {
		return nil, err
	}
	return s.reader.Open(ctx, path)
}

func (s *DirStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.refPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

func (s *DirStore) Owns(ref string) bool {
	_, err := s.refPath(ref)
	return err == nil
}

func (s *DirStore) keyPath(key string) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("blob key escapes store root: %s", key)
	}
	return path, nil
}

func (s *DirStore) refPath(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("not a file ref: %s", ref)
	}
	path := filepath.Clean(filepath.FromSlash(u.Path))
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("ref outside store root: %s", ref)
	}
	return path, nil
}
