package migration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/shouni/go-remote-io/pkg/remoteio"
)

// GCSStore は Cloud Storage のバケットに保存する BlobStore です。
// 読み書きは remoteio の gs:// 経路、削除だけ storage クライアントを直接使います。
// 参照は公開URL（baseURL + オブジェクト名）として返します。
type GCSStore struct {
	client  *storage.Client
	writer  remoteio.OutputWriter
	reader  remoteio.InputReader
	bucket  string
	baseURL string
}

// NewGCSStore は GCSStore を作ります。baseURL が空なら storage.googleapis.com の公開URLを使います。
func NewGCSStore(client *storage.Client, bucket, baseURL string) (*GCSStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if baseURL == "" {
		baseURL = "https://storage.googleapis.com/" + bucket + "/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &GCSStore{
		client:  client,
		writer:  remoteio.NewUniversalIOWriter(client, nil),
		reader:  remoteio.NewUniversalInputReader(client, nil),
		bucket:  bucket,
		baseURL: baseURL,
	}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := s.writer.Write(ctx, s.uri(key), bytes.NewReader(data), contentType); err != nil {
		return "", fmt.Errorf("gcs write %s: %w", key, err)
	}
	return s.baseURL + key, nil
}

func (s *GCSStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	key, ok := s.objectName(ref)
	if !ok {
		return nil, fmt.Errorf("not a gcs ref for bucket %s: %s", s.bucket, ref)
	}
	return s.reader.Open(ctx, s.uri(key))
}

func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	key, ok := s.objectName(ref)
	if !ok {
		return fmt.Errorf("not a gcs ref for bucket %s: %s", s.bucket, ref)
	}
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Owns(ref string) bool {
	_, ok := s.objectName(ref)
	return ok
}

func (s *GCSStore) objectName(ref string) (string, bool) {
	for _, prefix := range []string{s.baseURL, "gs://" + s.bucket + "/"} {
		if strings.HasPrefix(ref, prefix) && len(ref) > len(prefix) {
			return strings.TrimPrefix(ref, prefix), true
		}
	}
	return "", false
}

func (s *GCSStore) uri(key string) string {
	return "gs://" + s.bucket + "/" + key
}
