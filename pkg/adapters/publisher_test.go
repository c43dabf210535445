package adapters

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/x-post-kit/pkg/domain"
)

func TestDryRunPublisher_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("本文と画像参照を書き出して投稿URLを返す", func(t *testing.T) {
		var buf bytes.Buffer
		p, err := NewDryRunPublisher(&buf)
		require.NoError(t, err)

		url, err := p.Publish(ctx, "hello world", "file:///tmp/a.jpg")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(url, "dryrun://post/"))
		assert.Contains(t, buf.String(), "hello world")
		assert.Contains(t, buf.String(), "file:///tmp/a.jpg")
	})

	t.Run("空の本文は拒否する", func(t *testing.T) {
		p, _ := NewDryRunPublisher(&bytes.Buffer{})
		_, err := p.Publish(ctx, "", "")
		assert.True(t, domain.IsKind(err, domain.KindValidation))
	})
}
