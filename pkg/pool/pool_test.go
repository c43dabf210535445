package pool

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/x-post-kit/pkg/domain"
)

func TestPool_Reset(t *testing.T) {
	t.Run("3件のローディング候補をスタイル順に作る", func(t *testing.T) {
		p := New()
		token, ids := p.Reset(3)

		require.Len(t, ids, 3)
		assert.Equal(t, uint64(1), token)
		snap := p.Snapshot()
		for i, c := range snap {
			assert.True(t, c.Loading)
			assert.Equal(t, domain.Style(i), c.Style)
			assert.Equal(t, ids[i], c.ID)
		}
	})

	t.Run("IDは世代をまたいでも単調増加で再利用されない", func(t *testing.T) {
		p := New()
		seen := map[int64]bool{}
		var last int64
		for round := 0; round < 5; round++ {
			_, ids := p.Reset(3)
			ids = append(ids, p.Append(domain.Style(1)))
			for _, id := range ids {
				assert.False(t, seen[id], "id %d reused", id)
				assert.Greater(t, id, last)
				seen[id] = true
				last = id
			}
		}
	})
}

func TestPool_Complete(t *testing.T) {
	t.Run("各スロットは独立して終端状態になる", func(t *testing.T) {
		p := New()
		_, ids := p.Reset(3)

		assert.True(t, p.Complete(ids[0], "https://img/0.jpg", nil))
		assert.True(t, p.Complete(ids[2], "", errors.New("HTTP 429")))
		assert.False(t, p.Settled())
		assert.True(t, p.Complete(ids[1], "https://img/1.jpg", nil))
		assert.True(t, p.Settled())

		snap := p.Snapshot()
		assert.Equal(t, domain.CandidateSucceeded, snap[0].State())
		assert.Equal(t, domain.CandidateSucceeded, snap[1].State())
		assert.Equal(t, domain.CandidateFailed, snap[2].State())
		assert.Equal(t, "HTTP 429", snap[2].Err)
	})

	t.Run("新しいリセット後に届いた古い結果は無視される", func(t *testing.T) {
		p := New()
		_, oldIDs := p.Reset(3)
		_, newIDs := p.Reset(3)
		before := p.Snapshot()

		for _, id := range oldIDs {
			assert.False(t, p.Complete(id, "https://stale.example/x.jpg", nil))
		}
		assert.Equal(t, before, p.Snapshot())

		assert.True(t, p.Complete(newIDs[0], "https://fresh.example/x.jpg", nil))
	})

	t.Run("終端状態の候補は二度と変わらない", func(t *testing.T) {
		p := New()
		_, ids := p.Reset(1)
		require.True(t, p.Complete(ids[0], "https://a", nil))
		assert.False(t, p.Complete(ids[0], "", errors.New("late failure")))

		c, ok := p.Get(ids[0])
		require.True(t, ok)
		assert.Equal(t, "https://a", c.URL)
		assert.Empty(t, c.Err)
	})

	t.Run("Clear後の完了は捨てられる", func(t *testing.T) {
		p := New()
		_, ids := p.Reset(3)
		p.Clear()
		assert.False(t, p.Complete(ids[1], "https://x", nil))
		assert.Empty(t, p.Snapshot())
	})
}

func TestPool_Append(t *testing.T) {
	p := New()
	_, ids := p.Reset(3)
	require.True(t, p.Complete(ids[0], "https://img/0.jpg", nil))
	before := p.Snapshot()

	id := p.Append(domain.Style(0))
	snap := p.Snapshot()

	require.Len(t, snap, 4)
	assert.Equal(t, before, snap[:3], "既存の候補は変化しない")
	assert.Equal(t, id, snap[3].ID)
	assert.True(t, snap[3].Loading)

	assert.True(t, p.Complete(id, "https://img/0b.jpg", nil))
	assert.Equal(t, before, p.Snapshot()[:3])
}

func TestPool_PatchURL(t *testing.T) {
	p := New()
	_, ids := p.Reset(2)
	require.True(t, p.Complete(ids[0], "data:image/png;base64,AAAA", nil))
	require.True(t, p.Complete(ids[1], "", errors.New("failed")))

	assert.True(t, p.PatchURL(ids[0], "https://storage.example/u/1"))
	assert.False(t, p.PatchURL(ids[1], "https://storage.example/u/2"), "失敗した候補には付けない")

	c, _ := p.Get(ids[0])
	assert.Equal(t, "https://storage.example/u/1", c.URL)
	assert.False(t, c.Loading)
}

func TestPool_Restore(t *testing.T) {
	p := New()
	p.Restore([]domain.ImageCandidate{
		{ID: 7, URL: "https://a", Style: 0},
		{ID: 9, Style: 1, Loading: true},
	})

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.CandidateFailed, snap[1].State())
	assert.Greater(t, p.Append(domain.Style(2)), int64(9))
}

func TestPool_ConcurrentCompletions(t *testing.T) {
	p := New()
	_, ids := p.Reset(3)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			p.Complete(id, "https://img", nil)
		}(id)
	}
	wg.Wait()
	assert.True(t, p.Settled())
}
