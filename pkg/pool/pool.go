// Package pool は1回の生成に属する候補画像の集合を管理します。
//
// すべての非同期完了は世代トークンと候補IDで照合され、
// 古い世代の結果は表示中の状態に一切反映されません。
package pool

import (
	"sync"

	"github.com/shouni/x-post-kit/pkg/domain"
)

// Pool は世代トークンで保護された候補画像プールです。
type Pool struct {
	mu      sync.Mutex
	token   uint64
	nextID  int64
	entries []domain.ImageCandidate
}

// New は空のプールを返します。
func New() *Pool {
	return &Pool{}
}

// Reset はプールを空にして世代を進め、n 件のローディング候補をスタイル 0..n-1 で作ります。
func (p *Pool) Reset(n int) (uint64, []int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.token++
	p.entries = make([]domain.ImageCandidate, 0, n)
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		c := p.newLoadingLocked(domain.Style(i % domain.NumStyles))
		p.entries = append(p.entries, c)
		ids = append(ids, c.ID)
	}
	return p.token, ids
}

// Clear はプールを空にして世代を進めます。
func (p *Pool) Clear() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.token++
	p.entries = nil
	return p.token
}

// Append は既存の候補に触れずに、指定スタイルのローディング候補を1件追加します。
func (p *Pool) Append(style domain.Style) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.newLoadingLocked(style)
	p.entries = append(p.entries, c)
	return c.ID
}

// Complete は id の候補に結果を反映します。
// 現世代で作られ、まだローディング中の候補にだけ適用され、それ以外は黙って捨てます。
func (p *Pool) Complete(id int64, url string, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexLocked(id)
	if i < 0 {
		return false
	}
	c := &p.entries[i]
	if c.Token != p.token || !c.Loading {
		return false
	}
	c.Loading = false
	if err != nil {
		c.Err = err.Error()
		c.URL = ""
		return true
	}
	c.URL = url
	return true
}

// PatchURL は永続化後の参照で URL だけを差し替えます。loading / error には触れません。
func (p *Pool) PatchURL(id int64, url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexLocked(id)
	if i < 0 || url == "" {
		return false
	}
	c := &p.entries[i]
	if c.Loading || c.Err != "" {
		return false
	}
	c.URL = url
	return true
}

// Restore は保存済みスナップショットから候補を復元し、世代を進めます。
// ローディング中のまま保存された候補は完了しないため失敗扱いにします。
func (p *Pool) Restore(cands []domain.ImageCandidate) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.token++
	p.entries = make([]domain.ImageCandidate, 0, len(cands))
	for _, c := range cands {
		if c.ID > p.nextID {
			p.nextID = c.ID
		}
		c.Token = p.token
		if c.Loading {
			c.Loading = false
			c.Err = "interrupted"
		}
		p.entries = append(p.entries, c)
	}
	return p.token
}

// Token は現在の世代トークンを返します。
func (p *Pool) Token() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// Get は id の候補のコピーを返します。
func (p *Pool) Get(id int64) (domain.ImageCandidate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexLocked(id)
	if i < 0 {
		return domain.ImageCandidate{}, false
	}
	return p.entries[i], true
}

// Snapshot は現在の候補を作成順にコピーして返します。
func (p *Pool) Snapshot() []domain.ImageCandidate {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.ImageCandidate, len(p.entries))
	copy(out, p.entries)
	return out
}

// Settled は全候補が終端状態かどうかを返します。
func (p *Pool) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.entries {
		if c.Loading {
			return false
		}
	}
	return true
}

func (p *Pool) newLoadingLocked(style domain.Style) domain.ImageCandidate {
	p.nextID++
	return domain.ImageCandidate{
		ID:      p.nextID,
		Style:   style,
		Loading: true,
		Token:   p.token,
	}
}

func (p *Pool) indexLocked(id int64) int {
	for i := range p.entries {
		if p.entries[i].ID == id {
			return i
		}
	}
	return -1
}
