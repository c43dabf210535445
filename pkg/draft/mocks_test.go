package draft

import (
	"context"
	"fmt"
	"sync"

	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/history"
)

// memRepo はメモリ上の Repository なのだ。
// 投稿済みエントリの本文変更は history.Store と同じく拒否するのだ。
type memRepo struct {
	mu        sync.Mutex
	entries   map[string]*domain.HistoryEntry
	seq       int
	updates   int
	updateErr error
}

func newMemRepo() *memRepo {
	return &memRepo{entries: map[string]*domain.HistoryEntry{}}
}

func (r *memRepo) Add(ctx context.Context, userID string, in history.NewEntry) (history.AddResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("e%d", r.seq)
	r.entries[id] = &domain.HistoryEntry{
		ID:           id,
		UserID:       userID,
		Prompt:       in.Prompt,
		ImagePrompt:  in.ImagePrompt,
		EditedText:   in.EditedText,
		ImageURL:     in.ImageURL,
		ImageURLs:    append([]string(nil), in.SourceImageURLs...),
		Status:       in.Status,
		PostedAt:     in.PostedAt,
		ScheduledFor: in.ScheduledFor,
		PostURL:      in.PostURL,
	}
	return history.AddResult{ID: id, DurableURLs: in.SourceImageURLs}, nil
}

func (r *memRepo) Update(ctx context.Context, userID, id string, patch domain.HistoryPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	e, ok := r.entries[id]
	if !ok {
		return domain.NewNotFoundError("update", id)
	}
	if e.Status == domain.StatusPosted && patch.EditedText != nil {
		return domain.NewValidationError("update", "posted entry text is immutable")
	}
	r.updates++
	if patch.EditedText != nil {
		e.EditedText = *patch.EditedText
	}
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.PostedAt != nil {
		e.PostedAt = patch.PostedAt
	}
	if patch.ScheduledFor != nil {
		e.ScheduledFor = patch.ScheduledFor
	}
	if patch.PostURL != nil {
		e.PostURL = *patch.PostURL
	}
	return nil
}

func (r *memRepo) Get(ctx context.Context, userID, id string) (*domain.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, domain.NewNotFoundError("get", id)
	}
	cp := *e
	return &cp, nil
}

func (r *memRepo) get(id string) domain.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.entries[id]
}

func (r *memRepo) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}
