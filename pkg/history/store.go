// Package history は容量制限つきの投稿履歴ストアです。
//
// ピン留めされていないエントリはユーザーごとに Capacity 件まで保持され、
// 溢れた古いエントリは永続画像の掃除（ベストエフォート）の後に削除されます。
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shouni/x-post-kit/pkg/domain"
)

// Capacity はユーザーごとに保持するピン留めなしエントリの上限です。
const Capacity = 15

// Migrator は一時URLの永続化と永続画像の削除を担当します。
type Migrator interface {
	Migrate(ctx context.Context, userID, src string) (string, error)
	DeleteDurable(ctx context.Context, refs []string)
}

// NewEntry は Add に渡す新規エントリです。
type NewEntry struct {
	Prompt      string
	ImagePrompt string
	EditedText  string
	// ImageURL は永続化に1件も成功しなかったときの代表URLです（一時URLでも可）。
	ImageURL string
	// SourceImageURLs は永続化する画像の元URLです（先頭 NumStyles 件まで）。
	SourceImageURLs []string
	Status          domain.Status
	CreatedAt       time.Time
	PostedAt        *time.Time
	ScheduledFor    *time.Time
	Pinned          bool
	PostURL         string
}

// AddResult は Add の結果です。
type AddResult struct {
	ID          string
	DurableURLs []string
}

// Store は SQLite 上の履歴ストアです。
type Store struct {
	db       *sql.DB
	migrator Migrator
	capacity int
	now      func() time.Time
	newID    func() string
}

// Option は Store の設定を変更します。
type Option func(*Store)

// WithCapacity はピン留めなしエントリの上限を変更します。
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithClock は現在時刻の取得を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New は Store を作ります。db は Open 済みである必要があります。
func New(db *sql.DB, migrator Migrator, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if migrator == nil {
		return nil, fmt.Errorf("migrator is required")
	}
	s := &Store{
		db:       db,
		migrator: migrator,
		capacity: Capacity,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Add は画像を永続化してからエントリを挿入し、容量超過分を削除します。
func (s *Store) Add(ctx context.Context, userID string, in NewEntry) (AddResult, error) {
	if userID == "" {
		return AddResult{}, domain.NewValidationError("history add", "user id is required")
	}
	if in.Status == "" {
		in.Status = domain.StatusDraft
	}
	if !in.Status.Valid() {
		return AddResult{}, domain.NewValidationError("history add", fmt.Sprintf("unknown status %q", in.Status))
	}

	stored := compact(s.migrateAll(ctx, userID, in.SourceImageURLs))
	canonical := canonicalURL(stored, append([]string{in.ImageURL}, in.SourceImageURLs...))

	now := s.now()
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	urls, err := json.Marshal(stored)
	if err != nil {
		return AddResult{}, fmt.Errorf("history add: encode image urls: %w", err)
	}

	id := s.newID()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO posts (id, user_id, prompt, image_prompt, edited_text, image_url, image_urls, status,
			created_at, updated_at, posted_at, scheduled_for, pinned, post_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, in.Prompt, nullString(in.ImagePrompt), in.EditedText, nullString(canonical), string(urls),
		string(in.Status), createdAt.UnixNano(), now.UnixNano(), nullTime(in.PostedAt), nullTime(in.ScheduledFor),
		boolInt(in.Pinned), nullString(in.PostURL))
	if err != nil {
		s.migrator.DeleteDurable(ctx, stored)
		return AddResult{}, fmt.Errorf("history add: insert: %w", err)
	}

	if err := s.evict(ctx, userID); err != nil {
		slog.WarnContext(ctx, "履歴の容量整理に失敗しました", "user", userID, "error", err)
	}
	return AddResult{ID: id, DurableURLs: stored}, nil
}

// AttachImages は sources を永続化してエントリの画像を置き換えます。
// 戻り値は sources と同じ並びの永続参照で、失敗した位置は空文字です。
// 既にこのエントリが持っている参照はそのまま使い、置き換えで参照されなくなった画像は削除します。
func (s *Store) AttachImages(ctx context.Context, userID, id string, sources []string) ([]string, error) {
	prev, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if len(sources) > domain.NumStyles {
		sources = sources[:domain.NumStyles]
	}

	owned := make(map[string]bool, len(prev.ImageURLs))
	for _, u := range prev.ImageURLs {
		owned[u] = true
	}
	pending := make([]string, len(sources))
	for i, src := range sources {
		if !owned[src] {
			pending[i] = src
		}
	}
	migrated := s.migrateAll(ctx, userID, pending)

	durable := make([]string, len(sources))
	var fresh []string
	for i, src := range sources {
		switch {
		case owned[src]:
			durable[i] = src
		case migrated[i] != "":
			durable[i] = migrated[i]
			fresh = append(fresh, migrated[i])
		}
	}
	stored := compact(durable)
	canonical := canonicalURL(stored, sources)

	err = s.Update(ctx, userID, id, domain.HistoryPatch{ImageURL: &canonical, ImageURLs: &stored})
	if err != nil {
		s.migrator.DeleteDurable(ctx, fresh)
		return nil, err
	}
	s.migrator.DeleteDurable(ctx, difference(prev.ImageURLs, stored))
	return durable, nil
}

// Update は patch で指定されたフィールドだけを更新します。
// 投稿済みエントリの本文は変更できません。
func (s *Store) Update(ctx context.Context, userID, id string, patch domain.HistoryPatch) error {
	if patch.Empty() {
		return nil
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return domain.NewValidationError("history update", fmt.Sprintf("unknown status %q", *patch.Status))
	}

	sets := []string{"updated_at = ?"}
	args := []any{s.now().UnixNano()}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Prompt != nil {
		add("prompt", *patch.Prompt)
	}
	if patch.ImagePrompt != nil {
		add("image_prompt", nullString(*patch.ImagePrompt))
	}
	if patch.EditedText != nil {
		add("edited_text", *patch.EditedText)
	}
	if patch.ImageURL != nil {
		add("image_url", nullString(*patch.ImageURL))
	}
	if patch.ImageURLs != nil {
		urls, err := json.Marshal(nonNil(*patch.ImageURLs))
		if err != nil {
			return fmt.Errorf("history update: encode image urls: %w", err)
		}
		add("image_urls", string(urls))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.PostedAt != nil {
		add("posted_at", patch.PostedAt.UnixNano())
	}
	if patch.ScheduledFor != nil {
		add("scheduled_for", patch.ScheduledFor.UnixNano())
	}
	if patch.Pinned != nil {
		add("pinned", boolInt(*patch.Pinned))
	}
	if patch.PostURL != nil {
		add("post_url", nullString(*patch.PostURL))
	}

	where := `id = ? AND user_id = ?`
	args = append(args, id, userID)
	if patch.EditedText != nil {
		// 投稿済みかどうかの判定と更新を1文で行う
		where += ` AND status != ?`
		args = append(args, string(domain.StatusPosted))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("history update: exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("history update: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM posts WHERE id = ? AND user_id = ?`, id, userID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.NewNotFoundError("history update", id)
	case err != nil:
		return fmt.Errorf("history update: read status: %w", err)
	case patch.EditedText != nil && domain.Status(status) == domain.StatusPosted:
		return domain.NewValidationError("history update", "posted entry text is immutable")
	}
	return domain.NewNotFoundError("history update", id)
}

// Delete は永続画像の掃除を試みてからエントリを削除します。
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	entry, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	s.migrator.DeleteDurable(ctx, entry.ImageURLs)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("history delete: exec: %w", err)
	}
	return nil
}

// TogglePin はピン留めを反転し、反転後の値を返します。
func (s *Store) TogglePin(ctx context.Context, userID, id string) (bool, error) {
	entry, err := s.Get(ctx, userID, id)
	if err != nil {
		return false, err
	}
	pinned := !entry.Pinned
	if err := s.Update(ctx, userID, id, domain.HistoryPatch{Pinned: &pinned}); err != nil {
		return false, err
	}
	return pinned, nil
}

// Get は1件のエントリを返します。
func (s *Store) Get(ctx context.Context, userID, id string) (*domain.HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM posts WHERE id = ? AND user_id = ?`, id, userID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("history get", id)
	}
	if err != nil {
		return nil, fmt.Errorf("history get: %w", err)
	}
	return entry, nil
}

// List は作成日時の新しい順にエントリを返します。limit が 0 以下なら全件です。
func (s *Store) List(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM posts WHERE user_id = ? ORDER BY created_at DESC, seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history list: query: %w", err)
	}
	defer rows.Close()

	var out []domain.HistoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("history list: scan: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// evict はピン留めなしエントリのうち新しい順で capacity 件目より後ろを削除します。
// 画像の掃除に失敗しても行の削除は続行します。
func (s *Store) evict(ctx context.Context, userID string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, image_urls FROM posts
		WHERE user_id = ? AND pinned = 0
		ORDER BY created_at DESC, seq DESC`, userID)
	if err != nil {
		return fmt.Errorf("evict: query: %w", err)
	}
	type victim struct {
		id   string
		urls []string
	}
	var victims []victim
	n := 0
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("evict: scan: %w", err)
		}
		n++
		if n <= s.capacity {
			continue
		}
		victims = append(victims, victim{id: id, urls: decodeURLs(raw)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("evict: rows: %w", err)
	}
	rows.Close()

	var errs []error
	for _, v := range victims {
		s.migrator.DeleteDurable(ctx, v.urls)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ? AND user_id = ?`, v.id, userID); err != nil {
			errs = append(errs, fmt.Errorf("evict: delete %s: %w", v.id, err))
			continue
		}
		slog.InfoContext(ctx, "容量超過のため履歴を削除しました", "user", userID, "id", v.id, "images", len(v.urls))
	}
	return errors.Join(errs...)
}

// migrateAll は sources を並列に永続化します。戻り値は sources と同じ並びです。
func (s *Store) migrateAll(ctx context.Context, userID string, sources []string) []string {
	if len(sources) > domain.NumStyles {
		sources = sources[:domain.NumStyles]
	}
	out := make([]string, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		if src == "" {
			continue
		}
		g.Go(func() error {
			ref, err := s.migrator.Migrate(ctx, userID, src)
			if err != nil {
				slog.WarnContext(ctx, "画像の永続化に失敗しました。元のURLのまま続行します", "user", userID, "index", i, "error", err)
				return nil
			}
			out[i] = ref
			return nil
		})
	}
	_ = g.Wait()
	return out
}

const entryColumns = `id, user_id, prompt, image_prompt, edited_text, image_url, image_urls, status,
	created_at, updated_at, posted_at, scheduled_for, pinned, post_url`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*domain.HistoryEntry, error) {
	var (
		e                      domain.HistoryEntry
		imagePrompt, imageURL  sql.NullString
		postURL                sql.NullString
		rawURLs, status        string
		createdAt, updatedAt   int64
		postedAt, scheduledFor sql.NullInt64
		pinned                 int
	)
	err := sc.Scan(&e.ID, &e.UserID, &e.Prompt, &imagePrompt, &e.EditedText, &imageURL, &rawURLs, &status,
		&createdAt, &updatedAt, &postedAt, &scheduledFor, &pinned, &postURL)
	if err != nil {
		return nil, err
	}
	e.ImagePrompt = imagePrompt.String
	e.ImageURL = imageURL.String
	e.ImageURLs = decodeURLs(rawURLs)
	e.Status = domain.Status(status)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if postedAt.Valid {
		t := time.Unix(0, postedAt.Int64).UTC()
		e.PostedAt = &t
	}
	if scheduledFor.Valid {
		t := time.Unix(0, scheduledFor.Int64).UTC()
		e.ScheduledFor = &t
	}
	e.Pinned = pinned != 0
	e.PostURL = postURL.String
	return &e, nil
}

func decodeURLs(raw string) []string {
	var urls []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &urls); err != nil {
		slog.Warn("image_urls の解析に失敗しました", "error", err)
		return nil
	}
	if len(urls) == 0 {
		return nil
	}
	return urls
}

// canonicalURL は代表画像URLを決めます。永続参照があれば先頭、なければ候補の最初の非空URLです。
func canonicalURL(stored, fallbacks []string) string {
	if len(stored) > 0 {
		return stored[0]
	}
	for _, u := range fallbacks {
		if u != "" {
			return u
		}
	}
	return ""
}

func compact(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

func difference(a, b []string) []string {
	keep := make(map[string]bool, len(b))
	for _, u := range b {
		keep[u] = true
	}
	var out []string
	for _, u := range a {
		if !keep[u] {
			out = append(out, u)
		}
	}
	return out
}

func nonNil(urls []string) []string {
	if urls == nil {
		return []string{}
	}
	return urls
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
