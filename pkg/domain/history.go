package domain

import "time"

// Status は履歴エントリの公開状態です。
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPosted    Status = "posted"
	StatusScheduled Status = "scheduled"
)

// Valid は既知のステータスかどうかを返します。
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPosted, StatusScheduled:
		return true
	}
	return false
}

// HistoryEntry は永続化された1件の投稿履歴です。
// Status が posted になったエントリの本文は二度と書き換えません。
type HistoryEntry struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Prompt       string     `json:"prompt"`
	ImagePrompt  string     `json:"image_prompt,omitempty"`
	EditedText   string     `json:"edited_text"`
	ImageURL     string     `json:"image_url,omitempty"` // 空文字は null 扱い
	ImageURLs    []string   `json:"image_urls,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Pinned       bool       `json:"pinned"`
	PostURL      string     `json:"post_url,omitempty"`
}

// HistoryPatch は Update に渡す部分更新です。nil のフィールドは変更しません。
type HistoryPatch struct {
	Prompt       *string
	ImagePrompt  *string
	EditedText   *string
	ImageURL     *string
	ImageURLs    *[]string
	Status       *Status
	PostedAt     *time.Time
	ScheduledFor *time.Time
	Pinned       *bool
	PostURL      *string
}

// Empty は変更対象のフィールドが1つもないかどうかを返します。
func (p HistoryPatch) Empty() bool {
	return p.Prompt == nil && p.ImagePrompt == nil && p.EditedText == nil &&
		p.ImageURL == nil && p.ImageURLs == nil && p.Status == nil &&
		p.PostedAt == nil && p.ScheduledFor == nil && p.Pinned == nil && p.PostURL == nil
}

// NoveltyItem は新規性指示に含める過去の切り口1件分です。
type NoveltyItem struct {
	Prompt string `json:"prompt"`
	Hook   string `json:"hook,omitempty"`
}

// ExclusionList はテキスト生成に渡す助言的な除外コンテキストです。
type ExclusionList []NoveltyItem

// Ptr は値のポインタを返します。
func Ptr[T any](v T) *T {
	return &v
}
