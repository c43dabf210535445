package orchestrator

import (
	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/draft"
)

// Mode は生成パイプラインの実行モードです。
type Mode string

const (
	// ModeFull は本文と3枚の画像を生成します。
	ModeFull Mode = "full"
	// ModeTextFirst は本文だけを生成し、画像は再生成コマンドで作ります。
	ModeTextFirst Mode = "text-first"
)

// Valid は既知のモードかどうかを返します。
func (m Mode) Valid() bool {
	return m == ModeFull || m == ModeTextFirst
}

// ImageSource は投稿に添付する画像の出どころです。
type ImageSource string

const (
	SourceGenerated ImageSource = "generated"
	SourceLink      ImageSource = "link"
	SourceNone      ImageSource = "none"
	SourceCustom    ImageSource = "custom"
)

// Valid は既知の画像ソースかどうかを返します。
func (s ImageSource) Valid() bool {
	switch s {
	case SourceGenerated, SourceLink, SourceNone, SourceCustom:
		return true
	}
	return false
}

// State はセッションの状態のスナップショットです。
// Events で通知され、JSON にしてセッション復元にも使います。
type State struct {
	Token             uint64                   `json:"token"`
	Mode              Mode                     `json:"mode"`
	Topic             string                   `json:"topic"`
	Text              string                   `json:"text,omitempty"`
	TextError         string                   `json:"text_error,omitempty"`
	MissingCredential bool                     `json:"missing_credential,omitempty"`
	EditedText        string                   `json:"edited_text,omitempty"`
	Edited            bool                     `json:"edited,omitempty"`
	WhyItWorks        string                   `json:"why_it_works,omitempty"`
	ImagePrompts      [domain.NumStyles]string `json:"image_prompts"`
	Candidates        []domain.ImageCandidate  `json:"candidates,omitempty"`
	SelectedID        int64                    `json:"selected_id,omitempty"`
	Source            ImageSource              `json:"source"`
	PreviewURL        string                   `json:"preview_url,omitempty"`
	Preview           domain.PreviewResult     `json:"preview"`
	PreviewError      string                   `json:"preview_error,omitempty"`
	CustomImageURL    string                   `json:"custom_image_url,omitempty"`
	HistoryID         string                   `json:"history_id,omitempty"`
	Sealed            bool                     `json:"sealed,omitempty"`
	SaveStatus        draft.SaveStatus         `json:"save_status,omitempty"`
	Generating        bool                     `json:"generating,omitempty"`
	PostURL           string                   `json:"post_url,omitempty"`
}

// HasPrompts は画像プロンプトが1つでも記録されているかどうかを返します。
func (s State) HasPrompts() bool {
	for _, p := range s.ImagePrompts {
		if p != "" {
			return true
		}
	}
	return false
}

// Body は投稿対象の本文を返します。
// 一度でも編集されていれば、空になっていても編集後の本文です。
func (s State) Body() string {
	if s.Edited || s.EditedText != "" {
		return s.EditedText
	}
	return s.Text
}

// Candidate は id の候補を返します。
func (s State) Candidate(id int64) (domain.ImageCandidate, bool) {
	for _, c := range s.Candidates {
		if c.ID == id {
			return c, true
		}
	}
	return domain.ImageCandidate{}, false
}

// SelectedImage は投稿に使う候補画像を返します。
// 選択中の候補が成功していればそれ、なければ最初に成功した候補です。
func (s State) SelectedImage() (domain.ImageCandidate, bool) {
	if c, ok := s.Candidate(s.SelectedID); ok && c.State() == domain.CandidateSucceeded {
		return c, true
	}
	for _, c := range s.Candidates {
		if c.State() == domain.CandidateSucceeded {
			return c, true
		}
	}
	return domain.ImageCandidate{}, false
}
