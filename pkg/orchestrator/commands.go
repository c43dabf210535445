package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/history"
	"github.com/shouni/x-post-kit/pkg/linkpreview"
)

// Edit は本文の編集を受け取り、下書きの自動保存とリンクプレビューに流します。
// 公開済みの下書きを編集した場合は新しい下書きに分岐します。
func (s *Session) Edit(ctx context.Context, text string) error {
	s.mu.Lock()
	s.st.EditedText = text
	s.st.Edited = true
	s.mu.Unlock()

	err := s.drafts.Edit(ctx, text)
	if err != nil {
		slog.WarnContext(ctx, "下書きの分岐に失敗しました", "user", s.userID, "error", err)
	}
	s.links.OnTextChange(ctx, text)
	s.emit()
	s.saveSnapshot(ctx)
	return err
}

// Select は投稿に使う候補画像を選びます。
func (s *Session) Select(ctx context.Context, id int64) error {
	c, ok := s.pool.Get(id)
	if !ok {
		return domain.NewNotFoundError("select", fmt.Sprintf("candidate %d", id))
	}
	if c.State() != domain.CandidateSucceeded {
		return domain.NewValidationError("select", fmt.Sprintf("candidate %d is %s", id, c.State()))
	}
	s.mu.Lock()
	s.st.SelectedID = id
	s.st.Source = SourceGenerated
	s.mu.Unlock()

	s.emit()
	s.saveSnapshot(ctx)
	return nil
}

// SelectSource は画像の出どころ（生成画像・リンクプレビュー・なし）を選びます。
func (s *Session) SelectSource(ctx context.Context, src ImageSource) error {
	if !src.Valid() {
		return domain.NewValidationError("select source", fmt.Sprintf("unknown source %q", src))
	}
	s.mu.Lock()
	if src == SourceLink && s.st.Preview.ImageURL == "" {
		s.mu.Unlock()
		return domain.NewValidationError("select source", "no link preview image")
	}
	if src == SourceCustom && s.st.CustomImageURL == "" {
		s.mu.Unlock()
		return domain.NewValidationError("select source", "no uploaded image")
	}
	s.st.Source = src
	s.mu.Unlock()

	s.emit()
	s.saveSnapshot(ctx)
	return nil
}

// ApproveAndPost は選択中の画像と本文を公開し、現在の下書きを投稿済みにします。
func (s *Session) ApproveAndPost(ctx context.Context) (string, error) {
	st := s.State()
	text := st.Body()
	if strings.TrimSpace(text) == "" {
		return "", domain.NewValidationError("post", "text is empty")
	}

	var imageRef string
	switch st.Source {
	case SourceGenerated:
		if c, ok := st.SelectedImage(); ok {
			imageRef = c.URL
		}
	case SourceLink:
		imageRef = st.Preview.ImageURL
		if st.PreviewURL != "" && !strings.Contains(text, st.PreviewURL) {
			text = strings.TrimRight(text, "\n") + "\n" + st.PreviewURL
		}
	case SourceCustom:
		imageRef = st.CustomImageURL
	}
	if n := utf8.RuneCountInString(text); n > s.charLimit {
		return "", domain.NewValidationError("post", fmt.Sprintf("text is %d characters; limit is %d", n, s.charLimit))
	}

	postURL, err := s.publisher.Publish(ctx, text, imageRef)
	if err != nil {
		if domain.IsCredential(err) {
			s.mu.Lock()
			s.st.MissingCredential = true
			s.mu.Unlock()
			s.emit()
		}
		return "", err
	}

	if _, err := s.drafts.Publish(ctx, text, postURL, s.now().UTC(), s.fallbackEntry(st)); err != nil {
		slog.WarnContext(ctx, "投稿済みとして記録できませんでした", "user", s.userID, "post_url", postURL, "error", err)
	}

	s.mu.Lock()
	s.st.EditedText = text
	s.st.PostURL = postURL
	s.mu.Unlock()

	slog.InfoContext(ctx, "投稿しました", "user", s.userID, "post_url", postURL)
	s.emit()
	s.saveSnapshot(ctx)
	return postURL, nil
}

// Schedule は現在の下書きを when に予約します。公開はしません。
func (s *Session) Schedule(ctx context.Context, when time.Time) error {
	if !when.After(s.now()) {
		return domain.NewValidationError("schedule", "scheduled time must be in the future")
	}
	st := s.State()
	text := st.Body()
	if strings.TrimSpace(text) == "" {
		return domain.NewValidationError("schedule", "text is empty")
	}
	if n := utf8.RuneCountInString(text); n > s.charLimit {
		return domain.NewValidationError("schedule", fmt.Sprintf("text is %d characters; limit is %d", n, s.charLimit))
	}

	if _, err := s.drafts.Schedule(ctx, text, when.UTC(), s.fallbackEntry(st)); err != nil {
		return err
	}
	slog.InfoContext(ctx, "投稿を予約しました", "user", s.userID, "at", when)
	s.emit()
	s.saveSnapshot(ctx)
	return nil
}

// Discard はセッションの状態をすべて捨て、保存済みのセッション状態も消します。
// 処理中の生成は中断しませんが、その結果は捨てられます。
func (s *Session) Discard(ctx context.Context) error {
	custom := s.nextGeneration(State{Source: SourceGenerated})
	s.pool.Clear()
	s.dropUpload(ctx, custom)

	s.emit()
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.history.ClearSnapshot(ctx, s.userID)
}

// Restore は保存済みのセッション状態を読み込みます。保存がなければ false を返します。
// 保存時に生成中だった候補は中断扱いになります。
func (s *Session) Restore(ctx context.Context) (bool, error) {
	payload, err := s.history.LoadSnapshot(ctx, s.userID)
	if err != nil {
		return false, err
	}
	if payload == nil {
		return false, nil
	}
	var saved State
	if err := json.Unmarshal(payload, &saved); err != nil {
		return false, fmt.Errorf("restore: decode snapshot: %w", err)
	}
	saved.Generating = false
	if !saved.Source.Valid() {
		saved.Source = SourceGenerated
	}
	if !saved.Mode.Valid() && saved.Mode != "" {
		saved.Mode = ModeFull
	}

	s.pipeMu.Lock()
	s.mu.Lock()
	s.submitSeq++
	s.st = saved
	s.mu.Unlock()
	s.drafts.Attach(saved.HistoryID, saved.Sealed)
	s.links.Restore(saved.PreviewURL)
	s.pipeMu.Unlock()
	s.pool.Restore(saved.Candidates)

	s.emit()
	return true, nil
}

// UseAgain は履歴エントリの内容で新しいセッションを始めます。
// 本文・プロンプト・画像を引き継ぎますが、元のエントリは変更せず、投稿時に新しいエントリになります。
func (s *Session) UseAgain(ctx context.Context, entryID string) error {
	entry, err := s.history.Get(ctx, s.userID, entryID)
	if err != nil {
		return err
	}
	urls := entry.ImageURLs
	if len(urls) == 0 && entry.ImageURL != "" {
		urls = []string{entry.ImageURL}
	}
	if len(urls) > domain.NumStyles {
		urls = urls[:domain.NumStyles]
	}
	cands := make([]domain.ImageCandidate, 0, len(urls))
	for i, u := range urls {
		cands = append(cands, domain.ImageCandidate{ID: int64(i + 1), URL: u, Style: domain.Style(i)})
	}

	next := State{
		Mode:       ModeFull,
		Topic:      entry.Prompt,
		Text:       entry.EditedText,
		EditedText: entry.EditedText,
		Source:     SourceGenerated,
	}
	next.ImagePrompts[0] = entry.ImagePrompt
	if len(cands) == 0 {
		next.Source = SourceNone
	}

	s.drafts.Flush()
	custom := s.nextGeneration(next)
	s.pool.Restore(cands)
	s.dropUpload(ctx, custom)
	s.links.OnTextChange(ctx, entry.EditedText)

	slog.InfoContext(ctx, "履歴から新しいセッションを始めます", "user", s.userID, "from", entryID, "images", len(cands))
	s.emit()
	s.saveSnapshot(ctx)
	return nil
}

// PostNow は予約済みの履歴エントリをすぐに公開し、投稿済みとして記録します。
func (s *Session) PostNow(ctx context.Context, entryID string) (string, error) {
	entry, err := s.history.Get(ctx, s.userID, entryID)
	if err != nil {
		return "", err
	}
	if entry.Status != domain.StatusScheduled {
		return "", domain.NewValidationError("post now", fmt.Sprintf("entry is %s, not scheduled", entry.Status))
	}
	text := entry.EditedText
	if strings.TrimSpace(text) == "" {
		return "", domain.NewValidationError("post now", "text is empty")
	}
	if n := utf8.RuneCountInString(text); n > s.charLimit {
		return "", domain.NewValidationError("post now", fmt.Sprintf("text is %d characters; limit is %d", n, s.charLimit))
	}

	postURL, err := s.publisher.Publish(ctx, text, entry.ImageURL)
	if err != nil {
		return "", err
	}
	at := s.now().UTC()
	err = s.history.Update(ctx, s.userID, entryID, domain.HistoryPatch{
		Status:   domain.Ptr(domain.StatusPosted),
		PostedAt: &at,
		PostURL:  &postURL,
	})
	if err != nil {
		slog.WarnContext(ctx, "投稿済みとして記録できませんでした", "user", s.userID, "id", entryID, "post_url", postURL, "error", err)
	}
	slog.InfoContext(ctx, "予約投稿をすぐに公開しました", "user", s.userID, "id", entryID, "post_url", postURL)
	return postURL, nil
}

// UploadImage は data:image/ の画像を永続化し、投稿画像として選びます。
// 前にアップロードした画像は削除されます。
func (s *Session) UploadImage(ctx context.Context, dataURL string) (string, error) {
	if !strings.HasPrefix(dataURL, "data:image/") {
		return "", domain.NewValidationError("upload", "invalid image format")
	}
	if s.uploads == nil {
		return "", domain.NewValidationError("upload", "image upload is not configured")
	}
	ref, err := s.uploads.Migrate(ctx, s.userID, dataURL)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	prev := s.st.CustomImageURL
	s.st.CustomImageURL = ref
	s.st.Source = SourceCustom
	s.mu.Unlock()
	s.dropUpload(ctx, prev)

	s.emit()
	s.saveSnapshot(ctx)
	return ref, nil
}

// nextGeneration は本文生成の世代を進めて状態を next に置き換え、下書きとリンク監視を外します。
// 置き換え前のアップロード画像の参照を返します。
func (s *Session) nextGeneration(next State) string {
	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()

	s.mu.Lock()
	custom := s.st.CustomImageURL
	s.submitSeq++
	s.st = next
	s.mu.Unlock()

	s.drafts.Reset()
	s.links.Reset()
	return custom
}

// dropUpload はセッションだけが持っていたアップロード画像を削除します。
func (s *Session) dropUpload(ctx context.Context, ref string) {
	if ref == "" || s.uploads == nil {
		return
	}
	s.uploads.DeleteDurable(ctx, []string{ref})
}

// onPreview はリンクプレビューの解決結果を状態に反映します。
func (s *Session) onPreview(u linkpreview.Update) {
	s.mu.Lock()
	switch {
	case u.URL == "":
		s.st.PreviewURL = ""
		s.st.Preview = domain.PreviewResult{}
		s.st.PreviewError = ""
		s.fallbackFromLinkLocked()
	case u.Pending:
		s.st.PreviewURL = u.URL
		s.st.Preview = domain.PreviewResult{}
		s.st.PreviewError = ""
		s.fallbackFromLinkLocked()
	case u.Err != nil:
		s.st.PreviewError = u.Err.Error()
	default:
		s.st.Preview = u.Preview
		if u.Preview.ImageURL != "" {
			s.st.Source = SourceLink
		}
	}
	s.mu.Unlock()

	s.emit()
	if !u.Pending {
		s.saveSnapshot(s.ctx)
	}
}

// fallbackFromLinkLocked はリンク画像が選ばれていたら生成画像（なければ画像なし）に戻します。
func (s *Session) fallbackFromLinkLocked() {
	if s.st.Source != SourceLink {
		return
	}
	s.st.Source = SourceNone
	for _, c := range s.pool.Snapshot() {
		if c.State() == domain.CandidateSucceeded {
			s.st.Source = SourceGenerated
			return
		}
	}
}

// fallbackEntry は現在の下書きがない場合に新規作成する履歴エントリです。
func (s *Session) fallbackEntry(st State) history.NewEntry {
	in := history.NewEntry{Prompt: st.Topic, ImagePrompt: st.ImagePrompts[0]}
	switch st.Source {
	case SourceLink:
		in.ImageURL = st.Preview.ImageURL
		return in
	case SourceCustom:
		in.SourceImageURLs = []string{st.CustomImageURL}
		return in
	}
	for _, c := range st.Candidates {
		if c.State() == domain.CandidateSucceeded && len(in.SourceImageURLs) < domain.NumStyles {
			in.SourceImageURLs = append(in.SourceImageURLs, c.URL)
		}
	}
	return in
}
