// Package orchestrator はトピックから投稿本文と候補画像を生成し、
// レビュー・投稿・予約までの1セッション分の状態を管理します。
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/draft"
	"github.com/shouni/x-post-kit/pkg/history"
	"github.com/shouni/x-post-kit/pkg/linkpreview"
	"github.com/shouni/x-post-kit/pkg/novelty"
	"github.com/shouni/x-post-kit/pkg/pool"
)

const (
	// MaxTopicChars はトピックの最大文字数です。
	MaxTopicChars = 10000
	// DefaultCharLimit は通常アカウントの投稿文字数上限です。
	DefaultCharLimit = 280
	// PremiumCharLimit はプレミアムアカウントの投稿文字数上限です。
	PremiumCharLimit = 25000
)

// errTextFailed は本文生成の失敗でプレースホルダを終端させるときのエラーです。
var errTextFailed = errors.New("text generation failed")

// Deps は Session が使う外部能力です。
type Deps struct {
	Text      TextGenerator
	Images    ImageGenerator
	Preview   LinkPreviewer
	Publisher Publisher
	History   HistoryRepository
	// Uploads は任意です。nil なら画像アップロードは使えません。
	Uploads ImageUploader
}

// Session は1ユーザー分の生成セッションです。
//
// コマンドは呼び出し元のゴルーチンで同期的に状態を変え、プロバイダ呼び出しは
// バックグラウンドで行います。古い世代の結果はトークンで判定して捨てます。
type Session struct {
	userID    string
	text      TextGenerator
	images    ImageGenerator
	publisher Publisher
	history   HistoryRepository
	uploads   ImageUploader

	pool   *pool.Pool
	drafts *draft.Engine
	links  *linkpreview.Resolver

	novelty       bool
	charLimit     int
	autosaveDelay time.Duration
	previewDelay  time.Duration
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// pipeMu は世代の切り替え（submitSeq の更新と下書き・リンクのリセット）と、
	// 本文生成結果の下書きへの反映を直列化します。ロック順は pipeMu → mu です。
	pipeMu sync.Mutex

	mu sync.Mutex
	st State
	// submitSeq は本文生成の世代です。画像の世代（プールのトークン）とは独立に進みます。
	submitSeq uint64

	evMu     sync.Mutex
	events   chan State
	snapMu   sync.Mutex
	attachMu sync.Mutex
}

// Option は Session の設定を変更します。
type Option func(*Session)

// WithNovelty は本文生成に新規性の指示を付けるかどうかを切り替えます。
func WithNovelty(enabled bool) Option {
	return func(s *Session) { s.novelty = enabled }
}

// WithCharLimit は投稿文字数の上限を変更します。
func WithCharLimit(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.charLimit = n
		}
	}
}

// WithAutosaveDelay は下書き自動保存のデバウンス間隔を変更します。
func WithAutosaveDelay(d time.Duration) Option {
	return func(s *Session) { s.autosaveDelay = d }
}

// WithPreviewDelay はリンクプレビューのデバウンス間隔を変更します。
func WithPreviewDelay(d time.Duration) Option {
	return func(s *Session) { s.previewDelay = d }
}

// WithClock は現在時刻の取得を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New は依存関係を注入して Session を作成します。
func New(userID string, deps Deps, opts ...Option) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if deps.Text == nil || deps.Images == nil {
		return nil, fmt.Errorf("text and image generators are required")
	}
	if deps.Preview == nil {
		return nil, fmt.Errorf("link previewer is required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if deps.History == nil {
		return nil, fmt.Errorf("history repository is required")
	}

	s := &Session{
		userID:        userID,
		text:          deps.Text,
		images:        deps.Images,
		publisher:     deps.Publisher,
		history:       deps.History,
		uploads:       deps.Uploads,
		pool:          pool.New(),
		charLimit:     DefaultCharLimit,
		autosaveDelay: draft.DefaultDelay,
		previewDelay:  linkpreview.DefaultDelay,
		now:           time.Now,
		events:        make(chan State, 1),
		st:            State{Source: SourceGenerated},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	s.drafts, err = draft.New(deps.History, userID,
		draft.WithDelay(s.autosaveDelay),
		draft.WithStatusObserver(func(draft.SaveStatus) { s.emit() }),
	)
	if err != nil {
		return nil, err
	}
	s.links, err = linkpreview.NewResolver(deps.Preview, s.onPreview, linkpreview.WithDelay(s.previewDelay))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Events は状態変化の通知チャネルを返します。
// 容量1で、読み出しが追いつかない場合は中間の状態を捨てて最新だけを残します。
func (s *Session) Events() <-chan State {
	return s.events
}

// State は現在の状態を返します。
func (s *Session) State() State {
	s.mu.Lock()
	st := s.st
	s.mu.Unlock()

	st.Token = s.pool.Token()
	st.Candidates = s.pool.Snapshot()
	st.HistoryID = s.drafts.CurrentID()
	st.Sealed = s.drafts.Sealed()
	st.SaveStatus = s.drafts.Status()
	return st
}

// Submit は topic の生成パイプラインを開始し、新しい世代のトークンを返します。
// 入力の検証だけを同期的に行い、生成結果は Events と State で受け取ります。
func (s *Session) Submit(ctx context.Context, topic string, mode Mode) (uint64, error) {
	if mode == "" {
		mode = ModeFull
	}
	if !mode.Valid() {
		return 0, domain.NewValidationError("submit", fmt.Sprintf("unknown mode %q", mode))
	}
	if strings.TrimSpace(topic) == "" {
		return 0, domain.NewValidationError("submit", "topic is required")
	}
	if utf8.RuneCountInString(topic) > MaxTopicChars {
		return 0, domain.NewValidationError("submit", fmt.Sprintf("topic exceeds %d characters", MaxTopicChars))
	}

	// 前回の下書きは新規性の判断材料にするので、保留中の保存を先に書き出しておく
	s.drafts.Flush()

	s.pipeMu.Lock()
	s.mu.Lock()
	var current *novelty.Draft
	if s.novelty {
		current = &novelty.Draft{EntryID: s.drafts.CurrentID(), Prompt: s.st.Topic, Text: s.st.Body()}
	}
	custom := s.st.CustomImageURL
	s.submitSeq++
	seq := s.submitSeq
	s.st = State{
		Mode:       mode,
		Topic:      topic,
		Source:     SourceGenerated,
		Generating: true,
	}
	s.mu.Unlock()
	s.drafts.Reset()
	s.links.Reset()
	s.pipeMu.Unlock()

	var token uint64
	var ids []int64
	if mode == ModeFull {
		token, ids = s.pool.Reset(domain.NumStyles)
	} else {
		token = s.pool.Clear()
	}
	s.dropUpload(ctx, custom)

	slog.InfoContext(ctx, "生成を開始します", "user", s.userID, "mode", mode, "token", token)
	s.emit()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPipeline(s.ctx, seq, token, ids, topic, mode, current)
	}()
	return token, nil
}

// RegenerateAll は候補プールを作り直し、画像だけを再生成します。
// prompts が nil なら、編集済み本文（生成本文から変わっていれば）、前回のプロンプト、トピックの順に使います。
func (s *Session) RegenerateAll(ctx context.Context, prompts *[domain.NumStyles]string) (uint64, error) {
	s.mu.Lock()
	var use [domain.NumStyles]string
	switch {
	case prompts != nil:
		use = *prompts
		for i := range use {
			if strings.TrimSpace(use[i]) == "" {
				use[i] = s.fallbackPromptLocked(domain.Style(i))
			}
		}
	case s.st.EditedText != "" && s.st.EditedText != s.st.Text:
		for i := range use {
			use[i] = s.st.EditedText
		}
	default:
		for i := range use {
			use[i] = s.fallbackPromptLocked(domain.Style(i))
		}
	}
	for _, p := range use {
		if strings.TrimSpace(p) == "" {
			s.mu.Unlock()
			return 0, domain.NewValidationError("regenerate", "no prompt available; submit a topic first")
		}
	}
	s.st.SelectedID = 0
	s.st.Generating = true
	s.mu.Unlock()

	token, ids := s.pool.Reset(domain.NumStyles)
	slog.InfoContext(ctx, "画像を再生成します", "user", s.userID, "token", token)
	s.emit()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fanOut(s.ctx, token, ids, use)
		s.finishGenerating(token)
		s.attachImages(s.ctx)
	}()
	return token, nil
}

// RegenerateOne はプールをリセットせずに style の候補を1つ追加して生成します。
func (s *Session) RegenerateOne(ctx context.Context, style domain.Style) (int64, error) {
	if !style.Valid() {
		return 0, domain.NewValidationError("regenerate", fmt.Sprintf("unknown style %d", style))
	}
	s.mu.Lock()
	prompt := s.fallbackPromptLocked(style)
	s.mu.Unlock()
	if strings.TrimSpace(prompt) == "" {
		return 0, domain.NewValidationError("regenerate", "no prompt available; submit a topic first")
	}

	id := s.pool.Append(style)
	s.emit()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		url, err := s.images.GenerateImage(s.ctx, prompt, style)
		if !s.pool.Complete(id, url, err) {
			slog.DebugContext(s.ctx, "古い候補の結果を破棄しました", "id", id)
			return
		}
		s.emit()
		if err == nil {
			s.attachImages(s.ctx)
		} else {
			s.saveSnapshot(s.ctx)
		}
	}()
	return id, nil
}

// Wait はバックグラウンドの生成・永続化が終わるまで待ち、保留中のデバウンス処理を実行します。
func (s *Session) Wait() {
	s.wg.Wait()
	s.links.Flush()
	s.drafts.Flush()
	s.wg.Wait()
}

// Close はバックグラウンド処理を待ってから Session を閉じます。
func (s *Session) Close() {
	s.Wait()
	s.links.Reset()
	s.cancel()
}

func (s *Session) runPipeline(ctx context.Context, seq, token uint64, ids []int64, topic string, mode Mode, current *novelty.Draft) {
	var exclusion domain.ExclusionList
	if current != nil {
		recent, err := s.history.List(ctx, s.userID, novelty.MaxHistory+1)
		if err != nil {
			slog.WarnContext(ctx, "履歴を読めないため新規性の指示は下書きのみで作ります", "error", err)
		}
		exclusion = novelty.Build(current, recent)
	}

	res, err := s.text.GenerateText(ctx, topic, exclusion)

	s.pipeMu.Lock()
	s.mu.Lock()
	if seq != s.submitSeq {
		s.mu.Unlock()
		s.pipeMu.Unlock()
		slog.DebugContext(ctx, "古い本文生成の結果を破棄しました", "seq", seq)
		return
	}
	if err != nil {
		s.st.TextError = err.Error()
		s.st.MissingCredential = domain.IsCredential(err)
		s.st.Generating = false
		s.mu.Unlock()
		s.pipeMu.Unlock()

		slog.WarnContext(ctx, "本文の生成に失敗しました", "user", s.userID, "error", err)
		for _, id := range ids {
			s.pool.Complete(id, "", errTextFailed)
		}
		s.emit()
		s.saveSnapshot(ctx)
		return
	}
	s.st.Text = res.Text
	s.st.EditedText = res.Text
	s.st.Edited = false
	s.st.WhyItWorks = res.WhyItWorks
	s.st.ImagePrompts = res.ImagePrompts
	s.st.MissingCredential = false
	s.mu.Unlock()

	// 世代が変わらないうちに下書きとリンク監視へ反映する
	if _, err := s.drafts.Begin(ctx, history.NewEntry{
		Prompt:      topic,
		ImagePrompt: res.ImagePrompts[0],
		EditedText:  res.Text,
	}); err != nil {
		slog.WarnContext(ctx, "下書きを保存できませんでした", "user", s.userID, "error", err)
	}
	s.links.OnTextChange(ctx, res.Text)
	s.pipeMu.Unlock()

	s.emit()
	s.saveSnapshot(ctx)

	if mode != ModeFull {
		s.finishGenerating(token)
		return
	}
	s.fanOut(ctx, token, ids, res.ImagePrompts)
	s.finishGenerating(token)
	s.attachImages(ctx)
}

// fanOut はスタイル枠ごとに画像を並列生成し、それぞれのスロットを完了させます。
// 1枠の失敗は他の枠に影響しません。
func (s *Session) fanOut(ctx context.Context, token uint64, ids []int64, prompts [domain.NumStyles]string) {
	var g errgroup.Group
	g.SetLimit(domain.NumStyles)
	for i, id := range ids {
		style := domain.Style(i % domain.NumStyles)
		g.Go(func() error {
			url, err := s.images.GenerateImage(ctx, prompts[style], style)
			if err != nil {
				slog.WarnContext(ctx, "画像の生成に失敗しました", "style", style, "token", token, "error", err)
			}
			if s.pool.Complete(id, url, err) {
				s.emit()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Session) finishGenerating(token uint64) {
	if s.pool.Token() != token {
		return
	}
	s.mu.Lock()
	s.st.Generating = false
	s.mu.Unlock()
	s.emit()
}

// attachImages は成功した候補（新しい順に最大3枚）を現在の下書きに永続化し、
// 永続参照をプールのスロットへ書き戻します。公開済みの下書きには触れません。
func (s *Session) attachImages(ctx context.Context) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	entryID := s.drafts.CurrentID()
	if entryID == "" || s.drafts.Sealed() {
		s.saveSnapshot(ctx)
		return
	}

	var slots []int64
	var sources []string
	cands := s.pool.Snapshot()
	for i := len(cands) - 1; i >= 0 && len(sources) < domain.NumStyles; i-- {
		if cands[i].State() == domain.CandidateSucceeded {
			slots = append([]int64{cands[i].ID}, slots...)
			sources = append([]string{cands[i].URL}, sources...)
		}
	}
	if len(sources) == 0 {
		s.saveSnapshot(ctx)
		return
	}

	durable, err := s.history.AttachImages(ctx, s.userID, entryID, sources)
	if err != nil {
		slog.WarnContext(ctx, "画像を履歴に保存できませんでした", "id", entryID, "error", err)
		s.saveSnapshot(ctx)
		return
	}
	patched := false
	for i, ref := range durable {
		if ref != "" && ref != sources[i] && s.pool.PatchURL(slots[i], ref) {
			patched = true
		}
	}
	if patched {
		s.emit()
	}
	s.saveSnapshot(ctx)
}

// fallbackPromptLocked は style 用の直近のプロンプトを返します。なければトピックです。
func (s *Session) fallbackPromptLocked(style domain.Style) string {
	if p := s.st.ImagePrompts[style]; p != "" {
		return p
	}
	return s.st.Topic
}

// emit は最新の状態を Events に流します。
func (s *Session) emit() {
	s.evMu.Lock()
	defer s.evMu.Unlock()

	st := s.State()
	select {
	case <-s.events:
	default:
	}
	s.events <- st
}

// saveSnapshot は現在の状態を履歴ストアに保存します。失敗はログのみです。
func (s *Session) saveSnapshot(ctx context.Context) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	payload, err := json.Marshal(s.State())
	if err != nil {
		slog.WarnContext(ctx, "セッション状態をエンコードできませんでした", "error", err)
		return
	}
	if err := s.history.SaveSnapshot(ctx, s.userID, payload); err != nil {
		slog.WarnContext(ctx, "セッション状態を保存できませんでした", "error", err)
	}
}
