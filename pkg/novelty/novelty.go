// Package novelty は直近の切り口を避けるための除外コンテキストを組み立てます。
package novelty

import (
	"sort"
	"strings"

	"github.com/shouni/x-post-kit/pkg/domain"
)

const (
	// MaxHistory は除外リストに含める永続化済み履歴の最大件数です。
	MaxHistory = 15
	// MaxItems は除外リスト全体の上限です（現在の下書き1件 + 履歴）。
	MaxItems = MaxHistory + 1
	// HookMaxRunes はフックとして使う本文1行目の最大文字数です。
	HookMaxRunes = 120
)

// Draft はセッション中の未保存を含む現在の下書きです。
type Draft struct {
	EntryID string // 永続化済みならその履歴ID
	Prompt  string
	Text    string
}

func (d *Draft) empty() bool {
	return d == nil || (strings.TrimSpace(d.Prompt) == "" && strings.TrimSpace(d.Text) == "")
}

// Build は現在の下書きと履歴から除外リストを作ります。
// 下書きがあれば常に先頭に置き、その後に作成日時の新しい順で履歴を続けます。
func Build(current *Draft, history []domain.HistoryEntry) domain.ExclusionList {
	out := make(domain.ExclusionList, 0, MaxItems)
	if !current.empty() {
		out = append(out, item(current.Prompt, current.Text))
	}

	sorted := make([]domain.HistoryEntry, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	taken := 0
	for _, h := range sorted {
		if taken == MaxHistory || len(out) == MaxItems {
			break
		}
		if current != nil && current.EntryID != "" && h.ID == current.EntryID {
			continue
		}
		if strings.TrimSpace(h.Prompt) == "" && strings.TrimSpace(h.EditedText) == "" {
			continue
		}
		out = append(out, item(h.Prompt, h.EditedText))
		taken++
	}
	return out
}

// Hook は本文の1行目を HookMaxRunes 文字に切り詰めて返します。
func Hook(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	r := []rune(line)
	if len(r) > HookMaxRunes {
		r = r[:HookMaxRunes]
	}
	return string(r)
}

func item(prompt, text string) domain.NoveltyItem {
	return domain.NoveltyItem{
		Prompt: strings.TrimSpace(prompt),
		Hook:   Hook(text),
	}
}

// Directive は除外リストをテキスト生成のシステム指示に添える文面に変換します。
// 空のリストなら空文字を返します。
func Directive(list domain.ExclusionList) string {
	if len(list) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("NOVELTY DIRECTIVE\n")
	b.WriteString("Recent posts already covered the angles below. Pick a clearly different hook, framing and opening line.\n")
	for i, it := range list {
		b.WriteString("- ")
		if it.Prompt != "" {
			b.WriteString("topic: ")
			b.WriteString(it.Prompt)
		}
		if it.Hook != "" {
			if it.Prompt != "" {
				b.WriteString(" | ")
			}
			b.WriteString("hook: ")
			b.WriteString(it.Hook)
		}
		if i < len(list)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
