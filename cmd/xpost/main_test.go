package main

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/orchestrator"
)

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("相対時間を解釈するのだ", func(t *testing.T) {
		got, err := parseWhen("+90m", now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(90*time.Minute), got)
	})

	t.Run("RFC3339 を解釈するのだ", func(t *testing.T) {
		got, err := parseWhen("2026-03-02T08:30:00+09:00", now)
		require.NoError(t, err)
		assert.True(t, got.Equal(time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)))
	})

	t.Run("不正な入力はエラーなのだ", func(t *testing.T) {
		_, err := parseWhen("tomorrow", now)
		assert.Error(t, err)
		_, err = parseWhen("+soon", now)
		assert.Error(t, err)
	})
}

func TestReadImageFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("PNG file becomes a data URL", func(t *testing.T) {
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))
		path := filepath.Join(dir, "photo.png")
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

		got, err := readImageFile(path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(got, "data:image/png;base64,"))
	})

	t.Run("rejects non-image files", func(t *testing.T) {
		path := filepath.Join(dir, "notes.txt")
		require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
		_, err := readImageFile(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readImageFile(filepath.Join(dir, "nope.png"))
		assert.Error(t, err)
	})
}

func TestPrintState(t *testing.T) {
	jsonOutput = false

	t.Run("空のセッションなのだ", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printState(&buf, orchestrator.State{}))
		assert.Equal(t, "no active session\n", buf.String())
	})

	t.Run("候補と選択を表示するのだ", func(t *testing.T) {
		st := orchestrator.State{
			Topic:      "AI in healthcare",
			Text:       "Generated",
			EditedText: "Edited body",
			HistoryID:  "h1",
			SaveStatus: "saved",
			Source:     orchestrator.SourceGenerated,
			SelectedID: 2,
			Candidates: []domain.ImageCandidate{
				{ID: 1, Style: 0, URL: "file:///a.jpg"},
				{ID: 2, Style: 1, URL: "file:///b.jpg"},
				{ID: 3, Style: 2, Err: "HTTP 429"},
			},
			MissingCredential: true,
		}
		var buf bytes.Buffer
		require.NoError(t, printState(&buf, st))
		out := buf.String()

		assert.Contains(t, out, "Draft:   h1 (draft, saved)")
		assert.Contains(t, out, "Edited body")
		assert.NotContains(t, out, "Generated")
		assert.Contains(t, out, " * [2] style 1  file:///b.jpg")
		assert.Contains(t, out, "   [1] style 0  file:///a.jpg")
		assert.Contains(t, out, "failed: HTTP 429")
		assert.Contains(t, out, "GEMINI_API_KEY")
	})
}

func TestPrintHistory(t *testing.T) {
	jsonOutput = false
	var buf bytes.Buffer
	require.NoError(t, printHistory(&buf, []domain.HistoryEntry{
		{ID: "a", Status: domain.StatusPosted, EditedText: "first line\nsecond", Pinned: true, ImageURLs: []string{"x", "y"}},
	}))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "* a  posted"))
	assert.Contains(t, out, "2 img  first line\n")
	assert.NotContains(t, out, "second")
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "abc", shorten("abc", 3))
	assert.Equal(t, "ab…", shorten("abcd", 3))
}
