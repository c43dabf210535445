package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/orchestrator"
)

func printState(w io.Writer, st orchestrator.State) error {
	if jsonOutput {
		return writeJSON(w, st)
	}
	if st.Topic == "" && st.HistoryID == "" {
		_, err := fmt.Fprintln(w, "no active session")
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic:   %s\n", st.Topic)
	if st.HistoryID != "" {
		state := "draft"
		if st.Sealed {
			state = "sealed"
		}
		fmt.Fprintf(&b, "Draft:   %s (%s, %s)\n", st.HistoryID, state, saveLabel(st))
	}
	if st.TextError != "" {
		fmt.Fprintf(&b, "Error:   %s\n", st.TextError)
	}
	if st.MissingCredential {
		b.WriteString("Hint:    set GEMINI_API_KEY (or gemini.api_key in the config file)\n")
	}
	if body := st.Body(); body != "" {
		fmt.Fprintf(&b, "\n%s\n", body)
	}
	if st.WhyItWorks != "" {
		fmt.Fprintf(&b, "\nWhy it works:\n%s\n", st.WhyItWorks)
	}

	if len(st.Candidates) > 0 {
		b.WriteString("\nCandidates:\n")
		selected, hasSelected := st.SelectedImage()
		for _, c := range st.Candidates {
			mark := " "
			if hasSelected && c.ID == selected.ID && st.Source == orchestrator.SourceGenerated {
				mark = "*"
			}
			detail := c.URL
			switch c.State() {
			case domain.CandidateLoading:
				detail = "generating..."
			case domain.CandidateFailed:
				detail = "failed: " + c.Err
			}
			fmt.Fprintf(&b, " %s [%d] style %d  %s\n", mark, c.ID, c.Style, shorten(detail, 100))
		}
	}

	if st.PreviewURL != "" {
		fmt.Fprintf(&b, "\nLink:    %s\n", st.PreviewURL)
		switch {
		case st.PreviewError != "":
			fmt.Fprintf(&b, "Preview: %s\n", st.PreviewError)
		case st.Preview.ImageURL != "":
			fmt.Fprintf(&b, "Preview: %s\n", st.Preview.ImageURL)
		}
	}
	if st.CustomImageURL != "" {
		fmt.Fprintf(&b, "Upload:  %s\n", st.CustomImageURL)
	}
	fmt.Fprintf(&b, "Source:  %s\n", st.Source)
	if st.PostURL != "" {
		fmt.Fprintf(&b, "Posted:  %s\n", st.PostURL)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func printHistory(w io.Writer, entries []domain.HistoryEntry) error {
	if jsonOutput {
		return writeJSON(w, entries)
	}
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no history")
		return err
	}
	for _, e := range entries {
		pin := " "
		if e.Pinned {
			pin = "*"
		}
		line, _, _ := strings.Cut(strings.TrimSpace(e.EditedText), "\n")
		if _, err := fmt.Fprintf(w, "%s %s  %-9s %s  %d img  %s\n",
			pin, e.ID, e.Status, e.CreatedAt.Local().Format(time.DateTime), len(e.ImageURLs), shorten(line, 60)); err != nil {
			return err
		}
	}
	return nil
}

func saveLabel(st orchestrator.State) string {
	if st.SaveStatus == "" {
		return "not saved"
	}
	return string(st.SaveStatus)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
