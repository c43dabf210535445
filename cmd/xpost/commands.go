package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/imgutil"
	"github.com/shouni/x-post-kit/pkg/migration"
	"github.com/shouni/x-post-kit/pkg/orchestrator"
)

var (
	textFirst bool
	novelty   bool

	regenStyle   int
	regenPrompts []string

	historyLimit int
)

var generateCmd = &cobra.Command{
	Use:   "generate <topic...>",
	Short: "Generate a post draft and three candidate images for a topic",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := orchestrator.ModeFull
		if textFirst {
			mode = orchestrator.ModeTextFirst
		}
		var opts []orchestrator.Option
		if cmd.Flags().Changed("novelty") {
			opts = append(opts, orchestrator.WithNovelty(novelty))
		}
		return withApp(cmd.Context(), func(a *app) error {
			if _, err := a.session.Submit(cmd.Context(), strings.Join(args, " "), mode); err != nil {
				return err
			}
			a.session.Wait()
			return printState(cmd.OutOrStdout(), a.session.State())
		}, opts...)
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <text...>",
	Short: "Replace the post text of the current draft",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.session.Edit(cmd.Context(), strings.Join(args, " ")); err != nil {
				return err
			}
			a.session.Wait()
			return printState(cmd.OutOrStdout(), a.session.State())
		})
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Re-roll all candidate images, or add one for a single style",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(regenPrompts) > domain.NumStyles {
			return fmt.Errorf("at most %d prompts", domain.NumStyles)
		}
		return withApp(cmd.Context(), func(a *app) error {
			var err error
			if regenStyle >= 0 {
				_, err = a.session.RegenerateOne(cmd.Context(), domain.Style(regenStyle))
			} else {
				var prompts *[domain.NumStyles]string
				if len(regenPrompts) > 0 {
					prompts = new([domain.NumStyles]string)
					copy(prompts[:], regenPrompts)
				}
				_, err = a.session.RegenerateAll(cmd.Context(), prompts)
			}
			if err != nil {
				return err
			}
			a.session.Wait()
			return printState(cmd.OutOrStdout(), a.session.State())
		})
	},
}

var selectCmd = &cobra.Command{
	Use:   "select <candidate-id>",
	Short: "Choose the generated image to post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid candidate id %q: %w", args[0], err)
		}
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.session.Select(cmd.Context(), id); err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), a.session.State())
		})
	},
}

var sourceCmd = &cobra.Command{
	Use:   "source <generated|link|custom|none>",
	Short: "Choose where the posted image comes from",
	Args:  cobra.ExactArgs(1),
	ValidArgs: []string{
		string(orchestrator.SourceGenerated),
		string(orchestrator.SourceLink),
		string(orchestrator.SourceCustom),
		string(orchestrator.SourceNone),
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.session.SelectSource(cmd.Context(), orchestrator.ImageSource(args[0])); err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), a.session.State())
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <image-file>",
	Short: "Upload your own image and use it for the post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataURL, err := readImageFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			if _, err := a.session.UploadImage(cmd.Context(), dataURL); err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), a.session.State())
		})
	},
}

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Publish the current draft with the selected image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			postURL, err := a.session.ApproveAndPost(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), postURL)
			return nil
		})
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule <RFC3339 time | +duration>",
	Short: "Mark the current draft as scheduled without posting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		when, err := parseWhen(args[0], time.Now())
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.session.Schedule(cmd.Context(), when); err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), a.session.State())
		})
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Throw away the current session (history entries are kept)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			return a.session.Discard(cmd.Context())
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			return printState(cmd.OutOrStdout(), a.session.State())
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and manage saved drafts",
	RunE:  runHistoryList,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved drafts, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved draft and its images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			return a.store.Delete(cmd.Context(), cfg.User, args[0])
		})
	},
}

var historyPinCmd = &cobra.Command{
	Use:   "pin <id>",
	Short: "Toggle whether a draft is exempt from eviction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			pinned, err := a.store.TogglePin(cmd.Context(), cfg.User, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s pinned=%t\n", args[0], pinned)
			return nil
		})
	},
}

var historyUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Start a new session prefilled from a saved draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.session.UseAgain(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.session.Wait()
			return printState(cmd.OutOrStdout(), a.session.State())
		})
	},
}

var historyPostCmd = &cobra.Command{
	Use:   "post <id>",
	Short: "Publish a scheduled draft right away",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			postURL, err := a.session.PostNow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), postURL)
			return nil
		})
	},
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		entries, err := a.store.List(cmd.Context(), cfg.User, historyLimit)
		if err != nil {
			return err
		}
		return printHistory(cmd.OutOrStdout(), entries)
	})
}

func init() {
	generateCmd.Flags().BoolVar(&textFirst, "text-first", false, "generate the text only; images come later with regenerate")
	generateCmd.Flags().BoolVar(&novelty, "novelty", false, "steer away from angles used by recent drafts")

	regenerateCmd.Flags().IntVar(&regenStyle, "style", -1, "add one candidate for this style slot (0-2) instead of re-rolling all")
	regenerateCmd.Flags().StringArrayVar(&regenPrompts, "prompt", nil, "image prompt per style slot (repeatable, in slot order)")

	historyCmd.PersistentFlags().IntVar(&historyLimit, "limit", 0, "maximum number of entries (0 = all)")
}

// readImageFile は画像ファイルを読み、data: URL にします。画像でなければエラーです。
func readImageFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("画像ファイルを読み込めませんでした: %w", err)
	}
	mimeType, err := imgutil.Sniff(data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return migration.EncodeDataURL(mimeType, data), nil
}

// parseWhen は RFC3339 の時刻か、now からの相対時間（+2h など）を解釈します。
func parseWhen(s string, now time.Time) (time.Time, error) {
	if rest, ok := strings.CutPrefix(s, "+"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or +duration): %w", s, err)
	}
	return t, nil
}
