package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"github.com/shouni/go-http-kit/pkg/httpkit"

	"github.com/shouni/x-post-kit/pkg/adapters"
	"github.com/shouni/x-post-kit/pkg/config"
	"github.com/shouni/x-post-kit/pkg/history"
	"github.com/shouni/x-post-kit/pkg/linkpreview"
	"github.com/shouni/x-post-kit/pkg/migration"
	"github.com/shouni/x-post-kit/pkg/orchestrator"
)

// app は1回のコマンド実行で使う依存一式です。
type app struct {
	cfg     *config.Config
	db      *sql.DB
	gcs     *storage.Client
	store   *history.Store
	session *orchestrator.Session
}

// openApp は設定から依存を組み立て、保存済みのセッションを復元します。
func openApp(ctx context.Context, cfg *config.Config, opts ...orchestrator.Option) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	// 取得は Do と IsSafeURL だけを使い、httpkit の再試行経路は通さない
	httpClient := httpkit.New(cfg.GetFetchTimeout())

	blobs, err := a.openBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	migrator, err := migration.NewMigrator(httpClient, blobs,
		migration.WithCompression(cfg.Storage.Compress, cfg.Storage.JPEGQuality))
	if err != nil {
		return nil, err
	}

	a.db, err = history.Open(cfg.History.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.store, err = history.New(a.db, migrator, history.WithCapacity(cfg.History.Capacity))
	if err != nil {
		return nil, err
	}

	text, images, err := newGenerators(ctx, cfg)
	if err != nil {
		return nil, err
	}
	fetcher, err := linkpreview.NewOGFetcher(httpClient)
	if err != nil {
		return nil, err
	}
	publisher, err := adapters.NewDryRunPublisher(os.Stderr)
	if err != nil {
		return nil, err
	}

	base := []orchestrator.Option{
		orchestrator.WithNovelty(cfg.Session.Novelty),
		orchestrator.WithAutosaveDelay(cfg.GetAutosaveDelay()),
		orchestrator.WithPreviewDelay(cfg.GetPreviewDelay()),
	}
	if cfg.Session.Premium {
		base = append(base, orchestrator.WithCharLimit(orchestrator.PremiumCharLimit))
	}
	a.session, err = orchestrator.New(cfg.User, orchestrator.Deps{
		Text:      text,
		Images:    images,
		Preview:   fetcher,
		Publisher: publisher,
		History:   a.store,
		Uploads:   migrator,
	}, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	if _, err := a.session.Restore(ctx); err != nil {
		slog.WarnContext(ctx, "前回のセッションを復元できませんでした。新しいセッションで続行します", "error", err)
	}
	ok = true
	return a, nil
}

func (a *app) openBlobStore(ctx context.Context) (migration.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("GCSクライアントの初期化に失敗しました: %w", err)
		}
		a.gcs = client
		return migration.NewGCSStore(client, a.cfg.Storage.Bucket, a.cfg.Storage.BaseURL)
	default:
		return migration.NewDirStore(a.cfg.Storage.Dir)
	}
}

// newGenerators は APIキーがあれば Gemini の生成器を、なければ未設定スタブを返します。
func newGenerators(ctx context.Context, cfg *config.Config) (orchestrator.TextGenerator, orchestrator.ImageGenerator, error) {
	if !cfg.HasAPIKey() {
		slog.DebugContext(ctx, "APIキーが未設定のため生成は資格情報エラーになります")
		return adapters.Unconfigured{}, adapters.Unconfigured{}, nil
	}
	client, err := adapters.NewGeminiClient(ctx, cfg.Gemini.APIKey, cfg.GetGeminiTimeout())
	if err != nil {
		return nil, nil, err
	}
	text, err := adapters.NewGeminiTextGenerator(client.Models, cfg.Gemini.TextModel,
		adapters.WithTextStyleNames(cfg.Styles),
		adapters.WithTemperature(cfg.Gemini.Temperature),
	)
	if err != nil {
		return nil, nil, err
	}
	images, err := adapters.NewGeminiImageGenerator(client.Models, cfg.Gemini.ImageModel,
		adapters.WithStyleNames(cfg.Styles),
		adapters.WithAspectRatio(cfg.Gemini.AspectRatio),
	)
	if err != nil {
		return nil, nil, err
	}
	return text, images, nil
}

// close はバックグラウンド処理を待ってから資源を解放します。
func (a *app) close() {
	if a.session != nil {
		a.session.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Warn("データベースのクローズに失敗しました", "error", err)
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			slog.Warn("GCSクライアントのクローズに失敗しました", "error", err)
		}
	}
}

// withApp は app を開いて fn を実行し、必ず閉じます。
func withApp(ctx context.Context, fn func(*app) error, opts ...orchestrator.Option) error {
	a, err := openApp(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}
