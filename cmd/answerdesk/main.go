package main

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/answerdesk/answerdesk/internal/docstore"
	"github.com/answerdesk/answerdesk/internal/httpapi"
	"github.com/answerdesk/answerdesk/internal/meli"
	"github.com/answerdesk/answerdesk/internal/panel"
	"github.com/answerdesk/answerdesk/internal/replies"
	"github.com/answerdesk/answerdesk/internal/tenant"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	addr := os.Getenv("ANSWERDESK_ADDR")
	if addr == "" {
		addr = ":3000"
	}

	client, err := buildDocumentClient()
	if err != nil {
		logger.Fatal("failed to initialize document store", zap.Error(err))
	}

	snapshotDir := strings.TrimSpace(os.Getenv("ANSWERDESK_SNAPSHOT_DIR"))
	if snapshotDir == "" {
		snapshotDir = ".answerdesk"
	}
	docTTL := durationEnv(logger, "ANSWERDESK_DOC_TTL", 0)

	storesDoc := envOr("ANSWERDESK_STORES_DOC", "stores_ml.json")
	repliesDoc := envOr("ANSWERDESK_REPLIES_DOC", "quick_replies.json")

	registry := tenant.NewRegistry(tenant.RegistryOptions{
		Client:       client,
		DocumentPath: storesDoc,
		SnapshotPath: filepath.Join(snapshotDir, filepath.Base(storesDoc)),
		TTL:          docTTL,
		Logger:       logger.Named("tenants"),
	})
	replyStore := replies.NewStore(replies.StoreOptions{
		Client:       client,
		DocumentPath: repliesDoc,
		SnapshotPath: filepath.Join(snapshotDir, filepath.Base(repliesDoc)),
		TTL:          docTTL,
		Logger:       logger.Named("replies"),
	})

	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		logger.Warn("snapshot dir create failed", zap.String("dir", snapshotDir), zap.Error(err))
	}
	watcher, err := docstore.WatchSnapshots(snapshotDir, map[string]func(){
		filepath.Base(storesDoc):  registry.Invalidate,
		filepath.Base(repliesDoc): replyStore.Invalidate,
	}, logger.Named("snapshots"))
	if err != nil {
		logger.Warn("snapshot watcher disabled", zap.Error(err))
	} else {
		defer func() { _ = watcher.Close() }()
	}

	market := meli.NewClient(meli.ClientOptions{
		BaseURL:      os.Getenv("MELI_API_URL"),
		AuthBaseURL:  os.Getenv("MELI_AUTH_URL"),
		ClientID:     os.Getenv("MELI_CLIENT_ID"),
		ClientSecret: os.Getenv("MELI_CLIENT_SECRET"),
		RedirectURI:  os.Getenv("MELI_REDIRECT_URI"),
		UserAgent:    "answerdesk",
	})

	hub := httpapi.NewHub()
	service := panel.NewService(panel.ServiceOptions{
		Registry: registry,
		Market:   market,
		Replies:  replyStore,
		Items: panel.NewItemCache(panel.ItemCacheOptions{
			TTL: durationEnv(logger, "ANSWERDESK_ITEM_TTL", 0),
		}),
		Events: hub,
		Logger: logger.Named("panel"),
	})

	server := httpapi.NewServerWithConfig(service, hub, logger.Named("http"), httpapi.ServerConfig{
		JWTSecret:       os.Getenv("ANSWERDESK_JWT_SECRET"),
		RateLimitMax:    intEnv(logger, "ANSWERDESK_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv(logger, "ANSWERDESK_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env(logger, "ANSWERDESK_MAX_BODY_BYTES", 0),
	})

	logger.Info("answerdesk listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// buildDocumentClient prefers an explicit DSN and falls back to the GitHub
// environment variables. An unconfigured GitHub client is still valid: the
// collections degrade to their local snapshots.
func buildDocumentClient() (docstore.Client, error) {
	if dsn := strings.TrimSpace(os.Getenv("ANSWERDESK_DOCSTORE_DSN")); dsn != "" {
		return docstore.BuildClientFromDSN(dsn)
	}
	return docstore.NewGitHubClient(docstore.GitHubClientOptions{
		Token:  os.Getenv("GITHUB_TOKEN"),
		Owner:  os.Getenv("GITHUB_OWNER"),
		Repo:   os.Getenv("GITHUB_REPO"),
		Branch: os.Getenv("GITHUB_BRANCH"),
	}), nil
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(logger *zap.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid env value, using fallback",
			zap.String("name", name), zap.String("value", raw), zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func int64Env(logger *zap.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn("invalid env value, using fallback",
			zap.String("name", name), zap.String("value", raw), zap.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(logger *zap.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid env value, using fallback",
			zap.String("name", name), zap.String("value", raw), zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}
