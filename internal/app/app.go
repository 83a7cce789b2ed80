package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/customers/internal/config"
	"github.com/hitoshi/customers/internal/customer"
	"github.com/hitoshi/customers/internal/database"
	"github.com/hitoshi/customers/internal/github"
	"github.com/hitoshi/customers/internal/handler"
	"github.com/hitoshi/customers/internal/logger"
	"github.com/hitoshi/customers/internal/metrics"
	"github.com/hitoshi/customers/internal/middleware"
	"github.com/hitoshi/customers/internal/repository"
	"github.com/hitoshi/customers/internal/security"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルを反映する。不正な値はinfoのまま続行する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("ignoring LOG_LEVEL", slog.String("error", err.Error()))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("storage", cfg.StorageBackend),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		// SIGINTまたはSIGTERMでキャンセルされる
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// server はワイヤリング済みのHTTPサーバーと後始末処理をまとめたもの。
type server struct {
	http    *http.Server
	closers []func()
}

// Close は生成順と逆順に依存リソースを解放する。
func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// newServer は設定から全依存関係をワイヤリングしたserverを生成する。
func newServer(ctx context.Context, cfg *config.Config) (_ *server, err error) {
	srv := &server{}
	defer func() {
		if err != nil {
			srv.Close()
		}
	}()

	// 1. ストレージ
	store, db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if db != nil {
		srv.closers = append(srv.closers, func() { db.Close() })
	}

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. GitHubディレクトリクライアント
	httpClient, err := newDirectoryHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	directory := github.NewClient(httpClient, slog.Default(), github.Config{
		BaseURL: cfg.GitHubAPIURL,
		Token:   cfg.GitHubToken,
		Timeout: cfg.GitHubTimeout,
	}, github.WithRecorder(collector))

	// 4. ドメインサービス
	validator := customer.NewValidator(directory, security.NewMarkupDetector())
	customerService := customer.NewService(store, validator,
		customer.WithDBTimeout(cfg.DBTimeout),
		customer.WithWriteRecorder(collector),
	)

	// 5. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitWrites))
	srv.closers = append(srv.closers, rateLimiter.Stop)

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HTTPRecorder:      collector,
		CustomerService:   customerService,
		MetricsGatherer:   registry,
	}
	if db != nil {
		deps.HealthChecker = db
	}

	srv.http = &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv, nil
}

// openStore はSTORAGE_BACKENDに応じた顧客ストアを返す。
// postgresの場合は接続確認を行い、AUTO_MIGRATEが有効ならマイグレーションを適用する。
func openStore(ctx context.Context, cfg *config.Config) (repository.CustomerStore, *sql.DB, error) {
	if cfg.StorageBackend == config.StorageBackendMemory {
		slog.Warn("using in-memory storage; data is lost on restart")
		return repository.NewMemoryCustomerRepo(), nil, nil
	}

	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	if cfg.AutoMigrate {
		if err := runMigrate(cfg); err != nil {
			db.Close()
			return nil, nil, err
		}
	}

	return repository.NewPostgresCustomerRepo(db), db, nil
}

// newDirectoryHTTPClient はGitHub API用のHTTPクライアントを生成する。
// OUTBOUND_GUARDが有効な場合は内部ネットワークへの発信を拒否する。
func newDirectoryHTTPClient(cfg *config.Config) (*http.Client, error) {
	if !cfg.OutboundGuard {
		return &http.Client{Timeout: cfg.GitHubTimeout}, nil
	}

	guard, err := security.NewOutboundGuard(cfg.GitHubAPIURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GITHUB_API_URL: %w", err)
	}
	return guard.NewClient(cfg.GitHubTimeout), nil
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	srv, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", srv.http.Addr),
		)
		if err := srv.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migration requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
