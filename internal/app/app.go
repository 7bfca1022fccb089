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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/openidauth/internal/auth"
	"github.com/hitoshi/openidauth/internal/config"
	"github.com/hitoshi/openidauth/internal/consumer"
	"github.com/hitoshi/openidauth/internal/database"
	"github.com/hitoshi/openidauth/internal/handler"
	"github.com/hitoshi/openidauth/internal/logger"
	"github.com/hitoshi/openidauth/internal/metrics"
	"github.com/hitoshi/openidauth/internal/middleware"
	"github.com/hitoshi/openidauth/internal/nonce"
	"github.com/hitoshi/openidauth/internal/openid"
	"github.com/hitoshi/openidauth/internal/repository"
	"github.com/hitoshi/openidauth/internal/security"
	"github.com/hitoshi/openidauth/internal/user"
	"github.com/hitoshi/openidauth/internal/worker/cleanup"
)

const (
	// cleanupInterval はworkerがクリーンアップジョブを実行する間隔。
	cleanupInterval = time.Hour
	// maxProviderResponseSize はプロバイダーから受け取るレスポンスの上限。
	maxProviderResponseSize = 1 << 20
)

// Init はログを設定してから環境変数の設定を読み込む。
// wがnilでなければログの出力先になる。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// Run はサブコマンドを解析して実行する。argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	if w == nil {
		w = os.Stdout
	}

	cmd := ParseCommand(args)
	switch cmd {
	case CommandHelp:
		return printUsage(w)
	case CommandHealthcheck:
		// DBにも設定にも依存しない
		return runHealthcheck(envOr("SERVER_PORT", "8080"))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	slog.Info("starting openidauth",
		slog.String("command", string(cmd)),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openDatabase は接続プールを開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", maskDatabaseURL(cfg.DatabaseURL), err)
	}
	return db, nil
}

// runServe はOpenIDコンシューマーとAPIを提供する。ctxがキャンセルされるとグレースフルに停止する。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	users := repository.NewPostgresUserRepo(db)
	openids := repository.NewPostgresOpenIDRepo(db)
	sessions := repository.NewPostgresSessionRepo(db)

	authService := auth.NewService(users, openids, sessions, auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge})
	userService := user.NewService(users, openids, sessions, collector)

	nonces, closeNonces, err := nonce.Open(nonce.Config{
		Kind:     cfg.NonceStore,
		RedisURL: cfg.RedisURL,
		MaxAge:   cfg.OpenIDMaxNonceAge,
	}, db)
	if err != nil {
		return fmt.Errorf("failed to open nonce store: %w", err)
	}
	defer closeNonces()

	limiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer limiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker:     db,
		SessionFinder:     sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig:        middleware.CSRFConfig{CookieSecure: cfg.CookieSecure, CookieDomain: cfg.CookieDomain},
		RateLimiter:       limiter,
		Logger:            slog.Default(),

		Consumer:         newConsumer(cfg, newOpenIDClient(cfg, nonces, collector), authService, userService, collector),
		OpenIDPathPrefix: cfg.OpenIDPathPrefix,

		AuthService:  authService,
		CookieConfig: cookieConfig(cfg),
		UserService:  handler.NewUserServiceAdapter(userService),

		MetricsHandler: metrics.Handler(registry),
	})

	// 書き込みタイムアウトはプロバイダーとの通信時間を含む
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15*time.Second + cfg.OpenIDHTTPTimeout,
		IdleTimeout:  60 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("openid_consumer", cfg.OpenIDConsumer),
			slog.String("openid_path_prefix", cfg.OpenIDPathPrefix),
			slog.String("nonce_store", cfg.NonceStore),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("server listen failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	slog.Info("API server stopped")
	return nil
}

// newOpenIDClient はプロバイダーと通信するOpenIDクライアントを生成する。
// SSRF対策済みのHTTPクライアントに、ステータスコードの記録とホスト単位のサーキットブレーカーを重ねる。
// 識別子とOPエンドポイントは接続前にも検証する。
func newOpenIDClient(cfg *config.Config, nonces openid.NonceStore, collector metrics.MetricsCollector) *openid.Client {
	var opts []security.Option
	if cfg.OpenIDAllowPrivateProviders {
		slog.Warn("private network providers are allowed; do not use this in production")
		opts = append(opts, security.AllowPrivateNetworks())
	}
	guard := security.NewSSRFGuard(opts...)

	httpClient := guard.NewSafeClient(cfg.OpenIDHTTPTimeout, maxProviderResponseSize)
	httpClient.Transport = &metrics.StatusRecorder{Next: httpClient.Transport, Collector: collector}
	httpClient = openid.WithCircuitBreaker(httpClient, openid.DefaultBreakerConfig())

	return openid.NewClient(
		openid.NewDiscoverer(httpClient),
		httpClient,
		nonces,
		openid.ClientConfig{
			MaxNonceAge:  cfg.OpenIDMaxNonceAge,
			URLValidator: guard,
		},
	)
}

// newConsumer は設定に応じたOpenIDコンシューマーを生成する。
//   - registration: 未登録のOpenIDでサインインすると新規登録フォームを表示する
//   - auth: 既存のアカウントへのログインと紐付けのみ
//   - cookie: アカウントを持たず、最後にサインインしたOpenIDを署名付きCookieに保持する
func newConsumer(
	cfg *config.Config,
	client consumer.OpenIDClient,
	authService *auth.Service,
	userService *user.Service,
	collector metrics.MetricsCollector,
) handler.OpenIDConsumer {
	consumerCfg := consumer.Config{
		PathPrefix:   cfg.OpenIDPathPrefix,
		BaseURL:      cfg.BaseURL,
		TrustRoot:    cfg.OpenIDTrustRoot,
		SReg:         cfg.OpenIDSReg,
		SRegRequired: cfg.OpenIDSRegRequired,
		XRIEnabled:   cfg.OpenIDXRIEnabled,
		Debug:        cfg.OpenIDDebug,
		Cookie:       cookieConfig(cfg),
	}

	switch cfg.OpenIDConsumer {
	case "cookie":
		state := consumer.NewCookieState([]byte(cfg.SessionSecret), consumerCfg.Cookie)
		return consumer.NewConsumer(client, state, consumerCfg, collector)
	case "auth":
		return consumer.NewAuthConsumer(client, authService, userService, consumerCfg, collector)
	default:
		return consumer.NewRegistrationConsumer(client, authService, userService, consumerCfg, collector)
	}
}

// cookieConfig はセッションCookieの属性を返す。
func cookieConfig(cfg *config.Config) middleware.CookieConfig {
	return middleware.CookieConfig{
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure,
		MaxAge: cfg.SessionMaxAge,
	}
}

// rateLimiterConfig はreq/min単位の設定をreq/secのレートに変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitLogin > 0 {
		rl.LoginRate = rate.Limit(float64(cfg.RateLimitLogin) / 60.0)
		rl.LoginBurst = cfg.RateLimitLogin
	}
	if cfg.RateLimitProvider > 0 {
		rl.ProviderRate = rate.Limit(float64(cfg.RateLimitProvider) / 60.0)
		rl.ProviderBurst = cfg.RateLimitProvider
	} else {
		rl.ProviderRate, rl.ProviderBurst = 0, 0
	}
	return rl
}

// runWorker は期限切れセッションと古いnonceの削除を定期実行する。ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// RedisやメモリのnonceはTTLで消える
	var nonceCleaner cleanup.NonceCleaner
	if cfg.NonceStore == nonce.KindPostgres {
		nonceCleaner = repository.NewPostgresNonceRepo(db)
	}
	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), nonceCleaner, nil, slog.Default())
	job.RetentionDays = cfg.SessionRetentionDays
	job.NonceMaxAge = cfg.OpenIDMaxNonceAge

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cleanupInterval),
		slog.Int("retention_days", cfg.SessionRetentionDays),
		slog.String("nonce_store", cfg.NonceStore),
	)
	job.RunEvery(ctx, cleanupInterval)
	slog.Info("worker stopped")
	return nil
}

// runMigrate は未適用のマイグレーションを適用し、適用後のバージョンを記録する。
func runMigrate(cfg *config.Config) error {
	target := maskDatabaseURL(cfg.DatabaseURL)
	slog.Info("running database migrations", slog.String("database_url", target))

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read schema version of %s: %w", target, err)
	}

	slog.Info("database migrations completed",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck は起動中のサーバーの /health を呼ぶ。
// distrolessイメージにはcurlが無いため、DockerのHEALTHCHECKから使う。
func runHealthcheck(port string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// maskDatabaseURL はログ用にユーザー名、パスワード、クエリを伏せたURLを返す。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Scheme + "://***@" + u.Host + u.Path
}
