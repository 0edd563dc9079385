// JustFiles Server
//
// Features:
// - Multi-tenant file and folder hierarchy with public/private sharing
// - Sandboxed content storage (local disk or S3)
// - Per-account storage quotas and rate limits
// - Cascading share/unshare and streaming folder export
// - Prometheus metrics & structured logging (zap)
// - SSE change events
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/justfiles/justfiles/internal/api"
	"github.com/justfiles/justfiles/internal/auth"
	"github.com/justfiles/justfiles/internal/blob"
	bloblocal "github.com/justfiles/justfiles/internal/blob/local"
	blobs3 "github.com/justfiles/justfiles/internal/blob/s3"
	"github.com/justfiles/justfiles/internal/config"
	"github.com/justfiles/justfiles/internal/item"
	itempostgres "github.com/justfiles/justfiles/internal/item/postgres"
	"github.com/justfiles/justfiles/internal/logging"
	"github.com/justfiles/justfiles/internal/metrics"
	"github.com/justfiles/justfiles/internal/quota"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("JustFiles Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metadata store and quota ledger: Postgres when configured,
	// in-memory otherwise.
	var (
		store  item.Store
		ledger quota.Ledger
		creds  auth.CredentialStore
	)
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		pgStore, err := itempostgres.New(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer pgStore.Close()
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logging.Fatal("schema migration failed", zap.Error(err))
		}

		pgLedger := quota.NewPostgresLedger(pgStore.DB())
		if err := pgLedger.EnsureSchema(ctx); err != nil {
			logging.Fatal("schema migration failed", zap.Error(err))
		}
		pgCreds := auth.NewPostgresCredentials(pgStore.DB())
		if err := pgCreds.EnsureSchema(ctx); err != nil {
			logging.Fatal("schema migration failed", zap.Error(err))
		}

		store, ledger, creds = pgStore, pgLedger, pgCreds
	} else {
		logging.Warn("DATABASE_URL not set, using in-memory stores (data is lost on restart)")
		store = item.NewMemoryStore()
		ledger = quota.NewMemoryLedger()
		creds = auth.NewMemoryCredentials()
	}

	// Content backend.
	var blobs blob.Store
	switch cfg.StorageBackend {
	case "s3":
		blobs, err = blobs3.New(ctx, blobs3.Config{
			Endpoint:       cfg.S3Endpoint,
			Bucket:         cfg.S3Bucket,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Region:         cfg.S3Region,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
	default:
		blobs, err = bloblocal.New(cfg.LocalStoragePath)
	}
	if err != nil {
		logging.Fatal("blob store init failed", zap.Error(err))
	}
	defer blobs.Close()
	logging.Info("blob store initialized", zap.String("type", blobs.Type()))

	// Auth.
	authHandler := auth.New(creds, ledger, cfg.JWTSecret, cfg.DefaultStorageLimit)
	if err := authHandler.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		logging.Error("failed to ensure bootstrap admin", zap.Error(err))
	}
	if cfg.OIDCIssuerURL != "" {
		oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			IssuerURL:    cfg.OIDCIssuerURL,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			AdminClaim:   cfg.OIDCAdminClaim,
			AdminValue:   cfg.OIDCAdminValue,
		}, authHandler)
		if err != nil {
			logging.Fatal("OIDC provider init failed", zap.Error(err))
		}
		if oidcProvider != nil {
			authHandler.SetOIDCProvider(oidcProvider)
		}
	}

	srv := api.NewServer(store, blobs, ledger, authHandler, cfg)
	defer srv.Close()

	// Metrics server.
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logging.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("http shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("metrics shutdown error", zap.Error(err))
	}
	logging.Info("shutdown complete")
}
