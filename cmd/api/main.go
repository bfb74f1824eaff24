package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tanloifmc/marsland/internal/config"
	"github.com/tanloifmc/marsland/internal/httpapi"
	"github.com/tanloifmc/marsland/internal/land"
	"github.com/tanloifmc/marsland/internal/notify"
	"github.com/tanloifmc/marsland/internal/obs"
	"github.com/tanloifmc/marsland/internal/paypal"
	"github.com/tanloifmc/marsland/internal/purchase"
	"github.com/tanloifmc/marsland/internal/store/pg"
	"github.com/tanloifmc/marsland/internal/stream"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("MARSLAND_COMMIT"))
	defer obs.Sync()
	logger := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	// Ownership ledger: postgres when a DSN is configured, otherwise the
	// in-memory ledger for local development.
	var (
		ledger land.Ledger
		probe  httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			logger.Fatal("open db", zap.Error(err))
		}
		defer store.Close()
		ledger = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		logger.Warn("MARSLAND_PG_DSN not set, using in-memory ledger")
		ledger = land.NewInMemory()
	}

	var gateway purchase.Gateway
	if cfg.PayPalConfigured() {
		gateway = paypal.NewClient(paypal.Config{
			BaseURL:      cfg.PayPalBaseURL,
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			BrandName:    cfg.PayPalBrandName,
			PayeeEmail:   cfg.PayPalPayeeEmail,
			ReturnURL:    cfg.PayPalReturnURL,
			CancelURL:    cfg.PayPalCancelURL,
		}, nil)
	} else {
		logger.Warn("PayPal credentials not set, using sandbox gateway")
		gateway = purchase.NewSandboxGateway()
	}

	var notifier purchase.Notifier
	if cfg.NotifyPDFEndpoint != "" || cfg.NotifyEmailEndpoint != "" {
		notifier = notify.NewDispatcher(notify.Config{
			PDFEndpoint:   cfg.NotifyPDFEndpoint,
			EmailEndpoint: cfg.NotifyEmailEndpoint,
			DefaultLang:   cfg.NotifyDefaultLang,
		}, nil, logger)
	}

	events := stream.New()
	purchases := purchase.NewService(ledger, gateway, notifier, events, logger)

	api := httpapi.New(probe, version, ledger, purchases, events)
	api.SetRateLimit(cfg.RateLimitBurst, cfg.RateLimitRPS)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	logger.Info("starting marsland-api", zap.String("version", version), zap.String("addr", srv.Addr))

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	logger.Info("stopped")
}
