package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tikplays-license-api/internal/config"
	"tikplays-license-api/internal/fulfillment"
	"tikplays-license-api/internal/httpapi"
	"tikplays-license-api/internal/logging"
	"tikplays-license-api/internal/orders"
	"tikplays-license-api/internal/paypal"
	"tikplays-license-api/internal/store"
	"tikplays-license-api/internal/telegram"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logging is not configured yet
		logging.Init(logging.Config{Component: "licenseapi"})
		log.Fatal().Err(err).Msg("config")
	}

	var (
		dbPath   = flag.String("db", cfg.DBPath, "DB path (or env DB_PATH)")
		httpAddr = flag.String("http", cfg.HTTPAddr, "HTTP listen address (or env HTTP_ADDR / PORT)")
	)
	flag.Parse()

	logging.Init(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level, Component: "licenseapi"})

	st, err := store.OpenBBolt(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dbPath).Msg("db open")
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pp := paypal.New(paypal.Options{
		BaseURL:      cfg.PayPalAPIBase(),
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		Timeout:      cfg.PayPal.Timeout,
		BrandName:    cfg.PayPal.BrandName,
	})
	if cfg.PayPal.ClientID == "" || cfg.PayPal.ClientSecret == "" {
		log.Warn().Msg("PAYPAL_CLIENT_ID/PAYPAL_CLIENT_SECRET not set; order creation will fail")
	}
	if cfg.PayPal.WebhookID == "" {
		log.Warn().Msg("PAYPAL_WEBHOOK_ID not set; webhooks will be rejected")
	}

	var notifier fulfillment.Notifier = fulfillment.LogNotifier{}
	var bot *telegram.Bot
	if cfg.BotToken != "" {
		bot, err = telegram.NewBot(cfg.BotToken, cfg.AdminChatID, st)
		if err != nil {
			log.Fatal().Err(err).Msg("telegram bot")
		}
		notifier = bot
	}

	engine := fulfillment.NewEngine(st, pp, fulfillment.WithNotifier(notifier))
	api := httpapi.New(httpapi.Deps{
		Orders: orders.NewGateway(st, pp, cfg.Price, orders.GatewayConfig{
			BrandName:   cfg.PayPal.BrandName,
			DownloadURL: cfg.DownloadURL,
		}),
		Status:   orders.NewStatus(st, pp, engine, cfg.StatusReconcile),
		Verifier: orders.NewVerifier(pp, cfg.PayPal.WebhookID),
		Engine:   engine,
		Licenses: st,
	}, httpapi.Options{
		Mode:           cfg.PayPal.Mode,
		ProxyKey:       cfg.Renewal.ProxyKey,
		RateLimitRPS:   cfg.Limits.RPS,
		RateLimitBurst: cfg.Limits.Burst,
		MetricsEnabled: cfg.MetricsEnabled,
		TrustProxy:     cfg.Limits.TrustProxy,
	})

	httpServer := &http.Server{
		Addr:              *httpAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", *httpAddr).Str("mode", cfg.PayPal.Mode).Bool("reconcile", cfg.StatusReconcile).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	if bot != nil {
		go func() {
			if err := bot.Run(ctx); err != nil {
				log.Error().Err(err).Msg("bot error")
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
