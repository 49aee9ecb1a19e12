package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/casedrop/casebot/internal/admin"
	"github.com/casedrop/casebot/internal/antifraud"
	"github.com/casedrop/casebot/internal/cases"
	"github.com/casedrop/casebot/internal/clock"
	"github.com/casedrop/casebot/internal/config"
	"github.com/casedrop/casebot/internal/httpapi"
	"github.com/casedrop/casebot/internal/metrics"
	"github.com/casedrop/casebot/internal/payment"
	"github.com/casedrop/casebot/internal/queue"
	"github.com/casedrop/casebot/internal/ratelimit"
	"github.com/casedrop/casebot/internal/rng"
	"github.com/casedrop/casebot/internal/tg"
	"github.com/casedrop/casebot/internal/webapp"
)

// Populated through -ldflags at build time.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("config load failed", zap.Error(err))
	}

	log := newLogger(cfg.Log.Level)
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.System{}
	m := metrics.New()

	// ── Redis (optional: memory fallbacks when unset) ─────────────────────────
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
	}

	var (
		limiter   ratelimit.Store
		counters  antifraud.CounterStore
		banlist   antifraud.Banlist
		payStore  payment.Store
		payLedger payment.Ledger
	)
	if rdb != nil {
		limiter = ratelimit.NewRedisStore(rdb, clk)
		counters = antifraud.NewRedisCounters(rdb)
		banlist = antifraud.NewRedisBanlist(rdb)
		payStore = payment.NewRedisStore(rdb)
		payLedger = payment.NewRedisLedger(rdb)
	} else {
		limiter = ratelimit.NewMemoryStore(clk)
		counters = antifraud.NewMemoryCounters(clk)
		banlist = antifraud.NewMemoryBanlist(clk)
		payStore = payment.NewMemoryStore()
		payLedger = payment.NewMemoryLedger()
	}

	// ── RNG store by RNG_STORAGE ──────────────────────────────────────────────
	var rngStore rng.Store
	switch cfg.RNG.Storage {
	case config.RNGFile:
		fs, err := rng.NewFileStore(cfg.RNG.JournalPath)
		if err != nil {
			log.Fatal("rng journal open failed", zap.Error(err))
		}
		defer fs.Close()
		rngStore = fs
	case config.RNGDB:
		dsn, err := cfg.Database.DSN()
		if err != nil {
			log.Fatal("database config invalid", zap.Error(err))
		}
		ss, err := rng.NewSQLStore(ctx, dsn)
		if err != nil {
			log.Fatal("rng db init failed", zap.Error(err))
		}
		defer ss.Close()
		rngStore = ss

		ps, err := payment.NewSQLStore(ctx, ss.DB())
		if err != nil {
			log.Fatal("payment db init failed", zap.Error(err))
		}
		payStore = ps
		payLedger = payment.NewSQLLedger(ss.DB())
	default:
		rngStore = rng.NewMemoryStore()
	}

	// ── Case catalogue ────────────────────────────────────────────────────────
	catalogue := cases.NewLoader(cfg.Cases.Path, log)
	if reports, err := catalogue.Load(); err != nil {
		log.Fatal("case catalogue load failed", zap.Error(err))
	} else {
		log.Info("case catalogue loaded", zap.Int("cases", len(reports)))
	}

	// ── Antifraud ─────────────────────────────────────────────────────────────
	afCfg := antifraud.DefaultConfig()
	afCfg.IPShortMax = cfg.Antifraud.IPShortMax
	afCfg.InvoiceShortMax = cfg.Antifraud.InvoiceShortMax
	afCfg.PrecheckoutShortMax = cfg.Antifraud.PrecheckoutShortMax
	afCfg.SuccessShortMax = cfg.Antifraud.SuccessShortMax
	afCfg.DistinctPathsMax = cfg.Antifraud.DistinctPathsMax
	afCfg.DistinctUAMax = cfg.Antifraud.DistinctUAMax
	afCfg.SoftCap = cfg.Antifraud.SoftCap
	afCfg.HardBlock = cfg.Antifraud.HardBlock
	scorer := antifraud.NewScorer(afCfg, counters, m, log)
	guard := antifraud.NewGuard(banlist, counters, m, log)

	// ── Bot API client + payment machine ──────────────────────────────────────
	botAPI := tg.NewClient(cfg.Bot.APIBaseURL, cfg.Bot.Token)

	fairnessKey, err := cfg.FairnessKeyBytes()
	if err != nil {
		log.Fatal("fairness key invalid", zap.Error(err))
	}
	draws := rng.NewService(rngStore, clk, m, log)
	machine := payment.NewMachine(
		botAPI, draws, catalogue, payStore, payLedger,
		scorer, limiter, payment.NewCodec(fairnessKey), clk, m, log,
	)

	// ── Update queue + dispatch ───────────────────────────────────────────────
	q := queue.New(cfg.Queue.Capacity, dispatch(machine, log), clk, m, log)
	q.Start(ctx, cfg.Queue.Workers)

	// ── Ingress: webhook or long polling ──────────────────────────────────────
	webhookMode := cfg.Bot.Mode == config.ModeWebhook
	var poller *tg.LongPoller
	if webhookMode {
		log.Info("ingress: webhook", zap.String("path", cfg.Bot.WebhookPath))
	} else {
		if err := botAPI.DeleteWebhook(ctx, false); err != nil {
			log.Warn("webhook delete before long polling failed", zap.Error(err))
		}
		poller = tg.NewLongPoller(botAPI, q, m, log)
		poller.Start(ctx)
		log.Info("ingress: long polling")
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), httpapi.RequestIDMiddleware())

	r.GET(cfg.Server.HealthPath, func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET(cfg.Server.MetricsPath, gin.WrapH(m.Handler()))
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":       "casebot",
			"version":   version,
			"git":       gitCommit,
			"buildTime": buildTime,
		})
	})
	if st, err := os.Stat(cfg.Server.WebappDir); err == nil && st.IsDir() {
		r.Static("/app", cfg.Server.WebappDir)
	} else {
		log.Warn("webapp dir missing, /app not mounted", zap.String("dir", cfg.Server.WebappDir))
	}

	if webhookMode {
		hook := tg.NewWebhook(cfg.Bot.WebhookSecret, q, limiter, scorer, guard, clk, m, log)
		r.POST(cfg.Bot.WebhookPath, hook.Handle)
	}

	miniapp := r.Group("/api/miniapp", webapp.AuthMiddleware(cfg.Bot.Token, log))
	webapp.NewHandlers(catalogue, machine, payLedger, log).Register(miniapp)

	if cfg.Bot.AdminToken != "" {
		ag := r.Group("/internal", admin.TokenMiddleware(cfg.Bot.AdminToken))
		admin.NewHandlers(botAPI, catalogue, guard, draws, cfg.Bot.WebhookSecret, webhookMode, m, log).Register(ag)
	} else {
		log.Warn("ADMIN_TOKEN not set, admin routes not mounted")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	if webhookMode {
		registerWebhook(ctx, botAPI, cfg, log)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	if poller != nil {
		poller.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	q.Close()
	cancel()
	log.Info("shutdown complete")
}

// dispatch routes a drained update to the payment machine by kind.
func dispatch(machine *payment.Machine, log *zap.Logger) queue.Handler {
	return func(ctx context.Context, u tg.Update) {
		switch u.Kind() {
		case tg.KindPreCheckout:
			if err := machine.HandlePreCheckout(ctx, u.PreCheckoutQuery); err != nil {
				log.Error("precheckout handling failed",
					zap.Int64("updateId", u.UpdateID), zap.Error(err))
			}
		case tg.KindSuccess:
			if err := machine.HandleSuccess(ctx, u.Message); err != nil {
				log.Error("success handling failed",
					zap.Int64("updateId", u.UpdateID), zap.Error(err))
			}
		default:
			// Plain messages and unknown kinds are ignored; the web view is
			// the only conversational surface.
		}
	}
}

// registerWebhook points the platform at our public URL on startup.
func registerWebhook(ctx context.Context, api tg.API, cfg *config.Config, log *zap.Logger) {
	url := strings.TrimRight(cfg.Bot.PublicBaseURL, "/") + cfg.Bot.WebhookPath
	err := api.SetWebhook(ctx, tg.SetWebhookParams{
		URL:            url,
		SecretToken:    cfg.Bot.WebhookSecret,
		AllowedUpdates: []string{"message", "pre_checkout_query"},
	})
	if err != nil {
		log.Error("webhook registration failed", zap.Error(err))
		return
	}
	log.Info("webhook registered", zap.String("url", url))
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}
