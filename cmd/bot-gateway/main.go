package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"tg-broadcast-bot/internal/adapters/bot"
	"tg-broadcast-bot/internal/adapters/repo"
	"tg-broadcast-bot/internal/adapters/telegram"
	"tg-broadcast-bot/internal/infra/config"
	"tg-broadcast-bot/internal/infra/db"
	httpinfra "tg-broadcast-bot/internal/infra/http"
	"tg-broadcast-bot/internal/infra/log"
	"tg-broadcast-bot/internal/infra/metrics"
	"tg-broadcast-bot/internal/usecase/delivery"
	"tg-broadcast-bot/internal/usecase/settings"
	"tg-broadcast-bot/internal/usecase/users"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, cfg.LogFile).With().Str("service", "bot-gateway").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.PGDSN, 5)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: нет подключения к БД")
	}
	defer pool.Close()

	store := repo.NewPostgres(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: миграция схемы не выполнена")
	}

	// long polling держит запрос открытым до TG_POLL_TIMEOUT секунд
	client := &http.Client{Timeout: cfg.Telegram.HTTPTimeout + time.Duration(cfg.Telegram.PollTimeout)*time.Second}
	botAPI, err := tgbotapi.NewBotAPIWithClient(cfg.Telegram.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: не удалось создать бота")
	}
	logger.Info().Str("bot", botAPI.Self.UserName).Msg("bot-gateway: бот авторизован")

	defaults := settings.StandardDefaults()
	defaults.RequiredChannels = cfg.Defaults.RequiredChannels
	defaults.DailyTime = cfg.Defaults.DailyTime
	defaults.Timezone = cfg.Defaults.Timezone
	defaults.RateLimit = cfg.Defaults.RateLimit
	settingsSvc := settings.NewService(store, defaults)

	verifier := telegram.NewVerifier(botAPI)
	userSvc := users.NewService(store, verifier, settingsSvc, logger)
	handler := bot.NewHandler(userSvc, settingsSvc, telegram.NewTransport(botAPI, logger), delivery.NewTracker(store, store), verifier, botAPI, logger)

	ops := httpinfra.NewServer(logger, prometheus.DefaultGatherer)
	ops.AddCheck("postgres", store.Ping)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bot.Poll(gctx, botAPI, handler, cfg.Telegram.PollTimeout, cfg.Telegram.PollWorkers)
		return nil
	})
	g.Go(func() error {
		return ops.Start(cfg.OpsAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})

	logger.Info().Msg("bot-gateway: запущен")
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("bot-gateway: остановлен с ошибкой")
		return
	}
	logger.Info().Msg("bot-gateway: остановлен")
}
