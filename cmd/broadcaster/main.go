package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tg-broadcast-bot/internal/adapters/memory"
	"tg-broadcast-bot/internal/adapters/repo"
	"tg-broadcast-bot/internal/adapters/telegram"
	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/cache"
	"tg-broadcast-bot/internal/infra/config"
	"tg-broadcast-bot/internal/infra/db"
	httpinfra "tg-broadcast-bot/internal/infra/http"
	"tg-broadcast-bot/internal/infra/log"
	"tg-broadcast-bot/internal/infra/metrics"
	"tg-broadcast-bot/internal/infra/queue"
	"tg-broadcast-bot/internal/usecase/audience"
	"tg-broadcast-bot/internal/usecase/broadcast"
	"tg-broadcast-bot/internal/usecase/delivery"
	"tg-broadcast-bot/internal/usecase/dispatch"
	"tg-broadcast-bot/internal/usecase/rotation"
	"tg-broadcast-bot/internal/usecase/schedule"
	"tg-broadcast-bot/internal/usecase/settings"
	"tg-broadcast-bot/internal/usecase/themes"
)

const settingsReloadInterval = time.Minute

// длинные рассылки уходят по частям, и гейт платит за каждое сообщение
var _ dispatch.PartSender = (*telegram.Transport)(nil)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, cfg.LogFile).With().Str("service", "broadcaster").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.PGDSN, 10)
	if err != nil {
		logger.Fatal().Err(err).Msg("broadcaster: нет подключения к БД")
	}
	defer pool.Close()

	store := repo.NewPostgres(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("broadcaster: миграция схемы не выполнена")
	}

	settingsSvc := settings.NewService(store, settingsDefaults(cfg))
	if n, err := settingsSvc.InitDefaults(ctx); err != nil {
		logger.Fatal().Err(err).Msg("broadcaster: не удалось записать настройки по умолчанию")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("broadcaster: записаны настройки по умолчанию")
	}

	botAPI, err := tgbotapi.NewBotAPIWithClient(cfg.Telegram.Token, tgbotapi.APIEndpoint, &http.Client{Timeout: cfg.Telegram.HTTPTimeout})
	if err != nil {
		logger.Fatal().Err(err).Msg("broadcaster: не удалось создать бота")
	}

	ops := httpinfra.NewServer(logger, prometheus.DefaultGatherer)
	ops.AddCheck("postgres", store.Ping)

	var (
		redisClient redis.UniversalClient
		locker      domain.Locker = memory.NewLocker()
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		locker = cache.NewRedisLocker(redisClient, "broadcast:")
		ops.AddCheck("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}

	tasksQueue, closeQueue := openQueue(ctx, cfg, redisClient, logger)
	defer closeQueue()

	tracker := delivery.NewTracker(store, store)
	transport := telegram.NewTransport(botAPI, logger)
	dispatcher := dispatch.New(transport, tracker, store, dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Backoff:     dispatch.Backoff{Base: cfg.Dispatch.BackoffBase, Max: cfg.Dispatch.BackoffMax},
		SendTimeout: cfg.Dispatch.SendTimeout,
	}, logger)

	themeSvc := themes.NewService(store)
	broadcastSvc := broadcast.NewService(store, store, audience.NewResolver(store), tracker, dispatcher, tasksQueue, settingsSvc, logger)
	rotationSvc := rotation.NewService(themeSvc, store, broadcastSvc, settingsSvc, locker, logger)
	trigger := schedule.NewTrigger(rotationSvc, broadcastSvc, settingsSvc, schedule.Config{
		SweepInterval:   cfg.Schedule.SweepInterval,
		DuePollInterval: cfg.Schedule.DuePollInterval,
		JobTimeout:      cfg.Schedule.JobTimeout,
	}, logger)
	worker := broadcast.NewWorker(tasksQueue, broadcastSvc, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// задачи, прерванные прошлым запуском, продолжаются до чтения очереди
		if n, err := broadcastSvc.Resume(gctx); err != nil {
			logger.Error().Err(err).Msg("broadcaster: возобновление задач не выполнено")
		} else if n > 0 {
			logger.Info().Int("count", n).Msg("broadcaster: возобновлены незавершённые задачи")
		}
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := trigger.Start(gctx); err != nil {
			return err
		}
		ticker := time.NewTicker(settingsReloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				trigger.Stop()
				return nil
			case <-ticker.C:
				if err := trigger.Reload(gctx); err != nil {
					logger.Warn().Err(err).Msg("broadcaster: расписание не перечитано")
				}
			}
		}
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

	logger.Info().Str("queue", cfg.Queues.Driver).Msg("broadcaster: запущен")
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("broadcaster: остановлен с ошибкой")
		return
	}
	logger.Info().Msg("broadcaster: остановлен")
}

func openQueue(ctx context.Context, cfg config.AppConfig, client redis.UniversalClient, logger zerolog.Logger) (domain.TaskQueue, func()) {
	switch cfg.Queues.Driver {
	case "rabbitmq":
		q, err := queue.NewRabbitTaskQueue(cfg.RabbitURL, cfg.Queues.Tasks)
		if err != nil {
			logger.Fatal().Err(err).Msg("broadcaster: нет подключения к RabbitMQ")
		}
		return q, func() { _ = q.Close() }
	default:
		if client == nil {
			logger.Fatal().Msg("broadcaster: для очереди redis нужен REDIS_ADDR")
		}
		q := queue.NewRedisTaskQueue(client, cfg.Queues.Tasks)
		if n, err := q.Recover(ctx); err != nil {
			logger.Fatal().Err(err).Msg("broadcaster: не удалось вернуть задачи в очередь")
		} else if n > 0 {
			logger.Info().Int("count", n).Msg("broadcaster: неподтверждённые задачи возвращены в очередь")
		}
		return q, func() {}
	}
}

func settingsDefaults(cfg config.AppConfig) settings.Defaults {
	d := settings.StandardDefaults()
	d.RequiredChannels = cfg.Defaults.RequiredChannels
	d.DailyTime = cfg.Defaults.DailyTime
	d.Timezone = cfg.Defaults.Timezone
	d.RateLimit = cfg.Defaults.RateLimit
	return d
}
