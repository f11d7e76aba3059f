package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv  string `envconfig:"APP_ENV" default:"dev"`
	LogFile string `envconfig:"LOG_FILE"`
	OpsAddr string `envconfig:"OPS_ADDR" default:":8080"`

	Telegram struct {
		Token       string        `envconfig:"TG_BOT_TOKEN"`
		PollTimeout int           `envconfig:"TG_POLL_TIMEOUT" default:"30"`
		PollWorkers int           `envconfig:"TG_POLL_WORKERS" default:"4"`
		HTTPTimeout time.Duration `envconfig:"TG_HTTP_TIMEOUT" default:"15s"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Queues struct {
		// Driver выбирает брокер очереди задач: redis или rabbitmq.
		Driver string `envconfig:"TASK_QUEUE_DRIVER" default:"redis"`
		Tasks  string `envconfig:"TASK_QUEUE_KEY" default:"broadcast_tasks"`
	} `envconfig:""`

	Dispatch struct {
		Workers     int           `envconfig:"DISPATCH_WORKERS" default:"8"`
		MaxAttempts int           `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"3"`
		BackoffBase time.Duration `envconfig:"DISPATCH_BACKOFF_BASE" default:"1s"`
		BackoffMax  time.Duration `envconfig:"DISPATCH_BACKOFF_MAX" default:"30s"`
		SendTimeout time.Duration `envconfig:"DISPATCH_SEND_TIMEOUT" default:"15s"`
	} `envconfig:""`

	Schedule struct {
		SweepInterval   time.Duration `envconfig:"OVERDUE_SWEEP_INTERVAL" default:"15m"`
		DuePollInterval time.Duration `envconfig:"DUE_POLL_INTERVAL" default:"30s"`
		JobTimeout      time.Duration `envconfig:"SCHEDULE_JOB_TIMEOUT" default:"5m"`
	} `envconfig:""`

	// Defaults задают значения настроек, пока их нет в таблице config.
	Defaults struct {
		RequiredChannels string `envconfig:"REQUIRED_CHANNELS" default:"[]"`
		DailyTime        string `envconfig:"DAILY_BROADCAST_TIME" default:"09:00"`
		Timezone         string `envconfig:"TIMEZONE" default:"Europe/Moscow"`
		RateLimit        int    `envconfig:"RATE_LIMIT" default:"30"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения. Файл .env, если есть, дополняет окружение.
func Load() AppConfig {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Parse читает .env и окружение и возвращает ошибку вместо завершения процесса.
func Parse(files ...string) (AppConfig, error) {
	if len(files) == 0 {
		// .env необязателен, переменные окружения имеют приоритет
		_ = godotenv.Load()
	} else if err := godotenv.Load(files...); err != nil {
		return AppConfig{}, err
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}
