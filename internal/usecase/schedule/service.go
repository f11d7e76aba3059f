// Package schedule запускает ежедневную ротацию и служебные обходы по расписанию.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/usecase/rotation"
	"tg-broadcast-bot/internal/usecase/settings"
)

// Rotation: операции ротации, которые запускает планировщик.
type Rotation interface {
	RunDaily(ctx context.Context) (rotation.Result, error)
	SweepOverdue(ctx context.Context) (rotation.SweepResult, error)
}

// DueSource ставит в очередь задачи, время которых наступило.
type DueSource interface {
	EnqueueDue(ctx context.Context) (int, error)
}

// SettingsSource отдаёт снимок настроек.
type SettingsSource interface {
	Snapshot(ctx context.Context) (domain.Settings, error)
}

// Config задаёт интервалы служебных обходов.
type Config struct {
	SweepInterval   time.Duration
	DuePollInterval time.Duration
	JobTimeout      time.Duration
}

// Trigger: планировщик на cron в часовом поясе из настроек.
type Trigger struct {
	mu sync.Mutex

	rotation Rotation
	due      DueSource
	settings SettingsSource
	cfg      Config
	log      zerolog.Logger

	parser  cron.Parser
	c       *cron.Cron
	daily   string
	loc     *time.Location
	dailyID cron.EntryID

	busy map[string]*sync.Mutex

	// отдельный замок: задания читают ctx, пока Reload ждёт их под mu
	ctxMu sync.Mutex
	ctx   context.Context
}

// NewTrigger создаёт планировщик.
func NewTrigger(rot Rotation, due DueSource, src SettingsSource, cfg Config, logger zerolog.Logger) *Trigger {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Minute
	}
	if cfg.DuePollInterval <= 0 {
		cfg.DuePollInterval = 30 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return &Trigger{
		rotation: rot,
		due:      due,
		settings: src,
		cfg:      cfg,
		log:      logger.With().Str("component", "schedule").Logger(),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		busy:     map[string]*sync.Mutex{"daily": {}, "sweep": {}, "due": {}},
	}
}

// Start читает настройки, регистрирует задания и сразу выполняет обход просроченного.
func (t *Trigger) Start(ctx context.Context) error {
	snap, err := t.settings.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("настройки расписания: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return errors.New("планировщик уже запущен")
	}
	t.ctxMu.Lock()
	t.ctx = ctx
	t.ctxMu.Unlock()
	if err := t.startLocked(snap); err != nil {
		return err
	}
	go t.run("sweep", t.sweep)
	return nil
}

// Reload перечитывает время рассылки и часовой пояс и перезапускает cron, если они изменились.
func (t *Trigger) Reload(ctx context.Context) error {
	snap, err := t.settings.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("настройки расписания: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c == nil {
		return errors.New("планировщик не запущен")
	}
	if snap.DailyTime == t.daily && snap.Location.String() == t.loc.String() {
		return nil
	}
	<-t.c.Stop().Done()
	t.c = nil
	return t.startLocked(snap)
}

// Stop останавливает cron и ждёт завершения выполняющихся заданий.
func (t *Trigger) Stop() {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
		t.log.Info().Msg("schedule: планировщик остановлен")
	}
}

// NextDaily возвращает ближайший запуск ежедневной рассылки после after.
func (t *Trigger) NextDaily(after time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c == nil {
		return time.Time{}
	}
	e := t.c.Entry(t.dailyID)
	if !e.Valid() {
		return time.Time{}
	}
	return e.Schedule.Next(after.In(t.loc))
}

func (t *Trigger) startLocked(snap domain.Settings) error {
	loc := snap.Location
	if loc == nil {
		loc = time.UTC
	}
	spec, err := dailySpec(snap.DailyTime)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(t.parser), cron.WithLocation(loc))
	dailyID, err := c.AddFunc(spec, func() { t.run("daily", t.runDaily) })
	if err != nil {
		return fmt.Errorf("ежедневное задание: %w", err)
	}
	if _, err := c.AddFunc("@every "+t.cfg.SweepInterval.String(), func() { t.run("sweep", t.sweep) }); err != nil {
		return fmt.Errorf("обход просроченного: %w", err)
	}
	if t.due != nil {
		if _, err := c.AddFunc("@every "+t.cfg.DuePollInterval.String(), func() { t.run("due", t.enqueueDue) }); err != nil {
			return fmt.Errorf("опрос отложенных задач: %w", err)
		}
	}
	c.Start()
	t.c = c
	t.daily = snap.DailyTime
	t.loc = loc
	t.dailyID = dailyID
	t.log.Info().Str("daily_time", snap.DailyTime).Str("tz", loc.String()).Msg("schedule: планировщик запущен")
	return nil
}

// run не допускает параллельного выполнения одного и того же задания.
func (t *Trigger) run(name string, fn func(ctx context.Context) error) {
	lock := t.busy[name]
	if !lock.TryLock() {
		t.log.Warn().Str("job", name).Msg("schedule: предыдущий запуск ещё выполняется")
		return
	}
	defer lock.Unlock()

	t.ctxMu.Lock()
	base := t.ctx
	t.ctxMu.Unlock()
	if base == nil || base.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, t.cfg.JobTimeout)
	defer cancel()

	started := time.Now()
	if err := fn(ctx); err != nil {
		t.log.Error().Err(err).Str("job", name).Msg("schedule: задание завершилось с ошибкой")
		return
	}
	t.log.Debug().Str("job", name).Dur("took", time.Since(started)).Msg("schedule: задание выполнено")
}

func (t *Trigger) runDaily(ctx context.Context) error {
	_, err := t.rotation.RunDaily(ctx)
	if errors.Is(err, domain.ErrNoTheme) {
		return nil
	}
	return err
}

func (t *Trigger) sweep(ctx context.Context) error {
	_, err := t.rotation.SweepOverdue(ctx)
	return err
}

func (t *Trigger) enqueueDue(ctx context.Context) error {
	n, err := t.due.EnqueueDue(ctx)
	if n > 0 {
		t.log.Info().Int("tasks", n).Msg("schedule: отложенные задачи поставлены в очередь")
	}
	return err
}

func dailySpec(clock string) (string, error) {
	h, m, err := settings.ParseClock(clock)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}
