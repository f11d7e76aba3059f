package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
	"tg-broadcast-bot/internal/usecase/delivery"
)

// Recorder записывает терминальные исходы.
type Recorder interface {
	Record(ctx context.Context, o delivery.Outcome) (bool, error)
}

// PartSender реализуют транспорты, у которых одно содержимое уходит несколькими сообщениями
// провайдера. Диспетчер берёт допуск гейта на каждую часть и при повторе продолжает
// с первой недоставленной.
type PartSender interface {
	Parts(content domain.Content) int
	SendPart(ctx context.Context, tgUserID int64, content domain.Content, part int) (string, error)
}

// Config задаёт параметры пула отправки.
type Config struct {
	Workers     int
	MaxAttempts int
	Backoff     Backoff
	SendTimeout time.Duration
}

// DefaultConfig возвращает параметры по умолчанию: 3 попытки, пауза от 1s до 30s.
func DefaultConfig() Config {
	return Config{
		Workers:     8,
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Second, Max: 30 * time.Second},
		SendTimeout: 15 * time.Second,
	}
}

// Job: один проход рассылки по аудитории.
type Job struct {
	TaskID     *int64
	ThemeID    int64
	Kind       domain.MessageKind
	Content    domain.Content
	Recipients []domain.Recipient
	RateLimit  int
}

// Summary: итог прохода.
type Summary struct {
	Sent        int
	Blocked     int
	Failed      int
	Duplicates  int
	Retries     int
	Abandoned   int
	Interrupted bool
}

// Dispatcher рассылает сообщение по списку получателей с ограничением скорости.
type Dispatcher struct {
	transport domain.Transport
	recorder  Recorder
	users     domain.UserRepo
	cfg       Config
	log       zerolog.Logger

	newGate func(perSecond int) *Gate
}

// New создаёт диспетчер.
func New(transport domain.Transport, recorder Recorder, users domain.UserRepo, cfg Config, logger zerolog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Dispatcher{
		transport: transport,
		recorder:  recorder,
		users:     users,
		cfg:       cfg,
		log:       logger.With().Str("component", "dispatcher").Logger(),
		newGate:   NewGate,
	}
}

// attempt: состояние отправки одному получателю.
type attempt struct {
	recipient domain.Recipient
	n         int
	notBefore time.Time
	// part: первая часть, которую получатель ещё не получил
	part int
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeBlocked
	outcomeFailed
	outcomeDuplicate
	outcomeRetry
)

type result struct {
	attempt attempt
	outcome outcome
	terr    *domain.TransportError
	err     error
}

// Dispatch отправляет job.Content всем получателям в порядке списка.
// Отмена ctx останавливает выдачу новых отправок: начатые завершаются, остальные остаются без исхода,
// а Summary.Interrupted = true. Ошибка записи в хранилище прерывает проход и возвращается как ошибка.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) (Summary, error) {
	var sum Summary
	if len(job.Recipients) == 0 {
		return sum, nil
	}
	started := time.Now()
	defer func() { metrics.DispatchSeconds.Observe(time.Since(started).Seconds()) }()

	gate := d.newGate(job.RateLimit)
	queue := make([]attempt, 0, len(job.Recipients))
	for _, r := range job.Recipients {
		queue = append(queue, attempt{recipient: r, n: 1})
	}

	work := make(chan attempt)
	results := make(chan result, d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		go func() {
			for a := range work {
				results <- d.send(ctx, gate, job, a)
			}
		}()
	}
	defer close(work)

	inflight := 0
	var fatal error
	stopping := false

	handle := func(r result) {
		inflight--
		switch r.outcome {
		case outcomeSent:
			sum.Sent++
		case outcomeBlocked:
			sum.Blocked++
		case outcomeFailed:
			sum.Failed++
		case outcomeDuplicate:
			sum.Duplicates++
		case outcomeRetry:
			sum.Retries++
			next := r.attempt
			next.n++
			next.notBefore = time.Now().Add(d.cfg.Backoff.Delay(r.attempt.n, r.terr.RetryAfter))
			// повтор встаёт в конец той же очереди и не обгоняет новых получателей
			queue = append(queue, next)
		}
		if r.err != nil && fatal == nil {
			fatal = r.err
			stopping = true
		}
	}

	for {
		if !stopping && ctx.Err() != nil {
			stopping = true
		}
		if stopping || len(queue) == 0 {
			if inflight == 0 {
				break
			}
			handle(<-results)
			continue
		}
		if inflight >= d.cfg.Workers {
			select {
			case r := <-results:
				handle(r)
			case <-ctx.Done():
			}
			continue
		}

		idx, wait := nextEligible(queue, time.Now())
		if idx < 0 {
			timer := time.NewTimer(wait)
			select {
			case r := <-results:
				handle(r)
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
			continue
		}

		if _, err := gate.Wait(ctx); err != nil {
			continue
		}
		a := queue[idx]
		queue = append(queue[:idx], queue[idx+1:]...)
		inflight++
		work <- a
	}

	sum.Abandoned = len(queue)
	if fatal != nil {
		return sum, fatal
	}
	if sum.Abandoned > 0 {
		sum.Interrupted = true
		d.log.Warn().Int("abandoned", sum.Abandoned).Msg("dispatcher: проход прерван, оставшиеся получатели будут отправлены при возобновлении")
	}
	return sum, nil
}

// nextEligible возвращает индекс первой записи, которую уже можно отправлять,
// иначе -1 и время до ближайшей.
func nextEligible(queue []attempt, now time.Time) (int, time.Duration) {
	var soonest time.Duration = -1
	for i, a := range queue {
		if !a.notBefore.After(now) {
			return i, 0
		}
		if wait := a.notBefore.Sub(now); soonest < 0 || wait < soonest {
			soonest = wait
		}
	}
	return -1, soonest
}

// send выполняет одну попытку и, если исход терминальный, записывает его.
// Попытка не прерывается отменой рассылки: каждое сообщение ограничено только SendTimeout.
func (d *Dispatcher) send(parent context.Context, gate *Gate, job Job, a attempt) result {
	ctx := context.WithoutCancel(parent)
	metrics.SendsInFlight.Inc()
	part, err := d.deliver(ctx, gate, job, a)
	metrics.SendsInFlight.Dec()
	a.part = part

	logger := d.log.With().Int64("user_id", a.recipient.UserID).Int("attempt", a.n).Logger()
	if job.TaskID != nil {
		logger = logger.With().Int64("task_id", *job.TaskID).Logger()
	}

	if err == nil {
		return d.finish(ctx, logger, job, a, domain.DeliverySent, "", outcomeSent)
	}

	terr := domain.ClassifyTransportError(err)
	if !terr.Permanent() {
		if a.n < d.cfg.MaxAttempts {
			metrics.IncRetry(string(terr.Reason))
			return result{attempt: a, outcome: outcomeRetry, terr: terr}
		}
		return d.finish(ctx, logger, job, a, domain.DeliveryFailed, terr.Detail, outcomeFailed)
	}

	if terr.Unreachable() {
		if derr := d.users.DeactivateUser(ctx, a.recipient.UserID); derr != nil {
			logger.Error().Err(derr).Msg("dispatcher: не удалось деактивировать пользователя")
		}
		return d.finish(ctx, logger, job, a, domain.DeliveryBlocked, terr.Detail, outcomeBlocked)
	}
	return d.finish(ctx, logger, job, a, domain.DeliveryFailed, terr.Detail, outcomeFailed)
}

// deliver отправляет содержимое начиная с части a.part и возвращает номер первой недоставленной части.
// Допуск на первое сообщение попытки уже выдан координатором, каждое следующее ждёт гейт.
func (d *Dispatcher) deliver(ctx context.Context, gate *Gate, job Job, a attempt) (int, error) {
	ps, ok := d.transport.(PartSender)
	if !ok {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
		_, err := d.transport.Send(sendCtx, a.recipient.TGUserID, job.Content)
		return a.part, err
	}
	total := ps.Parts(job.Content)
	part := a.part
	for ; part < total; part++ {
		if part > a.part {
			if _, err := gate.Wait(ctx); err != nil {
				return part, err
			}
		}
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		_, err := ps.SendPart(sendCtx, a.recipient.TGUserID, job.Content, part)
		cancel()
		if err != nil {
			return part, err
		}
	}
	return part, nil
}

func (d *Dispatcher) finish(ctx context.Context, logger zerolog.Logger, job Job, a attempt, status domain.DeliveryStatus, detail string, out outcome) result {
	now := time.Now().UTC()
	recorded, err := d.recorder.Record(ctx, delivery.Outcome{
		TaskID:    job.TaskID,
		Recipient: a.recipient,
		Kind:      job.Kind,
		Status:    status,
		Detail:    detail,
		At:        now,
	})
	if err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("dispatcher: не удалось записать исход")
		return result{attempt: a, outcome: out, err: fmt.Errorf("получатель %d: %w", a.recipient.UserID, err)}
	}
	if !recorded {
		logger.Warn().Msg("dispatcher: исход уже записан ранее")
		return result{attempt: a, outcome: outcomeDuplicate}
	}
	if status.Delivered() {
		if err := d.users.RecordThemeDelivery(ctx, a.recipient.UserID, job.ThemeID, now); err != nil && !errors.Is(err, domain.ErrNotFound) {
			logger.Error().Err(err).Msg("dispatcher: не удалось обновить историю тем")
		}
	}
	ev := logger.Debug()
	if !status.Delivered() {
		ev = logger.Info()
	}
	ev.Str("status", string(status)).Str("detail", detail).Msg("dispatcher: исход доставки")
	return result{attempt: a, outcome: out}
}
