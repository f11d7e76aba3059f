package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"tg-broadcast-bot/internal/infra/metrics"
)

// Gate допускает не больше perSecond отправок в любом секундном окне.
// Ёмкость корзины равна одному токену, поэтому соседние допуски разнесены минимум на 1/perSecond.
// Допуск нужен на каждое сообщение провайдера: координатор берёт его на первую часть,
// воркеры на продолжения, поэтому Wait безопасен для конкурентного вызова.
type Gate struct {
	// sem сериализует ожидающих: интервал от last должен проверяться одним вызовом за раз
	sem      chan struct{}
	lim      *rate.Limiter
	interval time.Duration
	last     time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGate создаёт гейт на perSecond отправок в секунду.
func NewGate(perSecond int) *Gate {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Gate{
		sem:      make(chan struct{}, 1),
		lim:      rate.NewLimiter(rate.Limit(perSecond), 1),
		// округление вверх: perSecond интервалов не должны уложиться меньше чем в секунду
		interval: (time.Second + time.Duration(perSecond) - 1) / time.Duration(perSecond),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Wait блокируется до допуска очередной отправки и возвращает момент допуска.
func (g *Gate) Wait(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
	defer func() { <-g.sem }()

	start := g.now()
	res := g.lim.ReserveN(start, 1)
	if !res.OK() {
		return time.Time{}, errors.New("gate: резервирование невозможно")
	}
	delay := res.DelayFrom(start)
	for {
		if err := g.sleep(ctx, delay); err != nil {
			res.CancelAt(g.now())
			return time.Time{}, err
		}
		now := g.now()
		// после позднего пробуждения таймера интервал считается от фактического допуска
		if g.last.IsZero() || now.Sub(g.last) >= g.interval {
			g.last = now
			metrics.RateGateWaitSeconds.Observe(now.Sub(start).Seconds())
			return now, nil
		}
		delay = g.last.Add(g.interval).Sub(now)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
