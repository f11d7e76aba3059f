package dispatch

import "time"

// Backoff задаёт паузу перед повтором после временной ошибки.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay возвращает паузу после неудачной попытки с номером attempt (с единицы).
// Пауза растёт как Base*2^(attempt-1) и ограничена Max. retryAfter провайдера имеет приоритет, если он больше.
func (b Backoff) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}
