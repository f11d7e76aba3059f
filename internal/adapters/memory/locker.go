// Package memory содержит замок в памяти процесса для запуска без Redis.
package memory

import (
	"context"
	"sync"
	"time"
)

// Locker: замок «один раз на ключ» в памяти процесса.
type Locker struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewLocker создаёт замок.
func NewLocker() *Locker {
	return &Locker{keys: make(map[string]time.Time), now: time.Now}
}

// Once выполняет fn, если ключ свободен или истёк. При ошибке fn ключ освобождается.
func (l *Locker) Once(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l.mu.Lock()
	if exp, ok := l.keys[key]; ok && l.now().Before(exp) {
		l.mu.Unlock()
		return false, nil
	}
	l.keys[key] = l.now().Add(ttl)
	l.mu.Unlock()

	if err := fn(ctx); err != nil {
		l.mu.Lock()
		delete(l.keys, key)
		l.mu.Unlock()
		return true, err
	}
	return true, nil
}
