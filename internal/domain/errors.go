package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound: запись не найдена.
	ErrNotFound = errors.New("не найдено")
	// ErrThemeSent: отправленная тема не изменяется.
	ErrThemeSent = errors.New("тема уже отправлена")
	// ErrTaskRunning: другая задача уже выполняется.
	ErrTaskRunning = errors.New("другая рассылка уже выполняется")
	// ErrTaskFinished: задача уже в конечном состоянии.
	ErrTaskFinished = errors.New("рассылка уже завершена")
	// ErrNotDue: время запуска задачи ещё не наступило.
	ErrNotDue = errors.New("время рассылки ещё не наступило")
	// ErrInvalidTransition: переход между состояниями задачи запрещён.
	ErrInvalidTransition = errors.New("недопустимый переход состояния")
	// ErrInterrupted: рассылка прервана и может быть продолжена.
	ErrInterrupted = errors.New("рассылка прервана")
	// ErrCancelled: рассылку остановил оператор.
	ErrCancelled = errors.New("рассылка остановлена оператором")
	// ErrInvalidContent: содержимое нельзя отправить.
	ErrInvalidContent = errors.New("некорректное содержимое")
	// ErrInvalidAudience: некорректное описание аудитории.
	ErrInvalidAudience = errors.New("некорректная аудитория")
	// ErrDuplicateDelivery: для получателя уже записан исход по этой задаче.
	ErrDuplicateDelivery = errors.New("исход доставки уже записан")
	// ErrInvalidSetting: значение настройки не прошло проверку.
	ErrInvalidSetting = errors.New("некорректное значение настройки")
	// ErrNoTheme: нечего отправлять.
	ErrNoTheme = errors.New("нет темы для рассылки")
)

// TransportErrorKind разделяет ошибки отправки на постоянные и временные.
type TransportErrorKind string

const (
	TransportPermanent TransportErrorKind = "permanent"
	TransportTransient TransportErrorKind = "transient"
)

// TransportReason уточняет причину ошибки отправки.
type TransportReason string

const (
	ReasonBlocked     TransportReason = "blocked"
	ReasonDeactivated TransportReason = "deactivated"
	ReasonNotFound    TransportReason = "not_found"
	ReasonRejected    TransportReason = "rejected"
	ReasonThrottled   TransportReason = "throttled"
	ReasonTimeout     TransportReason = "timeout"
	ReasonUnavailable TransportReason = "unavailable"
)

// TransportError: классифицированная ошибка транспорта.
type TransportError struct {
	Kind       TransportErrorKind
	Reason     TransportReason
	Detail     string
	RetryAfter time.Duration
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Reason, e.Detail)
}

// Permanent сообщает, что повтор бесполезен.
func (e *TransportError) Permanent() bool {
	return e.Kind == TransportPermanent
}

// Unreachable сообщает, что получатель больше недоступен и его нужно деактивировать.
func (e *TransportError) Unreachable() bool {
	if !e.Permanent() {
		return false
	}
	switch e.Reason {
	case ReasonBlocked, ReasonDeactivated, ReasonNotFound:
		return true
	}
	return false
}

// Status возвращает статус журнала для терминальной ошибки.
func (e *TransportError) Status() DeliveryStatus {
	if e.Unreachable() {
		return DeliveryBlocked
	}
	return DeliveryFailed
}

// ClassifyTransportError приводит произвольную ошибку к TransportError.
// Неизвестные ошибки считаются временными.
func ClassifyTransportError(err error) *TransportError {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, ErrInvalidContent) {
		return &TransportError{Kind: TransportPermanent, Reason: ReasonRejected, Detail: err.Error()}
	}
	return &TransportError{Kind: TransportTransient, Reason: ReasonUnavailable, Detail: err.Error()}
}
