package domain

import (
	"context"
	"time"
)

// ThemeFilter задаёт выборку тем для списков и поиска.
type ThemeFilter struct {
	IncludeSent bool
	// Scheduled: nil означает все темы, true только с датой, false только очередь.
	Scheduled *bool
	Query     string
	Limit     int
	Offset    int
}

// ThemeStats: сводка по темам.
type ThemeStats struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Scheduled int `json:"scheduled"`
	Queue     int `json:"queue"`
	Pending   int `json:"pending"`
}

// ThemeRepo хранит темы.
type ThemeRepo interface {
	CreateTheme(ctx context.Context, theme Theme) (Theme, error)
	GetTheme(ctx context.Context, id int64) (Theme, error)
	ListThemes(ctx context.Context, filter ThemeFilter) ([]Theme, error)
	CountThemes(ctx context.Context, filter ThemeFilter) (int, error)
	ThemeStats(ctx context.Context) (ThemeStats, error)
	// UpdateTheme перезаписывает неотправленную тему, для отправленной возвращает ErrThemeSent.
	UpdateTheme(ctx context.Context, theme Theme) (Theme, error)
	DeleteTheme(ctx context.Context, id int64) error
	// MarkThemeSent переводит тему в отправленные. Возвращает false, если тема уже была отправлена.
	MarkThemeSent(ctx context.Context, id int64, at time.Time) (bool, error)
	NextQueuedTheme(ctx context.Context, exclude []int64) (Theme, error)
	// ThemesScheduledBetween возвращает неотправленные темы с датой в [from, to].
	ThemesScheduledBetween(ctx context.Context, from, to time.Time) ([]Theme, error)
	// OverdueThemes возвращает неотправленные темы с датой строго раньше asOf.
	OverdueThemes(ctx context.Context, asOf time.Time) ([]Theme, error)
}

// UserRepo управляет пользователями.
type UserRepo interface {
	// UpsertUser создаёт пользователя при первом обращении или обновляет профиль.
	UpsertUser(ctx context.Context, profile Profile, now time.Time) (User, bool, error)
	GetUserByTGID(ctx context.Context, tgUserID int64) (User, error)
	// ListUsers возвращает пользователей по фильтру в порядке id.
	ListUsers(ctx context.Context, filter AudienceFilter) ([]User, error)
	CountUsers(ctx context.Context, filter AudienceFilter) (int, error)
	ListUsersByTGIDs(ctx context.Context, tgUserIDs []int64) ([]User, error)
	SetSubscription(ctx context.Context, userID int64, subscribed bool, channels []int64) error
	DeactivateUser(ctx context.Context, userID int64) error
	// RecordThemeDelivery обновляет историю тем и время последней доставки. themeID 0 означает рассылку без темы.
	RecordThemeDelivery(ctx context.Context, userID, themeID int64, at time.Time) error
}

// TaskFilter задаёт выборку задач.
type TaskFilter struct {
	Status TaskStatus
	Kind   TaskKind
	Limit  int
	Offset int
}

// TaskRepo хранит задачи рассылки.
type TaskRepo interface {
	CreateTask(ctx context.Context, task BroadcastTask) (BroadcastTask, error)
	GetTask(ctx context.Context, id int64) (BroadcastTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]BroadcastTask, error)
	// StartTask переводит задачу pending → running. Если выполняется другая задача, возвращает ErrTaskRunning.
	StartTask(ctx context.Context, id int64, at time.Time) (BroadcastTask, error)
	CompleteTask(ctx context.Context, id int64, counters TaskCounters, report DeliveryReport, at time.Time) error
	FailTask(ctx context.Context, id int64, reason string, at time.Time) error
	// SetCounters перезаписывает счётчики выполняющейся задачи.
	SetCounters(ctx context.Context, id int64, counters TaskCounters) error
	ListDuePendingTasks(ctx context.Context, asOf time.Time) ([]BroadcastTask, error)
	// HasTask сообщает, есть ли задача указанного типа с плановым временем в [from, to).
	HasTask(ctx context.Context, kind TaskKind, from, to time.Time) (bool, error)
}

// DeliveryRepo хранит журнал доставки.
type DeliveryRepo interface {
	// RecordDelivery добавляет запись и в той же транзакции увеличивает счётчики задачи.
	// Повторная запись по (задача, пользователь) возвращает ErrDuplicateDelivery.
	RecordDelivery(ctx context.Context, entry DeliveryLog) (DeliveryLog, error)
	ListTaskDeliveries(ctx context.Context, taskID int64) ([]DeliveryLog, error)
}

// ConfigRepo хранит настройки.
type ConfigRepo interface {
	GetConfig(ctx context.Context, key string) (ConfigEntry, error)
	SetConfig(ctx context.Context, entry ConfigEntry) (ConfigEntry, error)
	ListConfig(ctx context.Context) ([]ConfigEntry, error)
	DeleteConfig(ctx context.Context, key string) error
}

// Transport отправляет одно сообщение получателю и возвращает id сообщения у провайдера.
// Ошибки классифицируются как *TransportError.
type Transport interface {
	Send(ctx context.Context, tgUserID int64, content Content) (string, error)
}

// SubscriptionVerifier проверяет членство пользователя в канале.
type SubscriptionVerifier interface {
	IsMember(ctx context.Context, channelID, tgUserID int64) (bool, error)
}

// Locker выполняет функцию не чаще одного раза на ключ в пределах ttl.
// Возвращает false, если ключ уже занят.
type Locker interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}
