package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ThemeHistoryLimit ограничивает историю тем пользователя.
const ThemeHistoryLimit = 100

// MediaKind задаёт тип вложения темы.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Media описывает вложение, уже загруженное в Telegram (file_id).
type Media struct {
	Kind    MediaKind `json:"type"`
	FileID  string    `json:"file_id"`
	Caption string    `json:"caption,omitempty"`
}

// Validate проверяет вложение.
func (m Media) Validate() error {
	switch m.Kind {
	case MediaPhoto, MediaVideo:
	default:
		return fmt.Errorf("%w: неизвестный тип вложения %q", ErrInvalidContent, m.Kind)
	}
	if strings.TrimSpace(m.FileID) == "" {
		return fmt.Errorf("%w: у вложения нет file_id", ErrInvalidContent)
	}
	return nil
}

// Button описывает inline-кнопку. Заполняется ровно одно из URL или Data.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
	Data string `json:"callback_data,omitempty"`
	Row  int    `json:"row,omitempty"`
}

// Validate проверяет кнопку.
func (b Button) Validate() error {
	if strings.TrimSpace(b.Text) == "" {
		return fmt.Errorf("%w: у кнопки нет текста", ErrInvalidContent)
	}
	if (b.URL == "") == (b.Data == "") {
		return fmt.Errorf("%w: кнопка %q должна содержать либо url, либо callback_data", ErrInvalidContent, b.Text)
	}
	if utf8.RuneCountInString(b.Data) > 64 {
		return fmt.Errorf("%w: callback_data кнопки %q длиннее 64 символов", ErrInvalidContent, b.Text)
	}
	if b.Row < 0 {
		return fmt.Errorf("%w: отрицательный номер ряда у кнопки %q", ErrInvalidContent, b.Text)
	}
	return nil
}

// Content: снимок содержимого рассылки.
type Content struct {
	Title   string   `json:"title"`
	Text    string   `json:"text"`
	Media   *Media   `json:"media,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Validate проверяет, что содержимое можно отправить.
func (c Content) Validate() error {
	if strings.TrimSpace(c.Text) == "" && c.Media == nil {
		return fmt.Errorf("%w: пустое сообщение", ErrInvalidContent)
	}
	if c.Media != nil {
		if err := c.Media.Validate(); err != nil {
			return err
		}
	}
	for _, b := range c.Buttons {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone возвращает копию без общих ссылок.
func (c Content) Clone() Content {
	if c.Media != nil {
		m := *c.Media
		c.Media = &m
	}
	if len(c.Buttons) > 0 {
		c.Buttons = append([]Button(nil), c.Buttons...)
	}
	return c
}

// Theme: единица контента для рассылки.
type Theme struct {
	ID           int64
	Title        string
	Text         string
	Media        *Media
	Buttons      []Button
	ScheduleDate *time.Time
	IsSent       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Queued сообщает, стоит ли тема в общей очереди (без даты).
func (t Theme) Queued() bool {
	return !t.IsSent && t.ScheduleDate == nil
}

// Snapshot копирует содержимое темы для задачи рассылки.
func (t Theme) Snapshot() Content {
	return Content{Title: t.Title, Text: t.Text, Media: t.Media, Buttons: t.Buttons}.Clone()
}

// User: получатель рассылок.
type User struct {
	ID             int64
	TGUserID       int64
	Username       string
	FirstName      string
	LastName       string
	IsActive       bool
	IsSubscribed   bool
	Subscriptions  []int64
	ThemeHistory   []int64
	RegisteredAt   time.Time
	LastDeliveryAt *time.Time
}

// Profile содержит поля профиля, которые обновляются при каждом обращении.
type Profile struct {
	TGUserID  int64
	Username  string
	FirstName string
	LastName  string
}

// AppendThemeHistory добавляет тему в историю без повторов, вытесняя самые старые записи.
func AppendThemeHistory(history []int64, themeID int64) []int64 {
	for _, id := range history {
		if id == themeID {
			return history
		}
	}
	out := append(append([]int64(nil), history...), themeID)
	if len(out) > ThemeHistoryLimit {
		out = out[len(out)-ThemeHistoryLimit:]
	}
	return out
}

// Seen сообщает, получал ли пользователь тему.
func (u User) Seen(themeID int64) bool {
	for _, id := range u.ThemeHistory {
		if id == themeID {
			return true
		}
	}
	return false
}

// Recipient: получатель в зафиксированной аудитории задачи.
type Recipient struct {
	UserID   int64 `json:"user_id"`
	TGUserID int64 `json:"tg_user_id"`
}

// AudienceKind задаёт способ выбора аудитории.
type AudienceKind string

const (
	AudienceAllSubscribedActive AudienceKind = "all_subscribed_active"
	AudienceExplicit            AudienceKind = "explicit"
	AudienceByFilter            AudienceKind = "filter"
)

// AudienceFilter описывает выборку пользователей. Пустые поля не ограничивают выборку.
type AudienceFilter struct {
	Subscribed       *bool      `json:"subscribed,omitempty"`
	Active           *bool      `json:"active,omitempty"`
	ChannelID        int64      `json:"channel_id,omitempty"`
	RegisteredAfter  *time.Time `json:"registered_after,omitempty"`
	RegisteredBefore *time.Time `json:"registered_before,omitempty"`
	NotSeenThemeID   int64      `json:"not_seen_theme_id,omitempty"`
}

// Match проверяет пользователя на соответствие фильтру.
func (f AudienceFilter) Match(u User) bool {
	if f.Subscribed != nil && u.IsSubscribed != *f.Subscribed {
		return false
	}
	if f.Active != nil && u.IsActive != *f.Active {
		return false
	}
	if f.ChannelID != 0 {
		found := false
		for _, ch := range u.Subscriptions {
			if ch == f.ChannelID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RegisteredAfter != nil && !u.RegisteredAt.After(*f.RegisteredAfter) {
		return false
	}
	if f.RegisteredBefore != nil && !u.RegisteredAt.Before(*f.RegisteredBefore) {
		return false
	}
	if f.NotSeenThemeID != 0 && u.Seen(f.NotSeenThemeID) {
		return false
	}
	return true
}

// AudienceSpec: описание аудитории рассылки.
type AudienceSpec struct {
	Kind      AudienceKind    `json:"kind"`
	TGUserIDs []int64         `json:"tg_user_ids,omitempty"`
	Filter    *AudienceFilter `json:"filter,omitempty"`
}

// Validate проверяет описание аудитории.
func (a AudienceSpec) Validate() error {
	switch a.Kind {
	case AudienceAllSubscribedActive:
		return nil
	case AudienceExplicit:
		if len(a.TGUserIDs) == 0 {
			return fmt.Errorf("%w: пустой список получателей", ErrInvalidAudience)
		}
		return nil
	case AudienceByFilter:
		if a.Filter == nil {
			return fmt.Errorf("%w: не задан фильтр", ErrInvalidAudience)
		}
		return nil
	default:
		return fmt.Errorf("%w: неизвестный тип аудитории %q", ErrInvalidAudience, a.Kind)
	}
}

// TaskKind: тип задачи рассылки.
type TaskKind string

const (
	TaskDaily  TaskKind = "daily"
	TaskManual TaskKind = "manual"
)

// TaskStatus: состояние задачи рассылки.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal сообщает, что задача больше не меняется.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskCounters: счётчики задачи.
type TaskCounters struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Apply учитывает один терминальный исход.
func (c *TaskCounters) Apply(status DeliveryStatus) {
	c.Attempted++
	if status.Delivered() {
		c.Delivered++
	} else {
		c.Failed++
	}
}

// ReportEntry агрегирует исходы одного статуса.
type ReportEntry struct {
	Count  int            `json:"count"`
	Errors map[string]int `json:"errors,omitempty"`
}

// DeliveryReport: отчёт по задаче в разрезе статусов доставки.
type DeliveryReport map[DeliveryStatus]ReportEntry

// Add учитывает запись журнала в отчёте.
func (r DeliveryReport) Add(status DeliveryStatus, detail string) {
	e := r[status]
	e.Count++
	if detail != "" {
		if e.Errors == nil {
			e.Errors = make(map[string]int)
		}
		e.Errors[detail]++
	}
	r[status] = e
}

// BroadcastTask: одна кампания рассылки.
type BroadcastTask struct {
	ID            int64
	Kind          TaskKind
	ThemeID       *int64
	Content       Content
	Audience      AudienceSpec
	Recipients    []Recipient
	RateLimit     int
	ScheduledFor  time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Status        TaskStatus
	Counters      TaskCounters
	Report        DeliveryReport
	FailureReason string
	CreatedAt     time.Time
}

// MessageKind возвращает тег сообщения для журнала доставки.
func (t BroadcastTask) MessageKind() MessageKind {
	if t.Kind == TaskDaily {
		return MessageDailyTheme
	}
	return MessageBroadcast
}

// MessageKind: тег сообщения в журнале доставки.
type MessageKind string

const (
	MessageDailyTheme        MessageKind = "daily_theme"
	MessageBroadcast         MessageKind = "broadcast"
	MessageSubscriptionCheck MessageKind = "subscription_check"
)

// DeliveryStatus: исход отправки.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryBlocked   DeliveryStatus = "blocked"
)

// Delivered сообщает, считается ли исход успешным.
func (s DeliveryStatus) Delivered() bool {
	return s == DeliverySent || s == DeliveryDelivered
}

// DeliveryLog: неизменяемая запись об исходе отправки.
type DeliveryLog struct {
	ID       int64
	TaskID   *int64
	UserID   int64
	TGUserID int64
	Kind     MessageKind
	Status   DeliveryStatus
	Error    string
	SentAt   time.Time
}

// ConfigEntry: запись настроек.
type ConfigEntry struct {
	Key         string
	Value       string
	Description string
	UpdatedAt   time.Time
}
