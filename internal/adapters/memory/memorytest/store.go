// Package memorytest реализует хранилища domain в памяти процесса для тестов usecase и адаптеров.
// В сервисах не используется: там работает Postgres.
package memorytest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"tg-broadcast-bot/internal/domain"
)

// Store хранит все сущности под одним мьютексом.
type Store struct {
	mu sync.Mutex

	themes     map[int64]domain.Theme
	users      map[int64]domain.User
	tasks      map[int64]domain.BroadcastTask
	deliveries []domain.DeliveryLog
	config     map[string]domain.ConfigEntry

	nextTheme    int64
	nextUser     int64
	nextTask     int64
	nextDelivery int64
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		themes: make(map[int64]domain.Theme),
		users:  make(map[int64]domain.User),
		tasks:  make(map[int64]domain.BroadcastTask),
		config: make(map[string]domain.ConfigEntry),
	}
}

func copyTheme(t domain.Theme) domain.Theme {
	if t.Media != nil {
		m := *t.Media
		t.Media = &m
	}
	if t.ScheduleDate != nil {
		d := *t.ScheduleDate
		t.ScheduleDate = &d
	}
	t.Buttons = append([]domain.Button(nil), t.Buttons...)
	return t
}

func copyUser(u domain.User) domain.User {
	u.Subscriptions = append([]int64(nil), u.Subscriptions...)
	u.ThemeHistory = append([]int64(nil), u.ThemeHistory...)
	if u.LastDeliveryAt != nil {
		at := *u.LastDeliveryAt
		u.LastDeliveryAt = &at
	}
	return u
}

func copyTask(t domain.BroadcastTask) domain.BroadcastTask {
	t.Content = t.Content.Clone()
	t.Recipients = append([]domain.Recipient(nil), t.Recipients...)
	if t.ThemeID != nil {
		id := *t.ThemeID
		t.ThemeID = &id
	}
	if t.Report != nil {
		r := make(domain.DeliveryReport, len(t.Report))
		for k, v := range t.Report {
			if v.Errors != nil {
				errs := make(map[string]int, len(v.Errors))
				for ek, ev := range v.Errors {
					errs[ek] = ev
				}
				v.Errors = errs
			}
			r[k] = v
		}
		t.Report = r
	}
	return t
}

// --- темы ---

// CreateTheme сохраняет тему.
func (s *Store) CreateTheme(_ context.Context, theme domain.Theme) (domain.Theme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTheme++
	theme.ID = s.nextTheme
	now := time.Now().UTC()
	if theme.CreatedAt.IsZero() {
		theme.CreatedAt = now
	}
	theme.UpdatedAt = theme.CreatedAt
	s.themes[theme.ID] = copyTheme(theme)
	return copyTheme(theme), nil
}

// GetTheme возвращает тему по id.
func (s *Store) GetTheme(_ context.Context, id int64) (domain.Theme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.themes[id]
	if !ok {
		return domain.Theme{}, domain.ErrNotFound
	}
	return copyTheme(t), nil
}

func themeMatches(t domain.Theme, f domain.ThemeFilter) bool {
	if !f.IncludeSent && t.IsSent {
		return false
	}
	if f.Scheduled != nil && (t.ScheduleDate != nil) != *f.Scheduled {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		if !strings.Contains(strings.ToLower(t.Title), q) && !strings.Contains(strings.ToLower(t.Text), q) {
			return false
		}
	}
	return true
}

func (s *Store) filterThemes(f domain.ThemeFilter) []domain.Theme {
	var out []domain.Theme
	for _, t := range s.themes {
		if themeMatches(t, f) {
			out = append(out, copyTheme(t))
		}
	}
	return out
}

// ListThemes возвращает темы, новые первыми.
func (s *Store) ListThemes(_ context.Context, f domain.ThemeFilter) ([]domain.Theme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filterThemes(f)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Limit, f.Offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// CountThemes считает темы по фильтру.
func (s *Store) CountThemes(_ context.Context, f domain.ThemeFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filterThemes(f)), nil
}

// ThemeStats возвращает сводку по темам.
func (s *Store) ThemeStats(_ context.Context) (domain.ThemeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st domain.ThemeStats
	for _, t := range s.themes {
		st.Total++
		switch {
		case t.IsSent:
			st.Sent++
		case t.ScheduleDate != nil:
			st.Scheduled++
			st.Pending++
		default:
			st.Queue++
			st.Pending++
		}
	}
	return st, nil
}

// UpdateTheme перезаписывает неотправленную тему.
func (s *Store) UpdateTheme(_ context.Context, theme domain.Theme) (domain.Theme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.themes[theme.ID]
	if !ok {
		return domain.Theme{}, domain.ErrNotFound
	}
	if cur.IsSent {
		return domain.Theme{}, domain.ErrThemeSent
	}
	theme.CreatedAt = cur.CreatedAt
	theme.IsSent = false
	theme.UpdatedAt = time.Now().UTC()
	s.themes[theme.ID] = copyTheme(theme)
	return copyTheme(theme), nil
}

// DeleteTheme удаляет неотправленную тему.
func (s *Store) DeleteTheme(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.themes[id]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.IsSent {
		return domain.ErrThemeSent
	}
	delete(s.themes, id)
	return nil
}

// MarkThemeSent отмечает тему отправленной один раз.
func (s *Store) MarkThemeSent(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.themes[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if cur.IsSent {
		return false, nil
	}
	cur.IsSent = true
	cur.UpdatedAt = at
	s.themes[id] = cur
	return true, nil
}

// NextQueuedTheme возвращает самую старую тему из очереди.
func (s *Store) NextQueuedTheme(_ context.Context, exclude []int64) (domain.Theme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var best *domain.Theme
	for _, t := range s.themes {
		if !t.Queued() {
			continue
		}
		if _, ok := skip[t.ID]; ok {
			continue
		}
		if best == nil || t.CreatedAt.Before(best.CreatedAt) || (t.CreatedAt.Equal(best.CreatedAt) && t.ID < best.ID) {
			c := t
			best = &c
		}
	}
	if best == nil {
		return domain.Theme{}, domain.ErrNotFound
	}
	return copyTheme(*best), nil
}

func sortBySchedule(out []domain.Theme) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduleDate.Equal(*out[j].ScheduleDate) {
			return out[i].ScheduleDate.Before(*out[j].ScheduleDate)
		}
		return out[i].ID < out[j].ID
	})
}

// ThemesScheduledBetween возвращает неотправленные темы с датой в [from, to].
func (s *Store) ThemesScheduledBetween(_ context.Context, from, to time.Time) ([]domain.Theme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Theme
	for _, t := range s.themes {
		if t.IsSent || t.ScheduleDate == nil {
			continue
		}
		if t.ScheduleDate.Before(from) || t.ScheduleDate.After(to) {
			continue
		}
		out = append(out, copyTheme(t))
	}
	sortBySchedule(out)
	return out, nil
}

// OverdueThemes возвращает неотправленные темы с датой раньше asOf.
func (s *Store) OverdueThemes(_ context.Context, asOf time.Time) ([]domain.Theme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Theme
	for _, t := range s.themes {
		if t.IsSent || t.ScheduleDate == nil || !t.ScheduleDate.Before(asOf) {
			continue
		}
		out = append(out, copyTheme(t))
	}
	sortBySchedule(out)
	return out, nil
}

// --- пользователи ---

// UpsertUser создаёт пользователя или обновляет профиль.
func (s *Store) UpsertUser(_ context.Context, p domain.Profile, now time.Time) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.users {
		if u.TGUserID != p.TGUserID {
			continue
		}
		u.Username, u.FirstName, u.LastName = p.Username, p.FirstName, p.LastName
		u.IsActive = true
		s.users[id] = u
		return copyUser(u), false, nil
	}
	s.nextUser++
	u := domain.User{
		ID:           s.nextUser,
		TGUserID:     p.TGUserID,
		Username:     p.Username,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		IsActive:     true,
		RegisteredAt: now,
	}
	s.users[u.ID] = u
	return copyUser(u), true, nil
}

// PutUser добавляет пользователя как есть. Нужен для подготовки данных.
func (s *Store) PutUser(u domain.User) domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		s.nextUser++
		u.ID = s.nextUser
	} else if u.ID > s.nextUser {
		s.nextUser = u.ID
	}
	s.users[u.ID] = copyUser(u)
	return copyUser(u)
}

// GetUserByTGID ищет пользователя по Telegram id.
func (s *Store) GetUserByTGID(_ context.Context, tgUserID int64) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.TGUserID == tgUserID {
			return copyUser(u), nil
		}
	}
	return domain.User{}, domain.ErrNotFound
}

func (s *Store) sortedUsers() []domain.User {
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListUsers возвращает пользователей по фильтру в порядке id.
func (s *Store) ListUsers(_ context.Context, f domain.AudienceFilter) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.User
	for _, u := range s.sortedUsers() {
		if f.Match(u) {
			out = append(out, u)
		}
	}
	return out, nil
}

// CountUsers считает пользователей по фильтру.
func (s *Store) CountUsers(ctx context.Context, f domain.AudienceFilter) (int, error) {
	users, err := s.ListUsers(ctx, f)
	return len(users), err
}

// ListUsersByTGIDs возвращает известных пользователей из списка.
func (s *Store) ListUsersByTGIDs(_ context.Context, ids []int64) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []domain.User
	for _, u := range s.sortedUsers() {
		if _, ok := want[u.TGUserID]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// SetSubscription обновляет статус подписки.
func (s *Store) SetSubscription(_ context.Context, userID int64, subscribed bool, channels []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.IsSubscribed = subscribed
	u.Subscriptions = append([]int64(nil), channels...)
	s.users[userID] = u
	return nil
}

// DeactivateUser снимает флаг активности.
func (s *Store) DeactivateUser(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.IsActive = false
	s.users[userID] = u
	return nil
}

// RecordThemeDelivery обновляет историю тем пользователя.
func (s *Store) RecordThemeDelivery(_ context.Context, userID, themeID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	if themeID != 0 {
		u.ThemeHistory = domain.AppendThemeHistory(u.ThemeHistory, themeID)
	}
	u.LastDeliveryAt = &at
	s.users[userID] = u
	return nil
}

// --- задачи ---

// CreateTask сохраняет задачу в состоянии pending.
func (s *Store) CreateTask(_ context.Context, task domain.BroadcastTask) (domain.BroadcastTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTask++
	task.ID = s.nextTask
	task.Status = domain.TaskPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	s.tasks[task.ID] = copyTask(task)
	return copyTask(task), nil
}

// GetTask возвращает задачу по id.
func (s *Store) GetTask(_ context.Context, id int64) (domain.BroadcastTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.BroadcastTask{}, domain.ErrNotFound
	}
	return copyTask(t), nil
}

// ListTasks возвращает задачи, новые первыми.
func (s *Store) ListTasks(_ context.Context, f domain.TaskFilter) ([]domain.BroadcastTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BroadcastTask
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, f.Limit, f.Offset), nil
}

// StartTask переводит задачу в running, если других выполняющихся нет.
func (s *Store) StartTask(_ context.Context, id int64, at time.Time) (domain.BroadcastTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.BroadcastTask{}, domain.ErrNotFound
	}
	if t.Status != domain.TaskPending {
		return domain.BroadcastTask{}, domain.ErrInvalidTransition
	}
	for _, other := range s.tasks {
		if other.Status == domain.TaskRunning {
			return domain.BroadcastTask{}, domain.ErrTaskRunning
		}
	}
	t.Status = domain.TaskRunning
	t.StartedAt = &at
	s.tasks[id] = t
	return copyTask(t), nil
}

// CompleteTask завершает выполняющуюся задачу.
func (s *Store) CompleteTask(_ context.Context, id int64, counters domain.TaskCounters, report domain.DeliveryReport, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status != domain.TaskRunning {
		return domain.ErrInvalidTransition
	}
	t.Status = domain.TaskCompleted
	t.Counters = counters
	t.Report = report
	t.CompletedAt = &at
	s.tasks[id] = copyTask(t)
	return nil
}

// FailTask переводит незавершённую задачу в failed.
func (s *Store) FailTask(_ context.Context, id int64, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return domain.ErrInvalidTransition
	}
	t.Status = domain.TaskFailed
	t.FailureReason = reason
	t.CompletedAt = &at
	s.tasks[id] = t
	return nil
}

// SetCounters перезаписывает счётчики выполняющейся задачи.
func (s *Store) SetCounters(_ context.Context, id int64, counters domain.TaskCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status != domain.TaskRunning {
		return domain.ErrInvalidTransition
	}
	t.Counters = counters
	s.tasks[id] = t
	return nil
}

// ListDuePendingTasks возвращает задачи pending, время которых наступило.
func (s *Store) ListDuePendingTasks(_ context.Context, asOf time.Time) ([]domain.BroadcastTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BroadcastTask
	for _, t := range s.tasks {
		if t.Status == domain.TaskPending && !t.ScheduledFor.After(asOf) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// HasTask проверяет наличие задачи типа kind в интервале [from, to).
func (s *Store) HasTask(_ context.Context, kind domain.TaskKind, from, to time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Kind == kind && !t.ScheduledFor.Before(from) && t.ScheduledFor.Before(to) {
			return true, nil
		}
	}
	return false, nil
}

// --- журнал доставки ---

// RecordDelivery добавляет запись и обновляет счётчики задачи под одним замком.
func (s *Store) RecordDelivery(_ context.Context, entry domain.DeliveryLog) (domain.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.TaskID != nil {
		for _, d := range s.deliveries {
			if d.TaskID != nil && *d.TaskID == *entry.TaskID && d.UserID == entry.UserID {
				return domain.DeliveryLog{}, domain.ErrDuplicateDelivery
			}
		}
		t, ok := s.tasks[*entry.TaskID]
		if !ok {
			return domain.DeliveryLog{}, domain.ErrNotFound
		}
		if t.Status == domain.TaskRunning {
			t.Counters.Apply(entry.Status)
			s.tasks[t.ID] = t
		}
		id := *entry.TaskID
		entry.TaskID = &id
	}
	s.nextDelivery++
	entry.ID = s.nextDelivery
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now().UTC()
	}
	s.deliveries = append(s.deliveries, entry)
	return entry, nil
}

// ListTaskDeliveries возвращает журнал задачи в порядке записи.
func (s *Store) ListTaskDeliveries(_ context.Context, taskID int64) ([]domain.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeliveryLog
	for _, d := range s.deliveries {
		if d.TaskID != nil && *d.TaskID == taskID {
			out = append(out, d)
		}
	}
	return out, nil
}

// Deliveries возвращает весь журнал.
func (s *Store) Deliveries() []domain.DeliveryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeliveryLog(nil), s.deliveries...)
}

// --- настройки ---

// GetConfig возвращает настройку.
func (s *Store) GetConfig(_ context.Context, key string) (domain.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.config[key]
	if !ok {
		return domain.ConfigEntry{}, domain.ErrNotFound
	}
	return e, nil
}

// SetConfig сохраняет настройку, последняя запись побеждает.
func (s *Store) SetConfig(_ context.Context, e domain.ConfigEntry) (domain.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.config[e.Key]; ok && e.Description == "" {
		e.Description = cur.Description
	}
	e.UpdatedAt = time.Now().UTC()
	s.config[e.Key] = e
	return e, nil
}

// ListConfig возвращает все настройки по ключу.
func (s *Store) ListConfig(_ context.Context) ([]domain.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConfigEntry, 0, len(s.config))
	for _, e := range s.config {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteConfig удаляет настройку.
func (s *Store) DeleteConfig(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.config[key]; !ok {
		return domain.ErrNotFound
	}
	delete(s.config, key)
	return nil
}
