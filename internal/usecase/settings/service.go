package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"tg-broadcast-bot/internal/domain"
)

// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
var ErrInvalidTimezone = fmt.Errorf("%w: неизвестный часовой пояс", domain.ErrInvalidSetting)

const maxRateLimit = 1000

// Defaults: значения, которые используются, пока ключ не задан в таблице.
type Defaults struct {
	RequiredChannels    string
	DailyTime           string
	Timezone            string
	RateLimit           int
	WelcomeMessage      string
	SubscriptionMessage string
}

// StandardDefaults возвращает значения по умолчанию для нового развёртывания.
func StandardDefaults() Defaults {
	return Defaults{
		RequiredChannels:    "[]",
		DailyTime:           "09:00",
		Timezone:            "Europe/Moscow",
		RateLimit:           30,
		WelcomeMessage:      "Добро пожаловать! Каждый день вы будете получать новую тему.",
		SubscriptionMessage: "Чтобы получать рассылку, подпишитесь на каналы и нажмите «Проверить подписку».",
	}
}

type definition struct {
	value       string
	description string
}

// Service хранит настройки со значениями по умолчанию.
type Service struct {
	repo     domain.ConfigRepo
	defaults map[string]definition
}

// NewService создаёт сервис настроек.
func NewService(repo domain.ConfigRepo, d Defaults) *Service {
	return &Service{
		repo: repo,
		defaults: map[string]definition{
			domain.SettingRequiredChannels:     {d.RequiredChannels, "Список id каналов для обязательной подписки (JSON)"},
			domain.SettingDailyBroadcastTime:   {d.DailyTime, "Время ежедневной рассылки (HH:MM)"},
			domain.SettingTimezone:             {d.Timezone, "Часовой пояс расписания"},
			domain.SettingRateLimit:            {strconv.Itoa(d.RateLimit), "Лимит отправки сообщений в секунду"},
			domain.SettingWelcomeMessage:       {d.WelcomeMessage, "Приветственное сообщение"},
			domain.SettingSubscriptionRequired: {d.SubscriptionMessage, "Сообщение о необходимости подписки"},
		},
	}
}

// Get возвращает значение ключа или значение по умолчанию.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	e, err := s.repo.GetConfig(ctx, key)
	if err == nil {
		return e.Value, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("чтение настройки %s: %w", key, err)
	}
	if def, ok := s.defaults[key]; ok {
		return def.value, nil
	}
	return "", domain.ErrNotFound
}

// Set проверяет и сохраняет значение. Пустое описание не затирает существующее.
func (s *Service) Set(ctx context.Context, key, value, description string) (domain.ConfigEntry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ConfigEntry{}, fmt.Errorf("%w: пустой ключ", domain.ErrInvalidSetting)
	}
	normalized, err := validate(key, value)
	if err != nil {
		return domain.ConfigEntry{}, err
	}
	if description == "" {
		if def, ok := s.defaults[key]; ok {
			description = def.description
		}
	}
	return s.repo.SetConfig(ctx, domain.ConfigEntry{Key: key, Value: normalized, Description: description})
}

// Delete удаляет ключ, после чего снова действует значение по умолчанию.
func (s *Service) Delete(ctx context.Context, key string) error {
	return s.repo.DeleteConfig(ctx, key)
}

// All возвращает все настройки, включая незаданные значения по умолчанию.
func (s *Service) All(ctx context.Context) ([]domain.ConfigEntry, error) {
	stored, err := s.repo.ListConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("список настроек: %w", err)
	}
	have := make(map[string]struct{}, len(stored))
	for _, e := range stored {
		have[e.Key] = struct{}{}
	}
	out := append([]domain.ConfigEntry(nil), stored...)
	for key, def := range s.defaults {
		if _, ok := have[key]; !ok {
			out = append(out, domain.ConfigEntry{Key: key, Value: def.value, Description: def.description})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// InitDefaults записывает значения по умолчанию для отсутствующих ключей.
func (s *Service) InitDefaults(ctx context.Context) (int, error) {
	created := 0
	keys := make([]string, 0, len(s.defaults))
	for key := range s.defaults {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		_, err := s.repo.GetConfig(ctx, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return created, fmt.Errorf("чтение настройки %s: %w", key, err)
		}
		def := s.defaults[key]
		if _, err := s.repo.SetConfig(ctx, domain.ConfigEntry{Key: key, Value: def.value, Description: def.description}); err != nil {
			return created, fmt.Errorf("запись настройки %s: %w", key, err)
		}
		created++
	}
	return created, nil
}

// RateLimit возвращает лимит отправки в секунду. Некорректное значение заменяется значением по умолчанию.
func (s *Service) RateLimit(ctx context.Context) (int, error) {
	raw, err := s.Get(ctx, domain.SettingRateLimit)
	if err != nil {
		return 0, err
	}
	if n, err := parseRate(raw); err == nil {
		return n, nil
	}
	return parseRate(s.defaults[domain.SettingRateLimit].value)
}

// DailyTime возвращает время ежедневной рассылки в формате HH:MM.
func (s *Service) DailyTime(ctx context.Context) (string, error) {
	raw, err := s.Get(ctx, domain.SettingDailyBroadcastTime)
	if err != nil {
		return "", err
	}
	if _, _, err := ParseClock(raw); err == nil {
		return raw, nil
	}
	return s.defaults[domain.SettingDailyBroadcastTime].value, nil
}

// Location возвращает часовой пояс расписания.
func (s *Service) Location(ctx context.Context) (*time.Location, error) {
	raw, err := s.Get(ctx, domain.SettingTimezone)
	if err != nil {
		return nil, err
	}
	if name, err := NormalizeTimezone(raw); err == nil {
		return time.LoadLocation(name)
	}
	return time.LoadLocation(s.defaults[domain.SettingTimezone].value)
}

// RequiredChannels возвращает id каналов для обязательной подписки.
func (s *Service) RequiredChannels(ctx context.Context) ([]int64, error) {
	raw, err := s.Get(ctx, domain.SettingRequiredChannels)
	if err != nil {
		return nil, err
	}
	ids, err := parseChannels(raw)
	if err != nil {
		return nil, nil
	}
	return ids, nil
}

// Snapshot читает все настройки разом.
func (s *Service) Snapshot(ctx context.Context) (domain.Settings, error) {
	var out domain.Settings
	var err error
	if out.RequiredChannels, err = s.RequiredChannels(ctx); err != nil {
		return domain.Settings{}, err
	}
	if out.DailyTime, err = s.DailyTime(ctx); err != nil {
		return domain.Settings{}, err
	}
	if out.Location, err = s.Location(ctx); err != nil {
		return domain.Settings{}, err
	}
	if out.RateLimit, err = s.RateLimit(ctx); err != nil {
		return domain.Settings{}, err
	}
	if out.WelcomeMessage, err = s.Get(ctx, domain.SettingWelcomeMessage); err != nil {
		return domain.Settings{}, err
	}
	if out.SubscriptionMessage, err = s.Get(ctx, domain.SettingSubscriptionRequired); err != nil {
		return domain.Settings{}, err
	}
	return out, nil
}

func validate(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch key {
	case domain.SettingRateLimit:
		n, err := parseRate(value)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(n), nil
	case domain.SettingDailyBroadcastTime:
		h, m, err := ParseClock(value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%02d:%02d", h, m), nil
	case domain.SettingTimezone:
		return NormalizeTimezone(value)
	case domain.SettingRequiredChannels:
		ids, err := parseChannels(value)
		if err != nil {
			return "", err
		}
		b, _ := json.Marshal(ids)
		return string(b), nil
	}
	return value, nil
}

func parseRate(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 || n > maxRateLimit {
		return 0, fmt.Errorf("%w: rate_limit должен быть числом от 1 до %d", domain.ErrInvalidSetting, maxRateLimit)
	}
	return n, nil
}

func parseChannels(raw string) ([]int64, error) {
	ids := []int64{}
	if strings.TrimSpace(raw) == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("%w: required_channels должен быть JSON-массивом id: %v", domain.ErrInvalidSetting, err)
	}
	return ids, nil
}

// ParseClock разбирает время суток в формате HH:MM.
func ParseClock(raw string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: время должно быть в формате HH:MM", domain.ErrInvalidSetting)
	}
	return t.Hour(), t.Minute(), nil
}

// NormalizeTimezone приводит название часового пояса к виду IANA, исправляя регистр и пробелы.
func NormalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrInvalidTimezone
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil {
		return candidate, nil
	}

	lower := strings.ToLower(candidate)
	parts := strings.Split(lower, "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil {
		return normalized, nil
	}
	return "", ErrInvalidTimezone
}
