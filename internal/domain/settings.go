package domain

import "time"

// Ключи настроек в таблице config.
const (
	SettingRequiredChannels     = "required_channels"
	SettingDailyBroadcastTime   = "daily_broadcast_time"
	SettingTimezone             = "timezone"
	SettingRateLimit            = "rate_limit"
	SettingWelcomeMessage       = "welcome_message"
	SettingSubscriptionRequired = "subscription_required_message"
)

// Settings: снимок настроек на момент создания задачи или перезагрузки расписания.
type Settings struct {
	RequiredChannels    []int64
	DailyTime           string
	Location            *time.Location
	RateLimit           int
	WelcomeMessage      string
	SubscriptionMessage string
}
