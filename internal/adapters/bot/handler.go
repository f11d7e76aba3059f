package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
	"tg-broadcast-bot/internal/usecase/delivery"
	"tg-broadcast-bot/internal/usecase/users"
)

// CheckSubscriptionData: callback_data кнопки «Проверить подписку».
const CheckSubscriptionData = "check_subscription"

// Callbacks отвечает на нажатия inline-кнопок.
type Callbacks interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// ChannelLinks возвращает ссылку на канал для кнопки подписки.
type ChannelLinks interface {
	ChannelLink(ctx context.Context, channelID int64) (string, error)
}

// SettingsSource отдаёт текущие настройки.
type SettingsSource interface {
	Snapshot(ctx context.Context) (domain.Settings, error)
}

// Handler обрабатывает апдейты бота: регистрацию и проверку подписки.
type Handler struct {
	users     *users.Service
	settings  SettingsSource
	transport domain.Transport
	tracker   *delivery.Tracker
	links     ChannelLinks
	callbacks Callbacks
	log       zerolog.Logger
}

// NewHandler создаёт обработчик.
func NewHandler(userSvc *users.Service, src SettingsSource, transport domain.Transport, tracker *delivery.Tracker, links ChannelLinks, callbacks Callbacks, log zerolog.Logger) *Handler {
	return &Handler{
		users:     userSvc,
		settings:  src,
		transport: transport,
		tracker:   tracker,
		links:     links,
		callbacks: callbacks,
		log:       log.With().Str("component", "bot").Logger(),
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/start") {
		return
	}
	if err := h.greet(ctx, msg.From); err != nil {
		h.log.Error().Err(err).Int64("tg_user_id", msg.From.ID).Msg("bot: /start не обработан")
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	h.answer(cb.ID)
	if cb.Data != CheckSubscriptionData || cb.From == nil {
		return
	}
	if err := h.greet(ctx, cb.From); err != nil {
		h.log.Error().Err(err).Int64("tg_user_id", cb.From.ID).Msg("bot: проверка подписки не обработана")
	}
}

func (h *Handler) answer(id string) {
	if h.callbacks == nil || id == "" {
		return
	}
	start := time.Now()
	_, err := h.callbacks.Request(tgbotapi.NewCallback(id, ""))
	metrics.ObserveNetworkRequest("telegram", "answer_callback", "callback", start, err)
	if err != nil {
		h.log.Warn().Err(err).Msg("bot: ответ на callback не отправлен")
	}
}

// greet регистрирует пользователя, обновляет подписку и отвечает приветствием
// или просьбой подписаться. Ответ пишется в журнал как subscription_check.
func (h *Handler) greet(ctx context.Context, from *tgbotapi.User) error {
	u, _, err := h.users.Touch(ctx, domain.Profile{
		TGUserID:  from.ID,
		Username:  from.UserName,
		FirstName: from.FirstName,
		LastName:  from.LastName,
	})
	if err != nil {
		return err
	}
	u, missing, err := h.users.RefreshSubscription(ctx, u)
	if err != nil {
		return err
	}
	st, err := h.settings.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("настройки: %w", err)
	}

	content := domain.Content{Text: st.WelcomeMessage}
	if len(missing) > 0 {
		content = h.subscriptionContent(ctx, st.SubscriptionMessage, missing)
	}
	return h.reply(ctx, u, content)
}

func (h *Handler) subscriptionContent(ctx context.Context, text string, missing []int64) domain.Content {
	content := domain.Content{Text: text}
	for i, ch := range missing {
		if h.links == nil {
			break
		}
		link, err := h.links.ChannelLink(ctx, ch)
		if err != nil {
			h.log.Warn().Err(err).Int64("channel_id", ch).Msg("bot: нет ссылки на канал")
			continue
		}
		content.Buttons = append(content.Buttons, domain.Button{
			Text: fmt.Sprintf("Канал %d", i+1),
			URL:  link,
			Row:  i,
		})
	}
	content.Buttons = append(content.Buttons, domain.Button{
		Text: "Проверить подписку",
		Data: CheckSubscriptionData,
		Row:  len(missing),
	})
	return content
}

func (h *Handler) reply(ctx context.Context, u domain.User, content domain.Content) error {
	outcome := delivery.Outcome{
		Recipient: domain.Recipient{UserID: u.ID, TGUserID: u.TGUserID},
		Kind:      domain.MessageSubscriptionCheck,
		Status:    domain.DeliverySent,
	}
	_, sendErr := h.transport.Send(ctx, u.TGUserID, content)
	if sendErr != nil {
		te := domain.ClassifyTransportError(sendErr)
		outcome.Status = te.Status()
		outcome.Detail = te.Error()
	}
	if _, err := h.tracker.Record(ctx, outcome); err != nil {
		h.log.Warn().Err(err).Int64("tg_user_id", u.TGUserID).Msg("bot: ответ не записан в журнал")
	}
	if sendErr != nil {
		return fmt.Errorf("ответ пользователю: %w", sendErr)
	}
	return nil
}
