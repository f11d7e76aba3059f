package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
)

// API: часть клиента Bot API, которой пользуются адаптеры.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
}

// Transport отправляет содержимое рассылки через Bot API.
type Transport struct {
	api API
	log zerolog.Logger
}

// NewTransport создаёт транспорт.
func NewTransport(api API, logger zerolog.Logger) *Transport {
	return &Transport{api: api, log: logger.With().Str("component", "telegram").Logger()}
}

var _ domain.Transport = (*Transport)(nil)

// Send отправляет сообщение пользователю и возвращает id первого сообщения.
// Длинный текст уходит несколькими сообщениями, клавиатура прикрепляется к последнему.
func (t *Transport) Send(ctx context.Context, tgUserID int64, content domain.Content) (string, error) {
	if err := content.Validate(); err != nil {
		return "", rejected(err.Error())
	}
	var first string
	for i, msg := range render(tgUserID, content) {
		id, err := t.sendOne(ctx, tgUserID, msg, i)
		if err != nil {
			return first, err
		}
		if first == "" {
			first = id
		}
	}
	return first, nil
}

// Parts возвращает число сообщений Bot API, которыми уйдёт content.
func (t *Transport) Parts(content domain.Content) int {
	if content.Validate() != nil {
		return 1
	}
	return len(render(0, content))
}

// SendPart отправляет одну часть содержимого с номером part (с нуля).
// Вместе с Parts позволяет повторять отправку с первой недоставленной части.
func (t *Transport) SendPart(ctx context.Context, tgUserID int64, content domain.Content, part int) (string, error) {
	if err := content.Validate(); err != nil {
		return "", rejected(err.Error())
	}
	msgs := render(tgUserID, content)
	if part < 0 || part >= len(msgs) {
		return "", rejected(fmt.Sprintf("нет части %d из %d", part, len(msgs)))
	}
	return t.sendOne(ctx, tgUserID, msgs[part], part)
}

func (t *Transport) sendOne(ctx context.Context, tgUserID int64, msg tgbotapi.Chattable, part int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &domain.TransportError{Kind: domain.TransportTransient, Reason: domain.ReasonTimeout, Detail: err.Error()}
	}
	start := time.Now()
	sent, err := t.api.Send(msg)
	metrics.ObserveNetworkRequest("telegram", "send", messageTarget(msg), start, err)
	if err != nil {
		te := classifyError(err)
		t.log.Debug().Err(err).Int64("tg_user_id", tgUserID).Int("part", part).Str("reason", string(te.Reason)).Msg("telegram: отправка не удалась")
		return "", te
	}
	return strconv.Itoa(sent.MessageID), nil
}

func rejected(detail string) *domain.TransportError {
	return &domain.TransportError{Kind: domain.TransportPermanent, Reason: domain.ReasonRejected, Detail: detail}
}

// render превращает содержимое в последовательность запросов Bot API.
func render(chatID int64, content domain.Content) []tgbotapi.Chattable {
	body := composeText(content)
	keyboard := buildKeyboard(content.Buttons)

	var out []tgbotapi.Chattable
	var tail []string
	if content.Media != nil {
		caption := content.Media.Caption
		if strings.TrimSpace(caption) == "" {
			caption = body
			body = ""
		}
		var rest []string
		caption, rest = SplitCaption(caption)
		tail = append(rest, SplitMessage(body)...)

		file := tgbotapi.FileID(content.Media.FileID)
		switch content.Media.Kind {
		case domain.MediaVideo:
			v := tgbotapi.NewVideo(chatID, file)
			v.Caption = caption
			if len(tail) == 0 && keyboard != nil {
				v.ReplyMarkup = keyboard
			}
			out = append(out, v)
		default:
			p := tgbotapi.NewPhoto(chatID, file)
			p.Caption = caption
			if len(tail) == 0 && keyboard != nil {
				p.ReplyMarkup = keyboard
			}
			out = append(out, p)
		}
	} else {
		tail = SplitMessage(body)
	}

	for i, part := range tail {
		m := tgbotapi.NewMessage(chatID, part)
		if i == len(tail)-1 && keyboard != nil {
			m.ReplyMarkup = keyboard
		}
		out = append(out, m)
	}
	return out
}

// composeText добавляет заголовок, если текст с него не начинается.
func composeText(c domain.Content) string {
	title := strings.TrimSpace(c.Title)
	text := strings.TrimSpace(c.Text)
	if title == "" || strings.HasPrefix(text, title) {
		return text
	}
	if text == "" {
		return title
	}
	return title + "\n\n" + text
}

// buildKeyboard раскладывает кнопки по рядам в порядке номера ряда.
func buildKeyboard(buttons []domain.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	byRow := make(map[int][]tgbotapi.InlineKeyboardButton)
	var order []int
	for _, b := range buttons {
		if _, ok := byRow[b.Row]; !ok {
			order = append(order, b.Row)
		}
		var btn tgbotapi.InlineKeyboardButton
		if b.URL != "" {
			btn = tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL)
		} else {
			btn = tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data)
		}
		byRow[b.Row] = append(byRow[b.Row], btn)
	}
	sort.Ints(order)
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(order))
	for _, r := range order {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(byRow[r]...))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

func messageTarget(c tgbotapi.Chattable) string {
	switch c.(type) {
	case tgbotapi.PhotoConfig:
		return "photo"
	case tgbotapi.VideoConfig:
		return "video"
	default:
		return "message"
	}
}

// classifyError разбирает ответ Bot API по коду и описанию.
func classifyError(err error) *domain.TransportError {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		var value tgbotapi.Error
		if errors.As(err, &value) {
			apiErr = &value
		}
	}
	if apiErr == nil {
		return networkError(err)
	}

	desc := strings.ToLower(apiErr.Message)
	te := &domain.TransportError{Detail: apiErr.Message}
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		te.Kind, te.Reason = domain.TransportTransient, domain.ReasonThrottled
		if apiErr.RetryAfter > 0 {
			te.RetryAfter = time.Duration(apiErr.RetryAfter) * time.Second
		}
	case apiErr.Code == http.StatusForbidden && strings.Contains(desc, "deactivated"):
		te.Kind, te.Reason = domain.TransportPermanent, domain.ReasonDeactivated
	case apiErr.Code == http.StatusForbidden:
		te.Kind, te.Reason = domain.TransportPermanent, domain.ReasonBlocked
	case apiErr.Code == http.StatusBadRequest && (strings.Contains(desc, "chat not found") || strings.Contains(desc, "user not found")):
		te.Kind, te.Reason = domain.TransportPermanent, domain.ReasonNotFound
	case apiErr.Code == http.StatusBadRequest:
		te.Kind, te.Reason = domain.TransportPermanent, domain.ReasonRejected
	default:
		te.Kind, te.Reason = domain.TransportTransient, domain.ReasonUnavailable
	}
	return te
}

func networkError(err error) *domain.TransportError {
	te := &domain.TransportError{Kind: domain.TransportTransient, Reason: domain.ReasonUnavailable, Detail: err.Error()}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		te.Reason = domain.ReasonTimeout
	}
	return te
}
