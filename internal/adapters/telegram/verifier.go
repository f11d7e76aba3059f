package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
)

// Verifier проверяет подписку через getChatMember. Бот должен быть администратором канала.
type Verifier struct {
	api API
}

// NewVerifier создаёт проверку подписки.
func NewVerifier(api API) *Verifier {
	return &Verifier{api: api}
}

var _ domain.SubscriptionVerifier = (*Verifier)(nil)

// IsMember сообщает, состоит ли пользователь в канале.
func (v *Verifier) IsMember(ctx context.Context, channelID, tgUserID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	start := time.Now()
	member, err := v.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: channelID, UserID: tgUserID},
	})
	metrics.ObserveNetworkRequest("telegram", "get_chat_member", strconv.FormatInt(channelID, 10), start, err)
	if err != nil {
		return false, classifyError(err)
	}
	return memberStatus(member), nil
}

func memberStatus(m tgbotapi.ChatMember) bool {
	switch m.Status {
	case "creator", "administrator", "member":
		return true
	case "restricted":
		return m.IsMember
	default:
		return false
	}
}

// ChannelLink возвращает ссылку на канал: публичную по username или пригласительную.
func (v *Verifier) ChannelLink(ctx context.Context, channelID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	start := time.Now()
	chat, err := v.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: channelID}})
	metrics.ObserveNetworkRequest("telegram", "get_chat", strconv.FormatInt(channelID, 10), start, err)
	if err != nil {
		return "", classifyError(err)
	}
	if chat.UserName != "" {
		return "https://t.me/" + chat.UserName, nil
	}
	if chat.InviteLink != "" {
		return chat.InviteLink, nil
	}
	return "", fmt.Errorf("у канала %d нет публичной ссылки", channelID)
}
