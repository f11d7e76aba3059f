package bot

import (
	"context"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-broadcast-bot/internal/adapters/memory/memorytest"
	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/usecase/delivery"
	"tg-broadcast-bot/internal/usecase/settings"
	"tg-broadcast-bot/internal/usecase/users"
)

type memberSet map[int64]bool

func (m memberSet) IsMember(_ context.Context, channelID, _ int64) (bool, error) {
	return m[channelID], nil
}

type recordingTransport struct {
	sent []domain.Content
	err  error
}

func (r *recordingTransport) Send(_ context.Context, _ int64, c domain.Content) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.sent = append(r.sent, c)
	return "1", nil
}

type linkMap map[int64]string

func (l linkMap) ChannelLink(_ context.Context, id int64) (string, error) {
	return l[id], nil
}

type callbackRecorder struct{ ids []string }

func (c *callbackRecorder) Request(ch tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	if cb, ok := ch.(tgbotapi.CallbackConfig); ok {
		c.ids = append(c.ids, cb.CallbackQueryID)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type fixture struct {
	store     *memorytest.Store
	members   memberSet
	transport *recordingTransport
	callbacks *callbackRecorder
	handler   *Handler
}

func newFixture() *fixture {
	store := memorytest.NewStore()
	cfg := settings.StandardDefaults()
	cfg.RequiredChannels = "[-100]"
	cfg.WelcomeMessage = "привет"
	cfg.SubscriptionMessage = "подпишитесь"
	st := settings.NewService(store, cfg)

	f := &fixture{
		store:     store,
		members:   memberSet{},
		transport: &recordingTransport{},
		callbacks: &callbackRecorder{},
	}
	userSvc := users.NewService(store, f.members, st, zerolog.Nop())
	f.handler = NewHandler(userSvc, st, f.transport, delivery.NewTracker(store, store), linkMap{-100: "https://t.me/news"}, f.callbacks, zerolog.Nop())
	return f
}

func startUpdate(id int64) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text: "/start",
		From: &tgbotapi.User{ID: id, UserName: "ivan", FirstName: "Иван"},
		Chat: &tgbotapi.Chat{ID: id, Type: "private"},
	}}
}

func TestStartAsksToSubscribe(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.handler.HandleUpdate(ctx, startUpdate(10))

	u, err := f.store.GetUserByTGID(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "ivan", u.Username)
	assert.False(t, u.IsSubscribed)

	require.Len(t, f.transport.sent, 1)
	reply := f.transport.sent[0]
	assert.Equal(t, "подпишитесь", reply.Text)
	require.Len(t, reply.Buttons, 2)
	assert.Equal(t, "https://t.me/news", reply.Buttons[0].URL)
	assert.Equal(t, CheckSubscriptionData, reply.Buttons[1].Data)

	logs := f.store.Deliveries()
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].TaskID)
	assert.Equal(t, domain.MessageSubscriptionCheck, logs[0].Kind)
	assert.Equal(t, domain.DeliverySent, logs[0].Status)
}

func TestCheckSubscriptionWelcomes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.handler.HandleUpdate(ctx, startUpdate(10))

	f.members[-100] = true
	f.handler.HandleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb1",
		From: &tgbotapi.User{ID: 10},
		Data: CheckSubscriptionData,
	}})

	assert.Equal(t, []string{"cb1"}, f.callbacks.ids)
	require.Len(t, f.transport.sent, 2)
	assert.Equal(t, "привет", f.transport.sent[1].Text)

	u, err := f.store.GetUserByTGID(ctx, 10)
	require.NoError(t, err)
	assert.True(t, u.IsSubscribed)
	assert.Equal(t, []int64{-100}, u.Subscriptions)
	assert.Len(t, f.store.Deliveries(), 2)
}

func TestIgnoresOtherUpdates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.handler.HandleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{
		Text: "привет",
		From: &tgbotapi.User{ID: 10},
		Chat: &tgbotapi.Chat{ID: 10, Type: "private"},
	}})
	f.handler.HandleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{
		Text: "/start",
		From: &tgbotapi.User{ID: 10},
		Chat: &tgbotapi.Chat{ID: -5, Type: "group"},
	}})
	f.handler.HandleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{ID: "x", From: &tgbotapi.User{ID: 10}, Data: "other"}})

	assert.Empty(t, f.transport.sent)
	assert.Equal(t, []string{"x"}, f.callbacks.ids)
	_, err := f.store.GetUserByTGID(ctx, 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFailedReplyIsLogged(t *testing.T) {
	f := newFixture()
	f.transport.err = &domain.TransportError{Kind: domain.TransportPermanent, Reason: domain.ReasonBlocked, Detail: "blocked"}

	f.handler.HandleUpdate(context.Background(), startUpdate(11))

	logs := f.store.Deliveries()
	require.Len(t, logs, 1)
	assert.Equal(t, domain.DeliveryBlocked, logs[0].Status)
	assert.NotEmpty(t, logs[0].Error)
}
