package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"
)

// UpdateSource: источник апдейтов long polling.
type UpdateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Poll читает апдейты и обрабатывает их не более чем workers параллельно.
// Возвращается после отмены ctx и завершения начатых обработчиков.
func Poll(ctx context.Context, src UpdateSource, h *Handler, timeout, workers int) {
	if workers <= 0 {
		workers = 1
	}
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = timeout
	cfg.AllowedUpdates = []string{"message", "callback_query"}
	updates := src.GetUpdatesChan(cfg)

	var g errgroup.Group
	g.SetLimit(workers)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			src.StopReceivingUpdates()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			g.Go(func() error {
				h.HandleUpdate(ctx, upd)
				return nil
			})
		}
	}
}
