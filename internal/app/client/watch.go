package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"possync/internal/domain/sync"

	"github.com/gorilla/websocket"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// ChangeEvent уведомление сервера об изменении канонического состояния
type ChangeEvent struct {
	Type       string          `json:"type"`
	Collection sync.Collection `json:"collection"`
	IDs        []string        `json:"ids"`
	Origin     string          `json:"origin"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Run синхронизирует по интервалу и по уведомлениям сервера, пока не отменен ctx.
// onSync вызывается после каждого цикла, может быть nil.
func (a *App) Run(ctx context.Context, onSync func(*SyncResult, error)) error {
	trigger := make(chan struct{}, 1)
	kick := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	go a.watch(ctx, func(ChangeEvent) { kick() })
	kick()

	interval := a.config.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-trigger:
		}

		res, err := a.Sync(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrSyncRunning) {
			continue
		}
		if onSync != nil {
			onSync(res, err)
		}
	}
}

// Watch подписывается на уведомления и передает их в onEvent.
// Переподключается с нарастающей задержкой до отмены ctx.
func (a *App) Watch(ctx context.Context, onEvent func(ChangeEvent)) error {
	a.watch(ctx, onEvent)
	return nil
}

func (a *App) watch(ctx context.Context, onEvent func(ChangeEvent)) {
	backoff := minBackoff
	for ctx.Err() == nil {
		connected, err := a.listen(ctx, onEvent)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = minBackoff
		}
		a.log.Debug("event stream disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (a *App) listen(ctx context.Context, onEvent func(ChangeEvent)) (bool, error) {
	hdr := a.api.Headers()
	// заголовки рукопожатия websocket выставляет сам
	hdr.Del("Content-Type")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, a.api.EventsURL(nil), hdr)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	defer conn.Close()
	a.log.Info("subscribed to server events")

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var e ChangeEvent
		if err := json.Unmarshal(msg, &e); err != nil {
			a.log.Warn("malformed event", "error", err)
			continue
		}
		onEvent(e)
	}
}
