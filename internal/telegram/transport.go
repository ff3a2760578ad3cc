package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"todoline/internal/bot"
)

// MaxMessageLength is the Bot API limit for a text message.
const MaxMessageLength = 4096

// API is the subset of *tgbotapi.BotAPI the transport uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Handler produces the single reply for an inbound message.
type Handler interface {
	Handle(ctx context.Context, msg bot.Message) string
}

// NewBotAPI connects to the Bot API and routes its internal logging through slog.
func NewBotAPI(token string, pollTimeout time.Duration, logger *slog.Logger) (*tgbotapi.BotAPI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_ = tgbotapi.SetLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	client := &http.Client{Timeout: pollTimeout + 10*time.Second}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	return api, nil
}

// Transport receives updates, runs each through the Handler on its own
// goroutine and sends back exactly one reply.
type Transport struct {
	API            API
	Handler        Handler
	Logger         *slog.Logger
	PollTimeout    time.Duration
	MaxConcurrency int

	// WebhookSecret is the path segment Telegram posts updates to.
	WebhookSecret string

	setupOnce sync.Once
	sem       chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	stopped   bool
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t *Transport) setup() {
	t.setupOnce.Do(func() {
		n := t.MaxConcurrency
		if n < 1 {
			n = 1
		}
		t.sem = make(chan struct{}, n)
	})
}

// Run long-polls for updates until ctx is done. Updates already buffered when
// ctx ends are still dispatched so none are acknowledged without a reply.
func (t *Transport) Run(ctx context.Context) error {
	t.setup()
	if _, err := t.API.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(t.PollTimeout / time.Second)
	updates := t.API.GetUpdatesChan(u)
	t.logger().InfoContext(ctx, "telegram polling started", slog.Int("timeout", u.Timeout))
	for {
		select {
		case <-ctx.Done():
			t.API.StopReceivingUpdates()
			t.drain(ctx, updates)
			t.Stop()
			t.logger().InfoContext(ctx, "telegram polling stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.dispatch(ctx, update)
		}
	}
}

func (t *Transport) drain(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			t.dispatch(ctx, update)
		default:
			return
		}
	}
}

// SetWebhook registers baseURL plus the secret path segment with Telegram.
func (t *Transport) SetWebhook(ctx context.Context, baseURL string) error {
	t.setup()
	if t.WebhookSecret == "" {
		return errors.New("webhook secret is not configured")
	}
	wh, err := tgbotapi.NewWebhook(strings.TrimRight(baseURL, "/") + "/" + t.WebhookSecret)
	if err != nil {
		return fmt.Errorf("build webhook: %w", err)
	}
	if _, err := t.API.Request(wh); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	t.logger().InfoContext(ctx, "telegram webhook registered", slog.String("url", baseURL+"/<secret>"))
	return nil
}

// WebhookHandler accepts updates pushed by Telegram. The last path segment
// must equal WebhookSecret; anything else is answered 404 without reading the body.
func (t *Transport) WebhookHandler() http.Handler {
	t.setup()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.validSecret(path.Base(r.URL.Path)) {
			t.logger().WarnContext(r.Context(), "webhook request with wrong secret", slog.String("remote", r.RemoteAddr))
			http.NotFound(w, r)
			return
		}
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, "invalid update", http.StatusBadRequest)
			return
		}
		if !t.dispatch(context.WithoutCancel(r.Context()), update) {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (t *Transport) validSecret(got string) bool {
	if t.WebhookSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(t.WebhookSecret)) == 1
}

// Stop refuses further updates. In-flight handlers keep running; use Wait.
// No handler starts after Stop returns.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Wait blocks until in-flight handlers have replied or ctx ends.
func (t *Transport) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch starts a handler for update. It reports false once Stop has been called.
func (t *Transport) dispatch(ctx context.Context, update tgbotapi.Update) bool {
	msg, ok := toMessage(update)
	if !ok {
		t.logger().DebugContext(ctx, "ignoring update",
			slog.Int("update_id", update.UpdateID),
			slog.String("update_type", updateType(update)))
		return true
	}
	t.sem <- struct{}{}
	t.mu.RLock()
	if t.stopped {
		t.mu.RUnlock()
		<-t.sem
		t.logger().WarnContext(ctx, "update refused during shutdown", slog.Int("update_id", update.UpdateID))
		return false
	}
	t.wg.Add(1)
	t.mu.RUnlock()
	go func() {
		defer func() {
			<-t.sem
			t.wg.Done()
		}()
		t.handle(ctx, msg)
	}()
	return true
}

func (t *Transport) handle(ctx context.Context, msg bot.Message) {
	reply := t.Handler.Handle(ctx, msg)
	out := tgbotapi.NewMessage(msg.ChatID, Truncate(reply, MaxMessageLength))
	if _, err := t.API.Send(out); err != nil {
		t.logger().ErrorContext(ctx, "telegram send failed",
			slog.Int("update_id", msg.UpdateID),
			slog.Int64("chat_id", msg.ChatID),
			slog.Any("error", err))
	}
}

func toMessage(u tgbotapi.Update) (bot.Message, bool) {
	m := u.Message
	if m == nil || m.From == nil || m.Chat == nil || m.Text == "" {
		return bot.Message{}, false
	}
	return bot.Message{
		UpdateID:   u.UpdateID,
		UpdateType: "message",
		SenderID:   m.From.ID,
		ChatID:     m.Chat.ID,
		Text:       m.Text,
	}, true
}

func updateType(u tgbotapi.Update) string {
	switch {
	case u.Message != nil:
		return "message"
	case u.EditedMessage != nil:
		return "edited_message"
	case u.ChannelPost != nil:
		return "channel_post"
	case u.EditedChannelPost != nil:
		return "edited_channel_post"
	case u.CallbackQuery != nil:
		return "callback_query"
	case u.InlineQuery != nil:
		return "inline_query"
	case u.MyChatMember != nil:
		return "my_chat_member"
	}
	return "unknown"
}

// Truncate shortens s to at most max runes, ending with an ellipsis when cut.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
