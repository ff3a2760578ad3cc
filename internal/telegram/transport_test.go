package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"todoline/internal/bot"
)

type sent struct {
	chatID int64
	text   string
}

type fakeAPI struct {
	updates  chan tgbotapi.Update
	mu       sync.Mutex
	sent     []sent
	requests []tgbotapi.Chattable
	stopped  atomic.Bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 16)}
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() { f.stopped.Store(true) }

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m := c.(tgbotapi.MessageConfig)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chatID: m.ChatID, text: m.Text})
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) replies() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type handlerFunc func(ctx context.Context, msg bot.Message) string

func (h handlerFunc) Handle(ctx context.Context, msg bot.Message) string { return h(ctx, msg) }

func echo() Handler {
	return handlerFunc(func(_ context.Context, msg bot.Message) string {
		return "echo " + msg.Text
	})
}

func textUpdate(id int, sender, chat int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: id,
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: sender},
			Chat: &tgbotapi.Chat{ID: chat},
			Text: text,
		},
	}
}

func TestRunRepliesOncePerMessage(t *testing.T) {
	api := newFakeAPI()
	tr := &Transport{API: api, Handler: echo(), PollTimeout: time.Second, MaxConcurrency: 4}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	api.updates <- textUpdate(1, 42, 420, "/list")
	api.updates <- textUpdate(2, 7, 70, "/add milk")
	api.updates <- tgbotapi.Update{UpdateID: 3, EditedMessage: &tgbotapi.Message{Text: "/list"}}

	require.Eventually(t, func() bool { return len(api.replies()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, tr.Wait(context.Background()))

	assert.True(t, api.stopped.Load())
	assert.ElementsMatch(t, []sent{{420, "echo /list"}, {70, "echo /add milk"}}, api.replies())
	require.NotEmpty(t, api.requests)
	_, ok := api.requests[0].(tgbotapi.DeleteWebhookConfig)
	assert.True(t, ok, "polling clears any webhook first")
}

func TestConcurrencyIsBounded(t *testing.T) {
	api := newFakeAPI()
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	h := handlerFunc(func(context.Context, bot.Message) string {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return "ok"
	})
	tr := &Transport{API: api, Handler: h, PollTimeout: time.Second, MaxConcurrency: 2}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.Run(ctx) }()

	for i := 1; i <= 5; i++ {
		api.updates <- textUpdate(i, int64(i), int64(i), "/list")
	}
	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return len(api.replies()) == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
}

func TestWaitHonorsDeadline(t *testing.T) {
	api := newFakeAPI()
	block := make(chan struct{})
	defer close(block)
	h := handlerFunc(func(context.Context, bot.Message) string {
		<-block
		return "late"
	})
	tr := &Transport{API: api, Handler: h, MaxConcurrency: 1}
	tr.setup()
	tr.dispatch(context.Background(), textUpdate(1, 1, 1, "/list"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Wait(ctx), context.DeadlineExceeded)
}

const hookSecret = "0123456789abcdef0123456789abcdef"

func webhookBody(sender, chat int64, text string) string {
	return fmt.Sprintf(`{"update_id":9,"message":{"message_id":1,"date":0,"from":{"id":%d,"is_bot":false,"first_name":"a"},"chat":{"id":%d,"type":"private"},"text":%q}}`, sender, chat, text)
}

func TestWebhookHandler(t *testing.T) {
	api := newFakeAPI()
	tr := &Transport{API: api, Handler: echo(), MaxConcurrency: 2, WebhookSecret: hookSecret}
	h := tr.WebhookHandler()
	target := "/telegram/webhook/" + hookSecret

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(webhookBody(42, 420, "/start"))))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, tr.Wait(context.Background()))
	assert.Equal(t, []sent{{420, "echo /start"}}, api.replies())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tr.Stop()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(webhookBody(42, 420, "/start"))))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Len(t, api.replies(), 1)
}

func TestWebhookRejectsForgedUpdates(t *testing.T) {
	var calls atomic.Int32
	h := handlerFunc(func(context.Context, bot.Message) string {
		calls.Add(1)
		return "leaked"
	})
	for name, tr := range map[string]*Transport{
		"configured": {Handler: h, MaxConcurrency: 1, WebhookSecret: hookSecret},
		"no secret":  {Handler: h, MaxConcurrency: 1},
	} {
		api := newFakeAPI()
		tr.API = api
		handler := tr.WebhookHandler()
		for _, target := range []string{
			"/telegram/webhook",
			"/telegram/webhook/",
			"/telegram/webhook/wrong",
			"/telegram/webhook/" + hookSecret[:len(hookSecret)-1],
			"/telegram/webhook/" + hookSecret + "x",
		} {
			rec := httptest.NewRecorder()
			// Sender 1 is the victim, chat 999 belongs to the caller.
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(webhookBody(1, 999, "/list"))))
			assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", name, target)
		}
		require.NoError(t, tr.Wait(context.Background()))
		assert.Empty(t, api.replies(), name)
	}
	assert.Zero(t, calls.Load())
}

func TestSetWebhook(t *testing.T) {
	api := newFakeAPI()
	tr := &Transport{API: api, Handler: echo(), WebhookSecret: hookSecret}
	require.NoError(t, tr.SetWebhook(context.Background(), "https://bot.example.com/telegram/webhook/"))
	require.Len(t, api.requests, 1)
	wh, ok := api.requests[0].(tgbotapi.WebhookConfig)
	require.True(t, ok)
	assert.Equal(t, "https://bot.example.com/telegram/webhook/"+hookSecret, wh.URL.String())

	assert.Error(t, tr.SetWebhook(context.Background(), "://bad"))

	unset := &Transport{API: newFakeAPI(), Handler: echo()}
	assert.Error(t, unset.SetWebhook(context.Background(), "https://bot.example.com/telegram/webhook"))
}

func TestNoHandlerStartsAfterStop(t *testing.T) {
	api := newFakeAPI()
	var calls atomic.Int32
	h := handlerFunc(func(context.Context, bot.Message) string {
		calls.Add(1)
		return "ok"
	})
	tr := &Transport{API: api, Handler: h, MaxConcurrency: 1}
	tr.setup()
	tr.Stop()
	assert.False(t, tr.dispatch(context.Background(), textUpdate(1, 1, 1, "/list")))
	require.NoError(t, tr.Wait(context.Background()))
	assert.Zero(t, calls.Load())
	assert.Empty(t, api.replies())
}

func TestBufferedUpdatesAreHandledOnStop(t *testing.T) {
	api := newFakeAPI()
	tr := &Transport{API: api, Handler: echo(), PollTimeout: time.Second, MaxConcurrency: 4}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	api.updates <- textUpdate(1, 42, 420, "/list")
	api.updates <- textUpdate(2, 42, 420, "/start")

	require.NoError(t, tr.Run(ctx))
	require.NoError(t, tr.Wait(context.Background()))
	assert.Len(t, api.replies(), 2)
	assert.False(t, tr.dispatch(context.Background(), textUpdate(3, 42, 420, "/list")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	long := strings.Repeat("ä", MaxMessageLength+5)
	out := Truncate(long, MaxMessageLength)
	assert.Equal(t, MaxMessageLength, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "…"))
}

func TestLongRepliesAreTruncated(t *testing.T) {
	api := newFakeAPI()
	h := handlerFunc(func(context.Context, bot.Message) string { return strings.Repeat("x", 5000) })
	tr := &Transport{API: api, Handler: h, MaxConcurrency: 1}
	tr.setup()
	tr.dispatch(context.Background(), textUpdate(1, 1, 1, "/list"))
	require.NoError(t, tr.Wait(context.Background()))
	require.Len(t, api.replies(), 1)
	assert.Equal(t, MaxMessageLength, len([]rune(api.replies()[0].text)))
}
