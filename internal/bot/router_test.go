package bot_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"todoline/internal/bot"
	"todoline/internal/db"
	"todoline/internal/domain"
	"todoline/internal/migrate"
	"todoline/internal/repo"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLiteRouter(t *testing.T) (*bot.Router, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{URL: "sqlite://" + filepath.Join(t.TempDir(), "bot.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	r := repo.New(conn)
	return bot.New(r, quietLogger()), r
}

// fakeStore counts calls and returns canned errors.
type fakeStore struct {
	calls int
	err   error
	panic bool
}

func (f *fakeStore) do() error {
	f.calls++
	if f.panic {
		panic("boom")
	}
	return f.err
}

func (f *fakeStore) CreateTask(ctx context.Context, ownerID int64, text string) (domain.Task, error) {
	return domain.Task{Text: text}, f.do()
}

func (f *fakeStore) ListTasks(ctx context.Context, ownerID int64) ([]domain.Task, error) {
	return nil, f.do()
}

func (f *fakeStore) CompleteTask(ctx context.Context, id, ownerID int64) (domain.Task, error) {
	return domain.Task{}, f.do()
}

func (f *fakeStore) DeleteTask(ctx context.Context, id, ownerID int64) (domain.Task, error) {
	return domain.Task{}, f.do()
}

func send(r *bot.Router, owner int64, text string) string {
	return r.Handle(context.Background(), bot.Message{UpdateType: "message", SenderID: owner, ChatID: owner, Text: text})
}

func TestEndToEndScenario(t *testing.T) {
	r, _ := newSQLiteRouter(t)

	assert.Equal(t, "Task added: buy milk", send(r, 42, "/add buy milk"))
	assert.Equal(t, "Your To-Do List:\n1. ◻️ buy milk (ID: 1)", send(r, 42, "/list"))
	assert.Equal(t, "Task marked as completed: buy milk", send(r, 42, "/complete 1"))
	assert.Equal(t, "Your To-Do List:\n1. ✅ buy milk (ID: 1)", send(r, 42, "/list"))
	assert.Equal(t, "Task deleted: buy milk", send(r, 42, "/delete 1"))
	assert.Equal(t, "Your to-do list is empty.", send(r, 42, "/list"))
}

func TestListNumbersFromOne(t *testing.T) {
	r, _ := newSQLiteRouter(t)
	send(r, 1, "/add first")
	send(r, 1, "/add second")
	send(r, 2, "/add other owner")
	send(r, 1, "/add third")
	send(r, 1, "/complete 2")

	want := "Your To-Do List:\n" +
		"1. ◻️ first (ID: 1)\n" +
		"2. ✅ second (ID: 2)\n" +
		"3. ◻️ third (ID: 4)"
	assert.Equal(t, want, send(r, 1, "/list"))
}

func TestOwnersCannotTouchEachOther(t *testing.T) {
	r, store := newSQLiteRouter(t)
	send(r, 1, "/add private")

	assert.Equal(t, bot.ReplyListEmpty, send(r, 2, "/list"))
	assert.Equal(t, bot.ReplyCompleteNotFound, send(r, 2, "/complete 1"))
	assert.Equal(t, bot.ReplyDeleteNotFound, send(r, 2, "/delete 1"))

	tasks, err := store.ListTasks(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.False(t, tasks[0].Completed)
}

func TestCompleteTwiceSucceeds(t *testing.T) {
	r, _ := newSQLiteRouter(t)
	send(r, 7, "/add stretch")
	assert.Equal(t, "Task marked as completed: stretch", send(r, 7, "/complete 1"))
	assert.Equal(t, "Task marked as completed: stretch", send(r, 7, "/complete 1"))
}

func TestDeleteTwiceIsNotFound(t *testing.T) {
	r, _ := newSQLiteRouter(t)
	send(r, 7, "/add stretch")
	assert.Equal(t, "Task deleted: stretch", send(r, 7, "/delete 1"))
	assert.Equal(t, bot.ReplyDeleteNotFound, send(r, 7, "/delete 1"))
}

func TestArgumentGuardsSkipTheStore(t *testing.T) {
	cases := []struct {
		text  string
		reply string
	}{
		{"/add", bot.ReplyAddUsage},
		{"/add    ", bot.ReplyAddUsage},
		{"/add \t\n ", bot.ReplyAddUsage},
		{"/complete", bot.ReplyCompleteUsage},
		{"/complete   ", bot.ReplyCompleteUsage},
		{"/delete", bot.ReplyDeleteUsage},
		{"/complete abc", bot.ReplyCompleteInvalidID},
		{"/complete 0", bot.ReplyCompleteInvalidID},
		{"/complete -4", bot.ReplyCompleteInvalidID},
		{"/complete 1; DROP TABLE tasks", bot.ReplyCompleteInvalidID},
		{"/delete 99999999999999999999", bot.ReplyDeleteInvalidID},
		{"/delete 1.5", bot.ReplyDeleteInvalidID},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			store := &fakeStore{}
			r := bot.New(store, quietLogger())
			assert.Equal(t, tc.reply, send(r, 1, tc.text))
			assert.Zero(t, store.calls, "store must not be called")
		})
	}
}

func TestWelcomeForStartAndUnknown(t *testing.T) {
	for _, text := range []string{"/start", "/help", "/START", "/frobnicate", "hello there", ""} {
		store := &fakeStore{}
		r := bot.New(store, quietLogger())
		assert.Equal(t, bot.ReplyWelcome, send(r, 1, text), text)
		assert.Zero(t, store.calls)
	}
}

func TestStorageFailuresUseGenericReplies(t *testing.T) {
	storageErr := &repo.StorageError{Op: "test", Err: errors.New("connection refused")}
	cases := map[string]string{
		"/add milk":   bot.ReplyAddFailed,
		"/list":       bot.ReplyListFailed,
		"/complete 3": bot.ReplyCompleteFailed,
		"/delete 3":   bot.ReplyDeleteFailed,
		"/done 3":     bot.ReplyCompleteFailed,
		"/remove 3":   bot.ReplyDeleteFailed,
	}
	for text, want := range cases {
		store := &fakeStore{err: storageErr}
		r := bot.New(store, quietLogger())
		got := send(r, 1, text)
		assert.Equal(t, want, got, text)
		assert.NotContains(t, got, "connection refused")
		assert.Equal(t, 1, store.calls, text)
	}
}

func TestUnclassifiedErrorsHitTheBoundary(t *testing.T) {
	store := &fakeStore{err: fmt.Errorf("something odd")}
	r := bot.New(store, quietLogger())
	for _, text := range []string{"/add x", "/list", "/complete 1", "/delete 1"} {
		assert.Equal(t, bot.ReplyUnhandled, send(r, 1, text), text)
	}
}

func TestPanicsAreRecovered(t *testing.T) {
	store := &fakeStore{panic: true}
	r := bot.New(store, quietLogger())
	var reply string
	require.NotPanics(t, func() { reply = send(r, 1, "/list") })
	assert.Equal(t, bot.ReplyUnhandled, reply)
}

func TestCanceledContextStillCompletesStoreCall(t *testing.T) {
	r, store := newSQLiteRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reply := r.Handle(ctx, bot.Message{SenderID: 3, Text: "/add after shutdown"})
	assert.Equal(t, "Task added: after shutdown", reply)
	tasks, err := store.ListTasks(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
