package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"todoline/internal/metrics"
	"todoline/internal/repo"
)

// Router turns one chat message into one store call and one reply.
type Router struct {
	Store  repo.Store
	Logger *slog.Logger
	NewID  func() string
}

func New(store repo.Store, logger *slog.Logger) *Router {
	return &Router{Store: store, Logger: logger, NewID: uuid.NewString}
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Router) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

// result is what a command handler decided. A result without a reply
// falls through to the unhandled boundary.
type result struct {
	reply   string
	outcome string
	err     error
}

// Handle never fails: every failure, including a panic in the store, is
// turned into a reply.
func (r *Router) Handle(ctx context.Context, msg Message) (reply string) {
	cmd, arg := ParseCommand(msg.Text)
	log := r.logger().With(
		slog.String("request_id", r.newID()),
		slog.Int("update_id", msg.UpdateID),
		slog.String("update_type", msg.UpdateType),
		slog.Int64("sender_id", msg.SenderID),
		slog.String("command", string(cmd)),
	)
	start := time.Now()
	outcome := metrics.OutcomeError
	defer func() {
		if p := recover(); p != nil {
			log.ErrorContext(ctx, "command panicked", slog.Any("error", fmt.Errorf("panic: %v", p)))
			reply, outcome = ReplyUnhandled, metrics.OutcomeError
		}
		metrics.Commands.WithLabelValues(string(cmd), outcome).Inc()
		metrics.CommandDuration.WithLabelValues(string(cmd)).Observe(time.Since(start).Seconds())
	}()

	// Store calls run to completion once issued.
	res := r.dispatch(context.WithoutCancel(ctx), cmd, msg.SenderID, arg)
	outcome = res.outcome
	switch {
	case res.reply == "":
		log.ErrorContext(ctx, "unhandled command error", slog.Any("error", res.err))
		outcome = metrics.OutcomeError
		return ReplyUnhandled
	case res.err != nil:
		log.ErrorContext(ctx, "command failed", slog.Any("error", res.err))
	default:
		log.DebugContext(ctx, "command handled", slog.String("outcome", res.outcome))
	}
	return res.reply
}

func (r *Router) dispatch(ctx context.Context, cmd Command, owner int64, arg string) result {
	switch cmd {
	case CommandAdd:
		return r.add(ctx, owner, arg)
	case CommandList:
		return r.list(ctx, owner)
	case CommandComplete:
		return r.complete(ctx, owner, arg)
	case CommandDelete:
		return r.delete(ctx, owner, arg)
	default:
		return result{reply: ReplyWelcome, outcome: metrics.OutcomeOK}
	}
}

func (r *Router) add(ctx context.Context, owner int64, text string) result {
	if text == "" {
		return result{reply: ReplyAddUsage, outcome: metrics.OutcomeInvalid}
	}
	t, err := r.Store.CreateTask(ctx, owner, text)
	switch {
	case err == nil:
		return result{reply: fmt.Sprintf(ReplyAdded, t.Text), outcome: metrics.OutcomeOK}
	case repo.IsValidation(err):
		return result{reply: ReplyAddUsage, outcome: metrics.OutcomeInvalid}
	case repo.IsStorage(err):
		return result{reply: ReplyAddFailed, outcome: metrics.OutcomeStorageError, err: err}
	}
	return result{err: err}
}

func (r *Router) list(ctx context.Context, owner int64) result {
	tasks, err := r.Store.ListTasks(ctx, owner)
	switch {
	case err == nil:
		return result{reply: RenderList(tasks), outcome: metrics.OutcomeOK}
	case repo.IsStorage(err):
		return result{reply: ReplyListFailed, outcome: metrics.OutcomeStorageError, err: err}
	}
	return result{err: err}
}

func (r *Router) complete(ctx context.Context, owner int64, arg string) result {
	if arg == "" {
		return result{reply: ReplyCompleteUsage, outcome: metrics.OutcomeInvalid}
	}
	id, err := ParseTaskID(arg)
	if err != nil {
		return result{reply: ReplyCompleteInvalidID, outcome: metrics.OutcomeInvalid}
	}
	t, err := r.Store.CompleteTask(ctx, id, owner)
	switch {
	case err == nil:
		return result{reply: fmt.Sprintf(ReplyCompleted, t.Text), outcome: metrics.OutcomeOK}
	case errors.Is(err, repo.ErrNotFound):
		return result{reply: ReplyCompleteNotFound, outcome: metrics.OutcomeNotFound}
	case repo.IsStorage(err):
		return result{reply: ReplyCompleteFailed, outcome: metrics.OutcomeStorageError, err: err}
	}
	return result{err: err}
}

func (r *Router) delete(ctx context.Context, owner int64, arg string) result {
	if arg == "" {
		return result{reply: ReplyDeleteUsage, outcome: metrics.OutcomeInvalid}
	}
	id, err := ParseTaskID(arg)
	if err != nil {
		return result{reply: ReplyDeleteInvalidID, outcome: metrics.OutcomeInvalid}
	}
	t, err := r.Store.DeleteTask(ctx, id, owner)
	switch {
	case err == nil:
		return result{reply: fmt.Sprintf(ReplyDeleted, t.Text), outcome: metrics.OutcomeOK}
	case errors.Is(err, repo.ErrNotFound):
		return result{reply: ReplyDeleteNotFound, outcome: metrics.OutcomeNotFound}
	case repo.IsStorage(err):
		return result{reply: ReplyDeleteFailed, outcome: metrics.OutcomeStorageError, err: err}
	}
	return result{err: err}
}
