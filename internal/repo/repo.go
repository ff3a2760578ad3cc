package repo

import (
	"context"
	"database/sql"
	"strings"

	"todoline/internal/db"
	"todoline/internal/domain"
)

// Store is the owner-scoped task collection.
type Store interface {
	CreateTask(ctx context.Context, ownerID int64, text string) (domain.Task, error)
	ListTasks(ctx context.Context, ownerID int64) ([]domain.Task, error)
	CompleteTask(ctx context.Context, id, ownerID int64) (domain.Task, error)
	DeleteTask(ctx context.Context, id, ownerID int64) (domain.Task, error)
}

// Repo is the SQL implementation of Store. Every statement is filtered by owner.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var _ Store = Repo{}

func New(conn *db.Conn) Repo {
	return Repo{DB: conn.DB, Dialect: conn.Dialect}
}

const taskColumns = `id,owner_id,task,completed,created_at`

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.OwnerID, &t.Text, &t.Completed, &t.CreatedAt)
	return t, err
}

func (r Repo) CreateTask(ctx context.Context, ownerID int64, text string) (domain.Task, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Task{}, &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	t, err := scanTask(r.DB.QueryRowContext(ctx, r.q(`INSERT INTO tasks(owner_id,task) VALUES (?,?) RETURNING `+taskColumns), ownerID, text))
	if err != nil {
		return domain.Task{}, storageError("insert task", err)
	}
	return t, nil
}

func (r Repo) ListTasks(ctx context.Context, ownerID int64) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE owner_id=? ORDER BY created_at ASC, id ASC`), ownerID)
	if err != nil {
		return nil, storageError("list tasks", err)
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageError("scan task", err)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list tasks", err)
	}
	return res, nil
}

// CompleteTask marks the task done. Completing a completed task succeeds unchanged.
func (r Repo) CompleteTask(ctx context.Context, id, ownerID int64) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, r.q(`UPDATE tasks SET completed=TRUE WHERE id=? AND owner_id=? RETURNING `+taskColumns), id, ownerID))
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, storageError("complete task", err)
	}
	return t, nil
}

// DeleteTask removes the task and returns it as it was before removal.
func (r Repo) DeleteTask(ctx context.Context, id, ownerID int64) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, r.q(`DELETE FROM tasks WHERE id=? AND owner_id=? RETURNING `+taskColumns), id, ownerID))
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, storageError("delete task", err)
	}
	return t, nil
}
