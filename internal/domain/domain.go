package domain

// Task is a single to-do entry owned by one sender.
type Task struct {
	ID        int64  `json:"id"`
	OwnerID   int64  `json:"owner_id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
