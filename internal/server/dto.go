package server

import "todoline/internal/domain"

// Request payloads

type CreateTaskRequest struct {
	Text string `json:"text" doc:"Task description" example:"buy milk"`
}

type CommandRequest struct {
	Text string `json:"text" doc:"Chat command as it would be typed in Telegram" example:"/list"`
}

// Response payloads

type TaskResponse struct {
	ID        int64  `json:"id" example:"1"`
	Text      string `json:"text" example:"buy milk"`
	Completed bool   `json:"completed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TaskListResponse struct {
	Items []TaskResponse `json:"items"`
}

type CommandResponse struct {
	Reply string `json:"reply" example:"Task added: buy milk"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:        t.ID,
		Text:      t.Text,
		Completed: t.Completed,
		CreatedAt: t.CreatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}
