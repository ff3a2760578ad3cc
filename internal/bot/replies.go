package bot

import (
	"fmt"
	"strings"

	"todoline/internal/domain"
)

const (
	ReplyWelcome = "Welcome to your To-Do List Bot! Use /add, /list, /complete, or /delete."

	ReplyAddUsage  = "Please provide a task after /add command."
	ReplyAdded     = "Task added: %s"
	ReplyAddFailed = "Error adding task."

	ReplyListEmpty  = "Your to-do list is empty."
	ReplyListHeader = "Your To-Do List:"
	ReplyListFailed = "Error retrieving your to-do list."

	ReplyCompleteUsage     = "Please provide a task ID after /complete command."
	ReplyCompleteInvalidID = "Task ID must be a positive number, e.g. /complete 3."
	ReplyCompleteNotFound  = "Task not found or already completed."
	ReplyCompleted         = "Task marked as completed: %s"
	ReplyCompleteFailed    = "Error completing task."

	ReplyDeleteUsage     = "Please provide a task ID after /delete command."
	ReplyDeleteInvalidID = "Task ID must be a positive number, e.g. /delete 3."
	ReplyDeleteNotFound  = "Task not found."
	ReplyDeleted         = "Task deleted: %s"
	ReplyDeleteFailed    = "Error deleting task."

	ReplyUnhandled = "An error occurred. Please try again."
)

const (
	GlyphDone    = "✅"
	GlyphPending = "◻️"
)

// RenderList formats tasks as a 1-indexed list showing each task id.
func RenderList(tasks []domain.Task) string {
	if len(tasks) == 0 {
		return ReplyListEmpty
	}
	var b strings.Builder
	b.WriteString(ReplyListHeader)
	for i, t := range tasks {
		glyph := GlyphPending
		if t.Completed {
			glyph = GlyphDone
		}
		fmt.Fprintf(&b, "\n%d. %s %s (ID: %d)", i+1, glyph, t.Text, t.ID)
	}
	return b.String()
}
