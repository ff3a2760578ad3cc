package bot

import (
	"strconv"
	"strings"
	"unicode"

	"todoline/internal/repo"
)

// Command is the verb of an inbound chat message.
type Command string

const (
	CommandStart    Command = "start"
	CommandAdd      Command = "add"
	CommandList     Command = "list"
	CommandComplete Command = "complete"
	CommandDelete   Command = "delete"
	CommandUnknown  Command = "unknown"
)

var aliases = map[string]Command{
	"start":    CommandStart,
	"help":     CommandStart,
	"add":      CommandAdd,
	"list":     CommandList,
	"complete": CommandComplete,
	"done":     CommandComplete,
	"delete":   CommandDelete,
	"del":      CommandDelete,
	"remove":   CommandDelete,
}

// Message is one inbound update as seen by the router.
type Message struct {
	UpdateID   int
	UpdateType string
	SenderID   int64
	ChatID     int64
	Text       string
}

// ParseCommand splits text into a verb and its trimmed argument.
// "/add@TodoBot buy milk" yields (add, "buy milk"). Text that is not a
// slash command yields CommandUnknown.
func ParseCommand(text string) (Command, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return CommandUnknown, text
	}
	verb, rest := text[1:], ""
	if i := strings.IndexFunc(verb, unicode.IsSpace); i >= 0 {
		verb, rest = verb[:i], strings.TrimSpace(verb[i:])
	}
	if i := strings.IndexByte(verb, '@'); i >= 0 {
		verb = verb[:i]
	}
	cmd, ok := aliases[strings.ToLower(verb)]
	if !ok {
		return CommandUnknown, rest
	}
	return cmd, rest
}

// ParseTaskID validates a free-text task id argument.
func ParseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, &repo.ValidationError{Field: "task id", Reason: "must be a positive integer"}
	}
	return id, nil
}
