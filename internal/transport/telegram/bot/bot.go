// Package bot is the Telegram front-end of the task service. Telegram user
// ids double as task owner ids.
package bot

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"taskbot/internal/todo"
	kit "taskbot/internal/transport"
	logx "taskbot/pkg/logx"
)

// TaskService is the part of the task use cases the bot drives.
type TaskService interface {
	CreateTask(ctx context.Context, ownerID int64, in todo.NewTask) (*todo.Task, error)
	ListTasks(ctx context.Context, ownerID int64, categoryID string) ([]todo.Task, error)
	CompleteTask(ctx context.Context, ownerID int64, id string) (*todo.Task, error)
	DeleteTask(ctx context.Context, ownerID int64, id string) error
	BindTelegram(ctx context.Context, userID, chatID int64) error
}

type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Config struct {
	CommandTimeout time.Duration
	// Location is the zone /add parses and /tasks renders due times in.
	Location *time.Location
}

// Request is one parsed command.
type Request struct {
	Msg     *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    string
}

type command struct {
	name        string
	description string
	usage       string
	handle      HandlerFunc
}

type Bot struct {
	cfg  Config
	svc  TaskService
	out  Sender
	log  logx.Logger
	cmds map[string]command
	now  func() time.Time
}

func New(cfg Config, svc TaskService, out Sender, log logx.Logger) *Bot {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{cfg: cfg, svc: svc, out: out, log: log, cmds: map[string]command{}, now: time.Now}
	b.register()
	return b
}

// Commands lists the menu entries, sorted by name.
func (b *Bot) Commands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(b.cmds))
	for _, c := range b.cmds {
		out = append(out, kit.BotCommand{Command: c.name, Description: c.description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Run consumes updates until ctx is done or in is closed.
func (b *Bot) Run(ctx context.Context, in <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-in:
			if !ok {
				return nil
			}
			b.Handle(ctx, up)
		}
	}
}

// Handle dispatches one update. Non-command text is ignored.
func (b *Bot) Handle(ctx context.Context, up kit.Update) {
	m := up.Message
	if m == nil {
		return
	}
	name, args, ok := parseCommand(m.Text)
	if !ok {
		return
	}
	cmd, ok := b.cmds[name]
	if !ok {
		b.reply(ctx, kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, "Unknown command. Try /help.")
		return
	}
	req := &Request{
		Msg:     m,
		Chat:    kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID},
		FromID:  m.FromID,
		Command: name,
		Args:    args,
	}
	h := Chain(cmd.handle,
		MWPanicRecover(b.log),
		MWRequestLog(b.log),
		MWTimeout(b.cfg.CommandTimeout),
	)
	if err := h(ctx, req); err != nil {
		b.reply(ctx, req.Chat, userError(err))
	}
}

// parseCommand splits "/add@taskbot a b" into ("add", "a b").
func parseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

func (b *Bot) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if b.out == nil {
		return
	}
	// Replies outlive an expired command context.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := b.out.SendText(cctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		b.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

type usageError struct{ usage string }

func (e usageError) Error() string { return "usage: " + e.usage }

func userError(err error) string {
	var ue usageError
	switch {
	case errors.As(err, &ue):
		return "Usage: " + ue.usage
	case errors.Is(err, todo.ErrNotFound), errors.Is(err, todo.ErrForbidden):
		return "Task not found."
	case errors.Is(err, todo.ErrCategoryNotFound):
		return "Category not found."
	case errors.Is(err, todo.ErrInvalid):
		return "Invalid input: " + strings.TrimPrefix(err.Error(), todo.ErrInvalid.Error()+": ")
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out, please try again."
	default:
		return "Something went wrong, please try again."
	}
}
