package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskbot/internal/todo"
)

const (
	dueLayout   = "2006-01-02 15:04"
	shortIDSize = 8
)

func (b *Bot) register() {
	for _, c := range []command{
		{name: "start", description: "link this chat for reminders", usage: "/start", handle: b.cmdStart},
		{name: "help", description: "show commands", usage: "/help", handle: b.cmdHelp},
		{name: "tasks", description: "list open tasks", usage: "/tasks", handle: b.cmdTasks},
		{name: "add", description: "add a task", usage: "/add <title> [| YYYY-MM-DD HH:MM]", handle: b.cmdAdd},
		{name: "done", description: "complete a task", usage: "/done <id>", handle: b.cmdDone},
		{name: "del", description: "delete a task", usage: "/del <id>", handle: b.cmdDel},
	} {
		b.cmds[c.name] = c
	}
}

func (b *Bot) cmdStart(ctx context.Context, req *Request) error {
	if req.Msg != nil && !req.Msg.IsPrivate {
		b.reply(ctx, req.Chat, "Send /start in a private chat to receive reminders.")
		return nil
	}
	if err := b.svc.BindTelegram(ctx, req.FromID, req.Chat.ChatID); err != nil {
		return err
	}
	b.reply(ctx, req.Chat, "Hi! Reminders for your tasks will arrive here.\n\n"+b.helpText())
	return nil
}

func (b *Bot) cmdHelp(ctx context.Context, req *Request) error {
	b.reply(ctx, req.Chat, b.helpText())
	return nil
}

func (b *Bot) helpText() string {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, c := range b.Commands() {
		sb.WriteString(b.cmds[c.Command].usage)
		sb.WriteString(" - ")
		sb.WriteString(c.Description)
		sb.WriteString("\n")
	}
	sb.WriteString("\nDue times are in ")
	sb.WriteString(b.cfg.Location.String())
	sb.WriteString(".")
	return sb.String()
}

func (b *Bot) cmdTasks(ctx context.Context, req *Request) error {
	tasks, err := b.svc.ListTasks(ctx, req.FromID, "")
	if err != nil {
		return err
	}
	var sb strings.Builder
	n := 0
	for _, t := range tasks {
		if t.Completed {
			continue
		}
		n++
		fmt.Fprintf(&sb, "%d. %s %s", n, shortID(t.ID), t.Title)
		if t.CategoryName != "" {
			fmt.Fprintf(&sb, " [%s]", t.CategoryName)
		}
		if t.DueAt != nil {
			fmt.Fprintf(&sb, " (due %s)", t.DueAt.In(b.cfg.Location).Format(dueLayout))
		}
		sb.WriteString("\n")
	}
	if n == 0 {
		b.reply(ctx, req.Chat, "No open tasks. Add one with /add.")
		return nil
	}
	b.reply(ctx, req.Chat, strings.TrimRight(sb.String(), "\n"))
	return nil
}

func (b *Bot) cmdAdd(ctx context.Context, req *Request) error {
	title, dueRaw, hasDue := strings.Cut(req.Args, "|")
	title = strings.TrimSpace(title)
	if title == "" {
		return usageError{usage: b.cmds["add"].usage}
	}
	in := todo.NewTask{Title: title}
	if hasDue {
		due, err := time.ParseInLocation(dueLayout, strings.TrimSpace(dueRaw), b.cfg.Location)
		if err != nil {
			return usageError{usage: b.cmds["add"].usage}
		}
		in.DueAt = &due
	}
	t, err := b.svc.CreateTask(ctx, req.FromID, in)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Added %s %s", shortID(t.ID), t.Title)
	switch {
	case t.DueAt != nil && t.ReminderHandle != "":
		msg += fmt.Sprintf("\nReminder set for %s.", t.DueAt.In(b.cfg.Location).Format(dueLayout))
	case t.DueAt != nil && !t.DueAt.After(b.now()):
		msg += "\nNo reminder: the due time is in the past."
	case t.DueAt != nil:
		msg += "\nReminders are unavailable right now; the task was saved without one."
	}
	b.reply(ctx, req.Chat, msg)
	return nil
}

func (b *Bot) cmdDone(ctx context.Context, req *Request) error {
	id, err := b.resolveID(ctx, req, "done")
	if err != nil {
		return err
	}
	t, err := b.svc.CompleteTask(ctx, req.FromID, id)
	if err != nil {
		return err
	}
	b.reply(ctx, req.Chat, "Done: "+t.Title)
	return nil
}

func (b *Bot) cmdDel(ctx context.Context, req *Request) error {
	id, err := b.resolveID(ctx, req, "del")
	if err != nil {
		return err
	}
	if err := b.svc.DeleteTask(ctx, req.FromID, id); err != nil {
		return err
	}
	b.reply(ctx, req.Chat, "Deleted.")
	return nil
}

// resolveID accepts a full id or the short prefix shown by /tasks.
func (b *Bot) resolveID(ctx context.Context, req *Request, cmd string) (string, error) {
	arg := strings.TrimSpace(req.Args)
	if arg == "" {
		return "", usageError{usage: b.cmds[cmd].usage}
	}
	tasks, err := b.svc.ListTasks(ctx, req.FromID, "")
	if err != nil {
		return "", err
	}
	match := ""
	for _, t := range tasks {
		if t.ID == arg {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, arg) {
			if match != "" {
				return "", fmt.Errorf("%w: id prefix %q is ambiguous", todo.ErrInvalid, arg)
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", todo.ErrNotFound
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > shortIDSize {
		return id[:shortIDSize]
	}
	return id
}
