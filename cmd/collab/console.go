package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"taskcollab/api/internal/operation"
	"taskcollab/api/internal/session"
)

var errUsage = errors.New("usage")

const help = `commands:
  show                            print every field
  who                             list the other editors
  set <field> <value>             replace a field's whole value
  insert <field> <offset> <text>  type text (debounced)
  delete <field> <offset> <n>     remove n characters (debounced)
  flush                           submit debounced edits now
  cursor <field> <offset>         share the caret position
  lock | unlock                   take or release the task lock
  sync                            heartbeat now
  reconnect                       rejoin the session
  quit`

// console runs one editing command per input line against a session.
type console struct {
	m      *session.Manager
	userID string
	out    io.Writer
}

// exec runs line and reports whether the user asked to quit.
func (c *console) exec(ctx context.Context, line string) (bool, error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return false, nil
	}

	switch words[0] {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprintln(c.out, help)
	case "show":
		c.show()
	case "who":
		c.who()
	case "set":
		if len(words) < 2 {
			return false, fmt.Errorf("%w: set <field> <value>", errUsage)
		}
		field, err := operation.ParseField(words[1])
		if err != nil {
			return false, err
		}
		return false, c.set(ctx, field, rest(line, 2))
	case "insert":
		if len(words) < 4 {
			return false, fmt.Errorf("%w: insert <field> <offset> <text>", errUsage)
		}
		field, offset, err := fieldAndNumber(words[1], words[2])
		if err != nil {
			return false, err
		}
		return false, c.stage(field, operation.KindInsert, rest(line, 3), offset, 0)
	case "delete":
		if len(words) != 4 {
			return false, fmt.Errorf("%w: delete <field> <offset> <n>", errUsage)
		}
		field, offset, err := fieldAndNumber(words[1], words[2])
		if err != nil {
			return false, err
		}
		length, err := strconv.Atoi(words[3])
		if err != nil {
			return false, fmt.Errorf("parse length: %w", err)
		}
		return false, c.stage(field, operation.KindDelete, "", offset, length)
	case "flush":
		return false, c.m.Flush(ctx)
	case "cursor":
		if len(words) != 3 {
			return false, fmt.Errorf("%w: cursor <field> <offset>", errUsage)
		}
		field, offset, err := fieldAndNumber(words[1], words[2])
		if err != nil {
			return false, err
		}
		c.m.UpdateCursor(c.userID, field, offset)
	case "lock", "unlock":
		desired := words[0] == "lock"
		ok, err := c.m.ToggleTaskLock(ctx, c.userID, desired)
		if err != nil {
			return false, err
		}
		switch owner := c.m.GetLockOwner(); {
		case ok:
		case owner == "":
			fmt.Fprintln(c.out, "you do not hold the lock")
		default:
			fmt.Fprintf(c.out, "task is locked by %s\n", owner)
		}
	case "sync":
		return false, c.m.Sync(ctx)
	case "reconnect":
		return false, c.m.Reconnect(ctx)
	default:
		return false, fmt.Errorf("%w: unknown command %q, try help", errUsage, words[0])
	}
	return false, nil
}

func (c *console) show() {
	for _, field := range operation.Fields {
		marker := ""
		if c.m.IsDirty(field) {
			marker = " *"
		}
		fmt.Fprintf(c.out, "%-12s v%-3d %q%s\n", field, c.m.Version(field), c.m.Value(field), marker)
	}
	if owner := c.m.GetLockOwner(); owner != "" {
		fmt.Fprintf(c.out, "locked by %s\n", owner)
	}
	if pending := len(c.m.Pending()); pending > 0 {
		fmt.Fprintf(c.out, "%d edits waiting for the server\n", pending)
	}
}

func (c *console) who() {
	editors := c.m.GetCurrentCollaborators(c.userID)
	if len(editors) == 0 {
		fmt.Fprintln(c.out, "nobody else is editing")
		return
	}
	for _, editor := range editors {
		line := fmt.Sprintf("%s (%s) %s", editor.DisplayName, editor.UserID, editor.Status)
		if editor.Activity != "" {
			line += ", " + editor.Activity
		}
		if editor.Cursor != nil {
			line += fmt.Sprintf(" at %s:%d", editor.Field, *editor.Cursor)
		}
		fmt.Fprintln(c.out, line)
	}
}

func (c *console) set(ctx context.Context, field operation.Field, value string) error {
	var (
		op  operation.Operation
		err error
	)
	if field.IsText() {
		current := utf8.RuneCountInString(c.m.Value(field))
		op, err = c.m.CreateTextOperation(c.userID, field, operation.KindReplace, value, 0, current)
	} else {
		op, err = c.m.CreateFieldOperation(c.userID, field, value)
	}
	if err != nil {
		return err
	}
	_, err = c.m.ApplyOperation(ctx, op)
	return err
}

func (c *console) stage(field operation.Field, kind operation.Kind, text string, offset, length int) error {
	op, err := c.m.CreateTextOperation(c.userID, field, kind, text, offset, length)
	if err != nil {
		return err
	}
	return c.m.Stage(op)
}

// describe renders a session event as one line, or "" for events not worth
// showing.
func describe(event session.Event) string {
	switch event.Type {
	case session.EventRemote:
		return fmt.Sprintf("%s changed %s: %q", event.UserID, event.Field, event.Value)
	case session.EventRejected:
		return fmt.Sprintf("edit to %s refused: %v (now %q)", event.Field, event.Err, event.Value)
	case session.EventOverwritten:
		return fmt.Sprintf("%s overwrote your %s; you had %q", event.UserID, event.Field, event.Value)
	case session.EventLockChanged:
		if event.UserID == "" {
			return "task unlocked"
		}
		return fmt.Sprintf("task locked by %s", event.UserID)
	case session.EventOffline:
		return fmt.Sprintf("offline: %v", event.Err)
	case session.EventReconnected:
		return "reconnected"
	case session.EventSessionClosed:
		return "the server closed the session"
	}
	return ""
}

// rest returns line after its first skip words, less the one separator
// that follows them.
func rest(line string, skip int) string {
	for i := 0; i < skip; i++ {
		line = strings.TrimLeft(line, " \t")
		cut := strings.IndexAny(line, " \t")
		if cut < 0 {
			return ""
		}
		line = line[cut:]
	}
	return line[1:]
}

func fieldAndNumber(fieldArg, numberArg string) (operation.Field, int, error) {
	field, err := operation.ParseField(fieldArg)
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.Atoi(numberArg)
	if err != nil {
		return "", 0, fmt.Errorf("parse offset: %w", err)
	}
	return field, n, nil
}
