package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/core"
	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/input"
	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/store"
)

const chatHelp = `Type a message and press Enter to send it.
  /attach <path>            attach a file to the next message
  /detach                   remove the pending attachment
  /regen [shorter|longer]   regenerate the last reply
  /edit <n> <text>          edit message n (see /history) and regenerate
  /history                  show the current conversation
  /model <id>               switch the model of this conversation
  /new                      start a new conversation
  /quit                     exit`

var errQuit = errors.New("quit")

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			r := newREPL(a.chat, a.extractor, cfg.SendFileLabel, cmd.OutOrStdout())
			return r.run(cmd.Context(), cmd.InOrStdin())
		},
	}
}

// repl drives one composer from a line-oriented terminal. Voice input is
// not available here, so the composer only has text and attachments.
type repl struct {
	chat     *core.ChatService
	arbiter  *input.InputArbiter
	notes    *input.NotificationQueue
	out      io.Writer
	readFile func(string) ([]byte, error)
}

func newREPL(chat *core.ChatService, extractor input.Extractor, sendFileLabel string, out io.Writer) *repl {
	notes := input.NewNotificationQueue(0, nil)
	arbiter := input.NewInputArbiter(chat, nil, input.Sources{
		Attachments: input.NewAttachmentSource(extractor),
	}, notes,
		input.WithSendFileLabel(sendFileLabel),
		input.WithAsyncRunner(func(f func()) { f() }))
	return &repl{chat: chat, arbiter: arbiter, notes: notes, out: out, readFile: os.ReadFile}
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	conv := r.chat.CurrentConversation()
	fmt.Fprintf(r.out, "Conversation %q (model %s). /help for commands.\n", conv.Title, conv.Model)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		err := r.handleLine(ctx, scanner.Text())
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(r.out, "error:", err)
		}
		r.flushNotifications()
	}
}

func (r *repl) flushNotifications() {
	for _, n := range r.notes.Drain() {
		fmt.Fprintf(r.out, "[%s] %s\n", n.Level, n.Message)
	}
}

func (r *repl) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return r.send(ctx, line)
	}

	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch command {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/attach":
		return r.attach(rest)
	case "/detach":
		return r.arbiter.RemoveAttachment()
	case "/regen":
		return r.regenerate(ctx, rest)
	case "/edit":
		return r.edit(ctx, rest)
	case "/history":
		r.printHistory()
	case "/model":
		if rest == "" {
			fmt.Fprintln(r.out, "model:", r.chat.CurrentConversation().Model)
			return nil
		}
		return r.chat.SetConversationModel(r.chat.CurrentConversation().ID, rest)
	case "/new":
		conv := r.chat.CreateConversation(r.chat.CurrentConversation().Model)
		fmt.Fprintf(r.out, "Started conversation %s\n", conv.ID)
	default:
		return fmt.Errorf("unknown command %s (try /help)", command)
	}
	return nil
}

// send pushes text through the composer so attachments win over text
// exactly as they do in the API.
func (r *repl) send(ctx context.Context, text string) error {
	if err := r.arbiter.SetText(text); err != nil {
		return err
	}
	outcome, err := r.arbiter.Submit(ctx)
	if err != nil {
		return err
	}
	if outcome != input.OutcomeNoop {
		r.printLastReply()
	}
	return nil
}

func (r *repl) attach(path string) error {
	if path == "" {
		return errors.New("usage: /attach <path>")
	}
	data, err := r.readFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	info, err := r.arbiter.AttachFile(filepath.Base(path), data, mime.TypeByExtension(filepath.Ext(path)))
	if err != nil {
		return nil // already reported as a notification
	}
	fmt.Fprintf(r.out, "Attached %s (%s, %d bytes). Press Enter to send.\n", info.Name, info.MIMEType, info.SizeBytes)
	return nil
}

func (r *repl) regenerate(ctx context.Context, arg string) error {
	length, err := core.ParseLength(arg)
	if err != nil {
		return err
	}
	conv := r.chat.CurrentConversation()
	last := lastAssistant(conv)
	if last == nil {
		return errors.New("nothing to regenerate yet")
	}
	if _, err := r.chat.RegenerateMessage(ctx, conv.ID, last.ID, core.RegenerationOptions{Length: length}); err != nil {
		return err
	}
	r.printLastReply()
	return nil
}

func (r *repl) edit(ctx context.Context, arg string) error {
	numStr, text, ok := strings.Cut(arg, " ")
	n, err := strconv.Atoi(numStr)
	if !ok || err != nil {
		return errors.New("usage: /edit <n> <text>")
	}
	conv := r.chat.CurrentConversation()
	if n < 1 || n > len(conv.Messages) {
		return fmt.Errorf("no message %d", n)
	}
	reply, err := r.chat.EditMessage(ctx, conv.ID, conv.Messages[n-1].ID, text, core.RegenerationOptions{})
	if err != nil {
		return err
	}
	if reply == nil {
		fmt.Fprintln(r.out, "(unchanged)")
		return nil
	}
	r.printLastReply()
	return nil
}

func (r *repl) printHistory() {
	conv := r.chat.CurrentConversation()
	fmt.Fprintf(r.out, "%s [%s]\n", conv.Title, conv.Model)
	for i, m := range conv.Messages {
		fmt.Fprintf(r.out, "%3d %-9s %s\n", i+1, m.Role, m.Content)
	}
}

func (r *repl) printLastReply() {
	if last := lastAssistant(r.chat.CurrentConversation()); last != nil {
		fmt.Fprintf(r.out, "assistant: %s\n", last.Content)
	}
}

func lastAssistant(conv store.Conversation) *store.Message {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == store.RoleAssistant {
			return &conv.Messages[i]
		}
	}
	return nil
}
