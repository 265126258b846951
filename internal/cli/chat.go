package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tOgg1/parley/internal/chat"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/subscription"
)

const previewWidth = 48

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <peer-id>",
		Short: "Open (or find) the conversation with another user",
		Args:  cobra.ExactArgs(1),
		RunE:  withRuntime(runStart),
	}
}

func runStart(cmd *cobra.Command, args []string, rt *runtime) error {
	me, err := rt.me()
	if err != nil {
		return err
	}
	svc, err := rt.service(cmd.Context())
	if err != nil {
		return err
	}
	conv, created, err := svc.Start(cmd.Context(), me, models.UserID(strings.TrimSpace(args[0])))
	if err != nil && conv.ID == "" {
		return describe("start", err)
	}
	if rt.json {
		if jerr := writeJSON(rt.out, map[string]any{"conversation": conv, "created": created}); jerr != nil {
			return jerr
		}
	} else {
		fmt.Fprintln(rt.out, conv.ID)
	}
	if err != nil {
		return describe("start", err)
	}
	return nil
}

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [conversation-id] [message]",
		Short: "Send a message",
		Long: "Send a message to a conversation, or to a user with --to. The body comes\n" +
			"from the argument, --file, or stdin when stdin is not a terminal.",
		Args: cobra.MaximumNArgs(2),
		RunE: withRuntime(runSend),
	}
	cmd.Flags().String("to", "", "peer user id; starts the conversation if needed")
	cmd.Flags().StringP("file", "f", "", "read the body from a file")
	return cmd
}

func runSend(cmd *cobra.Command, args []string, rt *runtime) error {
	me, err := rt.me()
	if err != nil {
		return err
	}
	to, _ := cmd.Flags().GetString("to")
	filePath, _ := cmd.Flags().GetString("file")

	var conv models.ConversationID
	bodyArg := ""
	switch {
	case to != "" && len(args) == 2:
		return usageError(cmd, "pass either a conversation id or --to, not both")
	case to != "":
		if len(args) == 1 {
			bodyArg = args[0]
		}
	case len(args) == 0:
		return usageError(cmd, "conversation id or --to is required")
	default:
		conv = models.ConversationID(args[0])
		if len(args) == 2 {
			bodyArg = args[1]
		}
	}

	body, err := resolveSendBody(cmd, bodyArg, filePath, os.Stdin)
	if err != nil {
		return err
	}

	svc, err := rt.service(cmd.Context())
	if err != nil {
		return err
	}
	if to != "" {
		started, _, err := svc.Start(cmd.Context(), me, models.UserID(strings.TrimSpace(to)))
		if err != nil && started.ID == "" {
			return describe("start", err)
		}
		conv = started.ID
	}

	msg, err := svc.Send(cmd.Context(), me, conv, body)
	if err != nil && msg.ID == "" {
		return describe("send", err)
	}
	if rt.json {
		if jerr := writeJSON(rt.out, msg); jerr != nil {
			return jerr
		}
	} else {
		fmt.Fprintln(rt.out, msg.ID)
	}
	if err != nil {
		// The message is sent; only some chat lists lag behind.
		return describe("send", err)
	}
	return nil
}

// resolveSendBody picks the body from the argument, a file, or piped stdin.
func resolveSendBody(cmd *cobra.Command, bodyArg, filePath string, stdin *os.File) (string, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath != "" && strings.TrimSpace(bodyArg) != "" {
		return "", usageError(cmd, "provide either a message argument or --file, not both")
	}

	var raw string
	switch {
	case filePath != "":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", Exitf(ExitCodeFailure, "read file: %v", err)
		}
		raw = string(data)
	case bodyArg != "":
		raw = bodyArg
	case stdin != nil && !term.IsTerminal(int(stdin.Fd())):
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", Exitf(ExitCodeFailure, "read stdin: %v", err)
		}
		raw = string(data)
	}

	if strings.TrimSpace(raw) == "" {
		return "", usageError(cmd, "message body is required")
	}
	return raw, nil
}

func newLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "log <conversation-id>",
		Aliases: []string{"messages"},
		Short:   "Show a conversation's messages",
		Args:    cobra.ExactArgs(1),
		RunE:    withRuntime(runLog),
	}
	cmd.Flags().Bool("follow", false, "keep printing new messages")
	return cmd
}

func runLog(cmd *cobra.Command, args []string, rt *runtime) error {
	me, err := rt.me()
	if err != nil {
		return err
	}
	svc, err := rt.service(cmd.Context())
	if err != nil {
		return err
	}
	conv := models.ConversationID(args[0])
	names := newNameCache(svc)

	follow, _ := cmd.Flags().GetBool("follow")
	if !follow {
		messages, err := svc.Messages(cmd.Context(), me, conv)
		if err != nil {
			return describe("read log", err)
		}
		if rt.json {
			return writeJSON(rt.out, messages)
		}
		for _, m := range messages {
			printMessage(cmd.Context(), rt.out, names, m)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return followStream(ctx, func(h subscription.Handler) (subscription.Subscription, error) {
		return svc.SubscribeMessages(ctx, me, conv, h)
	}, func(c subscription.Change) {
		switch c.Kind {
		case subscription.ChangeReplay:
			for _, m := range c.Messages {
				renderMessage(ctx, rt, names, m)
			}
		case subscription.ChangeAdded:
			renderMessage(ctx, rt, names, *c.Message)
		}
	})
}

func renderMessage(ctx context.Context, rt *runtime, names *nameCache, m models.Message) {
	if rt.json {
		_ = writeJSON(rt.out, m)
		return
	}
	printMessage(ctx, rt.out, names, m)
}

func printMessage(ctx context.Context, out io.Writer, names *nameCache, m models.Message) {
	fmt.Fprintf(out, "%s  %s: %s\n", m.SentAt.Local().Format("2006-01-02 15:04:05"), names.get(ctx, m.SenderID), m.Body)
}

func newInboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "inbox",
		Aliases: []string{"chats"},
		Short:   "Show your chat list, newest first",
		Args:    cobra.NoArgs,
		RunE:    withRuntime(runInbox),
	}
	cmd.Flags().Bool("follow", false, "keep printing chat list updates")
	return cmd
}

func runInbox(cmd *cobra.Command, _ []string, rt *runtime) error {
	me, err := rt.me()
	if err != nil {
		return err
	}
	svc, err := rt.service(cmd.Context())
	if err != nil {
		return err
	}

	follow, _ := cmd.Flags().GetBool("follow")
	if !follow {
		entries, err := svc.Inbox(cmd.Context(), me)
		if err != nil {
			return describe("read inbox", err)
		}
		if rt.json {
			return writeJSON(rt.out, entries)
		}
		return writeInbox(rt.out, entries)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return followStream(ctx, func(h subscription.Handler) (subscription.Subscription, error) {
		return svc.SubscribeInbox(me, h)
	}, func(c subscription.Change) {
		switch {
		case rt.json && c.Kind == subscription.ChangeUpserted:
			_ = writeJSON(rt.out, c.Entry)
		case rt.json:
			_ = writeJSON(rt.out, c.Entries)
		case c.Kind == subscription.ChangeReplay:
			_ = writeInbox(rt.out, c.Entries)
		case c.Kind == subscription.ChangeUpserted:
			e := c.Entry
			fmt.Fprintf(rt.out, "%s  %s  %s: %s\n", e.LastMessageAt.Local().Format("15:04:05"),
				e.ConversationID, e.PeerDisplayName, truncate(e.LastMessagePreview, previewWidth))
		}
	})
}

func writeInbox(out io.Writer, entries []models.InboxEntry) error {
	tbl := newTable("CONVERSATION", "WITH", "LAST", "PREVIEW").limit(1, 24).limit(3, previewWidth)
	for _, e := range entries {
		tbl.row(
			string(e.ConversationID),
			e.PeerDisplayName,
			e.LastMessageAt.Local().Format("2006-01-02 15:04"),
			e.LastMessagePreview,
		)
	}
	return tbl.render(out)
}

// followStream renders changes until ctx ends or the stream fails.
func followStream(ctx context.Context, subscribe func(subscription.Handler) (subscription.Subscription, error), render func(subscription.Change)) error {
	failed := make(chan error, 1)
	sub, err := subscribe(func(c subscription.Change) {
		if c.Kind == subscription.ChangeError {
			select {
			case failed <- c.Err:
			default:
			}
			return
		}
		render(c)
	})
	if err != nil {
		return describe("subscribe", err)
	}
	defer func() {
		sub.Cancel()
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return describe("stream ended", err)
	}
}

// nameCache resolves sender names for log output.
type nameCache struct {
	svc   *chat.Service
	names map[models.UserID]string
}

func newNameCache(svc *chat.Service) *nameCache {
	return &nameCache{svc: svc, names: make(map[models.UserID]string)}
}

func (c *nameCache) get(ctx context.Context, id models.UserID) string {
	if name, ok := c.names[id]; ok {
		return name
	}
	name, err := c.svc.DisplayName(ctx, id)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return string(id)
		}
		name = string(id)
	}
	c.names[id] = name
	return name
}
