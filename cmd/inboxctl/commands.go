package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"happyinline/cmd/internal/auth"
	"happyinline/cmd/internal/messaging"

	"github.com/urfave/cli/v2"
)

var userFlag = &cli.StringFlag{
	Name:    "user",
	Aliases: []string{"u"},
	Usage:   "Acting user id",
	EnvVars: []string{"HAPPYINLINE_USER"},
}

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "Print one JSON object per line",
}

var tailCommand = &cli.Command{
	Name:      "tail",
	Usage:     "Follow new messages of a conversation until interrupted",
	ArgsUsage: "CONVERSATION_ID",
	Flags:     []cli.Flag{jsonFlag},
	Before:    prepareRuntime,
	After:     closeRuntime,
	Action:    cmdTail,
}

func cmdTail(ctx *cli.Context) error {
	convID, err := requireArg(ctx, "a conversation id")
	if err != nil {
		return err
	}
	rt := getRuntime(ctx)

	sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	asJSON := ctx.Bool("json")
	sub, err := rt.Poller.Subscribe(sigCtx, convID, func(m messaging.Message) {
		printMessage(ctx.App.Writer, m, asJSON)
	})
	if err != nil {
		return err
	}
	defer sub.Cancel()

	fmt.Fprintf(ctx.App.ErrWriter, "tailing %s (ctrl-c to stop)\n", convID)
	select {
	case <-sigCtx.Done():
	case <-sub.Done():
	}
	return nil
}

func printMessage(w io.Writer, m messaging.Message, asJSON bool) {
	if asJSON {
		b, err := json.Marshal(m)
		if err == nil {
			fmt.Fprintln(w, string(b))
		}
		return
	}
	fmt.Fprintf(w, "%s  %-20s %s\n", m.CreatedAt.Local().Format(time.DateTime), m.SenderID, m.Content)
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message as --user and notify the other participant",
	ArgsUsage: "CONVERSATION_ID TEXT",
	Flags:     []cli.Flag{userFlag},
	Before:    prepareRuntime,
	After:     closeRuntime,
	Action:    cmdSend,
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a conversation id and the message text")
	}
	user := ctx.String("user")
	if user == "" {
		return errNoUser
	}
	rt := getRuntime(ctx)

	convID := ctx.Args().Get(0)
	parts, err := rt.Directory.Participants(ctx.Context, convID)
	if err != nil {
		return err
	}
	if !parts.Has(user) {
		return fmt.Errorf("%s is not a participant of %s", user, convID)
	}

	m, err := rt.Sender.Send(ctx.Context, messaging.SendInput{
		ConversationID: convID,
		SenderID:       user,
		Text:           ctx.Args().Get(1),
	})
	if err != nil {
		return err
	}
	// Close waits for the detached notification before exiting.
	fmt.Fprintf(ctx.App.Writer, "sent %s at %s\n", m.ID, m.CreatedAt.Format(time.RFC3339))
	return nil
}

var conversationsCommand = &cli.Command{
	Name:    "conversations",
	Aliases: []string{"ls"},
	Usage:   "List the conversations of --user, most recent first",
	Flags: []cli.Flag{
		userFlag,
		jsonFlag,
		&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum conversations to list"},
	},
	Before: prepareRuntime,
	After:  closeRuntime,
	Action: cmdConversations,
}

func cmdConversations(ctx *cli.Context) error {
	user := ctx.String("user")
	if user == "" {
		return errNoUser
	}
	rt := getRuntime(ctx)

	convs, err := rt.Backend.ListConversations(ctx.Context, user, ctx.Int("limit"))
	if err != nil {
		return err
	}
	for _, c := range convs {
		if ctx.Bool("json") {
			b, err := json.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Fprintln(ctx.App.Writer, string(b))
			continue
		}
		other, _ := c.Participants().Other(user)
		name := displayName(ctx.Context, rt.Directory, other)
		last := "-"
		if c.LastMessageAt != nil {
			last = c.LastMessageAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(ctx.App.Writer, "%s  %-24s %s\n", c.ID, name, last)
	}
	return nil
}

func displayName(ctx context.Context, dir messaging.Directory, userID string) string {
	name, err := dir.DisplayName(ctx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}

var unreadCommand = &cli.Command{
	Name:   "unread",
	Usage:  "Print the unread message count of --user",
	Flags:  []cli.Flag{userFlag},
	Before: prepareRuntime,
	After:  closeRuntime,
	Action: func(ctx *cli.Context) error {
		user := ctx.String("user")
		if user == "" {
			return errNoUser
		}
		n, err := getRuntime(ctx).Backend.UnreadCount(ctx.Context, user)
		if err != nil {
			return err
		}
		fmt.Fprintln(ctx.App.Writer, n)
		return nil
	},
}

var tokenCommand = &cli.Command{
	Name:      "token",
	Usage:     "Mint a development access token for USER_ID",
	ArgsUsage: "USER_ID",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "secret", EnvVars: []string{"HAPPYINLINE_JWT_SECRET"}, Usage: "HS256 signing secret"},
		&cli.StringFlag{Name: "audience", Value: auth.DefaultAudience, Usage: "Token audience"},
		&cli.DurationFlag{Name: "ttl", Value: time.Hour, Usage: "Token lifetime"},
	},
	Action: func(ctx *cli.Context) error {
		user, err := requireArg(ctx, "a user id")
		if err != nil {
			return err
		}
		v, err := auth.NewVerifier(ctx.String("secret"), ctx.String("audience"))
		if err != nil {
			return err
		}
		tok, err := v.Issue(user, ctx.Duration("ttl"))
		if err != nil {
			return err
		}
		fmt.Fprintln(ctx.App.Writer, tok)
		return nil
	},
}
