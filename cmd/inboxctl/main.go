// Command inboxctl drives the messaging core from a terminal: tail a
// conversation feed, send messages and inspect inbox state against the
// configured backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"happyinline/cmd/internal/app"

	"github.com/urfave/cli/v2"
)

type contextKey int

const contextKeyRuntime contextKey = iota

func getRuntime(ctx *cli.Context) *app.Runtime {
	return ctx.Context.Value(contextKeyRuntime).(*app.Runtime)
}

// runtimeOpener builds the runtime a command runs against.
type runtimeOpener func(ctx context.Context, cfg app.Config, log *slog.Logger) (*app.Runtime, error)

const metaOpener = "runtime_opener"

func openRuntime(ctx context.Context, cfg app.Config, log *slog.Logger) (*app.Runtime, error) {
	return app.NewRuntime(ctx, cfg, log, nil)
}

func prepareRuntime(ctx *cli.Context) error {
	if err := app.LoadDotEnv(ctx.StringSlice("env-file")...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := app.NewLogger(ctx.String("log-level"), cfg.LogFormat)

	open, ok := ctx.App.Metadata[metaOpener].(runtimeOpener)
	if !ok || open == nil {
		open = openRuntime
	}
	rt, err := open(ctx.Context, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open backend: %w", err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyRuntime, rt)
	return nil
}

func closeRuntime(ctx *cli.Context) error {
	rt, ok := ctx.Context.Value(contextKeyRuntime).(*app.Runtime)
	if !ok || rt == nil {
		return nil
	}
	return rt.Close(context.WithoutCancel(ctx.Context))
}

func requireArg(ctx *cli.Context, name string) (string, error) {
	if ctx.NArg() == 0 {
		return "", fmt.Errorf("you must specify %s", name)
	}
	return ctx.Args().Get(0), nil
}

var errNoUser = errors.New("you must pass --user")

func newApp(open runtimeOpener) *cli.App {
	return &cli.App{
		Name:  "inboxctl",
		Usage: "Inspect and drive Happy InLine conversations",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Dotenv files to load before reading HAPPYINLINE_* settings",
				Value: cli.NewStringSlice(".env"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level for runtime diagnostics",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			tailCommand,
			sendCommand,
			conversationsCommand,
			unreadCommand,
			tokenCommand,
		},
		Metadata: map[string]interface{}{metaOpener: open},
	}
}

func main() {
	if err := newApp(openRuntime).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
