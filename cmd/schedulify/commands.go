package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli"

	"schedulify/internal/app"
	"schedulify/internal/storage"
)

const stopTimeout = 15 * time.Second

func newCLI(ctx context.Context, out io.Writer) *cli.App {
	c := cli.NewApp()
	c.Name = "schedulify"
	c.Usage = "publishes scheduled posts whose publish time has passed"
	c.UsageText = "schedulify [--config path] <command> [arguments...]"
	c.Version = version
	c.Writer = out
	c.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  app.DefaultConfigPath(),
			Usage:  "path to the config file (json or yaml)",
			EnvVar: "SCHEDULIFY_CONFIG",
		},
	}
	c.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP surface, host tick and config hot reload",
			Action: func(c *cli.Context) error { return serve(ctx, c) },
		},
		{
			Name:   "run",
			Usage:  "trigger one detection cycle and print its report",
			Action: withApp(ctx, func(ctx context.Context, c *cli.Context, a *app.App) error { return printJSON(c, a.Trigger(ctx)) }),
		},
		{
			Name:  "status",
			Usage: "print scheduled counts and reconciler state",
			Action: withApp(ctx, func(ctx context.Context, c *cli.Context, a *app.App) error {
				st, err := a.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(c, st)
			}),
		},
		{
			Name:  "settings",
			Usage: "show or change the reconciler options",
			Subcommands: []cli.Command{
				{
					Name:   "show",
					Action: withApp(ctx, settingsShow),
				},
				{
					Name:      "set",
					ArgsUsage: "<name> <value>",
					Action:    withApp(ctx, settingsSet),
				},
			},
		},
		{
			Name:  "posts",
			Usage: "manage scheduled posts",
			Subcommands: []cli.Command{
				{
					Name:  "schedule",
					Usage: "add a post scheduled for --at (RFC 3339) or --in from now",
					Flags: []cli.Flag{
						cli.StringFlag{Name: "title", Usage: "post title"},
						cli.StringFlag{Name: "permalink", Usage: "post URL"},
						cli.StringFlag{Name: "at", Usage: "publish time, RFC 3339"},
						cli.DurationFlag{Name: "in", Usage: "publish after this long, e.g. 10m or -5m"},
					},
					Action: withApp(ctx, postsSchedule),
				},
				{
					Name:   "list",
					Usage:  "list scheduled posts, soonest first",
					Flags:  []cli.Flag{cli.IntFlag{Name: "limit", Value: 100}},
					Action: withApp(ctx, postsList),
				},
			},
		},
	}
	return c
}

type appAction func(ctx context.Context, c *cli.Context, a *app.App) error

// withApp builds the app for a one-shot command and closes it afterwards.
func withApp(ctx context.Context, fn appAction) func(*cli.Context) error {
	return func(c *cli.Context) error {
		a, err := app.New(ctx, c.GlobalString("config"))
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		return fn(ctx, c, a)
	}
}

func serve(ctx context.Context, c *cli.Context) error {
	a, err := app.New(ctx, c.GlobalString("config"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		a.Logger().Warn("stop finished with errors")
	}
	return a.Err()
}

func settingsShow(ctx context.Context, c *cli.Context, a *app.App) error {
	s, err := a.Settings().Load(ctx)
	if err != nil {
		return err
	}
	return printJSON(c, s)
}

func settingsSet(ctx context.Context, c *cli.Context, a *app.App) error {
	if c.NArg() != 2 {
		return errors.New("usage: settings set <name> <value>")
	}
	if err := a.Settings().Set(ctx, c.Args().Get(0), c.Args().Get(1)); err != nil {
		return err
	}
	return settingsShow(ctx, c, a)
}

func postsSchedule(ctx context.Context, c *cli.Context, a *app.App) error {
	at, err := publishTime(c.String("at"), c.Duration("in"), c.IsSet("in"), time.Now())
	if err != nil {
		return err
	}
	p := storage.Post{
		Title:       c.String("title"),
		Permalink:   c.String("permalink"),
		Status:      storage.StatusFuture,
		ScheduledAt: at,
	}
	id, err := a.Posts().Insert(ctx, p)
	if err != nil {
		return err
	}
	p.ID = id
	return printJSON(c, p)
}

func publishTime(at string, in time.Duration, inSet bool, now time.Time) (time.Time, error) {
	at = strings.TrimSpace(at)
	switch {
	case at != "" && inSet:
		return time.Time{}, errors.New("use either --at or --in")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("--at: %w", err)
		}
		return t.UTC(), nil
	case inSet:
		return now.Add(in).UTC(), nil
	default:
		return time.Time{}, errors.New("one of --at or --in is required")
	}
}

func postsList(ctx context.Context, c *cli.Context, a *app.App) error {
	limit := c.Int("limit")
	if limit <= 0 {
		return errors.New("--limit must be positive")
	}
	posts, err := a.Posts().ListScheduled(ctx, limit)
	if err != nil {
		return err
	}
	if posts == nil {
		posts = []storage.Post{}
	}
	return printJSON(c, posts)
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
