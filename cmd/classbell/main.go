package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	_ "time/tzdata"

	"classbell/internal/app"
	"classbell/internal/config"
	"classbell/internal/subscription"
	"classbell/internal/timetable"
)

const usage = `usage: classbell [-config path] [command]

commands:
  run                      start the reminder engine (default)
  check                    validate the config and exit
  tick                     run one reminder pass and print its report
  day <group> [date]       print a group's day, navigation and remaining time
  chat list                list subscribed chats
  chat get <chat>          print one chat's settings
  chat set <chat> <group> [15m] [1m]
                           subscribe a chat to a group with the given reminders
`

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = run(ctx, cfgPath)
	case "check":
		_, err = config.NewConfigManager(cfgPath).Load(ctx)
		if err == nil {
			fmt.Println("config ok")
		}
	case "tick", "day", "chat":
		err = oneShot(ctx, cfgPath, cmd, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
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

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}

func oneShot(ctx context.Context, cfgPath, cmd string, args []string) error {
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopUnknown) }()

	switch cmd {
	case "tick":
		return printJSON(a.Tick(ctx))
	case "day":
		return day(ctx, a, args)
	default:
		return chat(ctx, a.Subscriptions(), args)
	}
}

func day(ctx context.Context, a *app.App, args []string) error {
	if len(args) < 1 {
		return errors.New("day: group id required")
	}
	group, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("day: group: %w", err)
	}
	svc := a.Schedules()
	now := time.Now().In(svc.Location())
	date := timetable.DateOf(now)
	if len(args) > 1 {
		if date, err = timetable.ParseDate(args[1]); err != nil {
			return err
		}
	}

	view, nav, err := svc.Navigate(ctx, group, date)
	if err != nil {
		return err
	}
	rem, _, err := svc.Remaining(ctx, group, now)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"day":        view.Day,
		"navigation": nav,
		"remaining": map[string]any{
			"kind":     rem.Kind.String(),
			"left":     rem.Left.String(),
			"boundary": rem.Boundary,
			"lesson":   rem.Lesson,
		},
		"next_start":  rem.NextStart,
		"next_lesson": rem.NextLesson,
	})
}

func chat(ctx context.Context, subs subscription.Store, args []string) error {
	if len(args) == 0 {
		return errors.New("chat: list, get or set")
	}
	switch args[0] {
	case "list":
		list, err := subs.ListSubscribed(ctx)
		if err != nil {
			return err
		}
		return printJSON(list)
	case "get":
		if len(args) < 2 {
			return errors.New("chat get: chat id required")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return err
		}
		s, ok, err := subs.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return subscription.ErrNotFound
		}
		return printJSON(s)
	case "set":
		if len(args) < 3 {
			return errors.New("chat set: chat id and group id required")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return err
		}
		group, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return err
		}
		s, _, err := subs.Get(ctx, id)
		if err != nil {
			return err
		}
		s.ChatID, s.GroupID = id, group
		s.Notify15m, s.Notify1m = false, false
		for _, raw := range args[3:] {
			th, err := subscription.ParseThreshold(raw)
			if err != nil {
				return err
			}
			switch th {
			case subscription.Threshold15m:
				s.Notify15m = true
			case subscription.Threshold1m:
				s.Notify1m = true
			}
		}
		if err := subs.Put(ctx, s); err != nil {
			return err
		}
		return printJSON(s)
	default:
		return fmt.Errorf("chat: unknown command %q", args[0])
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
