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

	"github.com/dustin/go-humanize"

	"radiorec/internal/app"
	"radiorec/internal/model"
)

const usage = `usage: radiorec [-config path] <command> [args]

commands:
  run                               start the recorder daemon (default)
  reconcile                         rebuild the show trigger table and print it
  record [-duration d] <show-id>    capture a show now as a test recording
  reap [-dry-run]                   run one retention sweep
  probe                             run one station health cycle
  retention <show-id> <days>        change a show's retention (0 keeps forever)
  ttl <recording-id> <value> <unit> override a recording's TTL (unit: days|weeks|months|indefinite|clear)
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json, yaml or toml)")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if cmd == "run" {
		os.Exit(run(ctx, a))
	}
	if err := a.RunOnce(ctx, func(ctx context.Context) error { return oneShot(ctx, a, cmd, args) }); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App) int {
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return 1
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	return 0
}

var errUsage = errors.New("invalid arguments")

func oneShot(ctx context.Context, a *app.App, cmd string, args []string) error {
	switch cmd {
	case "reconcile":
		rep, err := a.Reconcile(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("active=%d added=%d replaced=%d removed=%d unchanged=%d invalid=%d\n",
			rep.Active, rep.Added, rep.Replaced, rep.Removed, rep.Unchanged, rep.Invalid)
		for _, e := range a.Shows() {
			fmt.Printf("  show %-5d %-20s next %s (%s)\n", e.ShowID, e.Spec, e.Next.Format(time.RFC3339), humanize.Time(e.Next))
		}
		return nil

	case "record":
		fs := flag.NewFlagSet("record", flag.ContinueOnError)
		dur := fs.Duration("duration", 0, "capture length (default: show duration)")
		if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
			return errUsage
		}
		id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: show id %q", errUsage, fs.Arg(0))
		}
		res, err := a.RecordNow(ctx, id, *dur)
		if err != nil {
			return err
		}
		fmt.Printf("recording %d: %s (%s via %s, %d attempts, %s)\n",
			res.RecordingID, res.Path, humanize.IBytes(uint64(res.Bytes)), res.Tool, res.Attempts, res.Elapsed.Truncate(time.Second))
		if res.Warning != "" {
			fmt.Println("warning:", res.Warning)
		}
		return nil

	case "reap":
		fs := flag.NewFlagSet("reap", flag.ContinueOnError)
		dry := fs.Bool("dry-run", false, "report without deleting")
		if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
			return errUsage
		}
		rep, err := a.Sweep(ctx, *dry)
		if err != nil {
			return err
		}
		for _, it := range rep.Items {
			fmt.Printf("  %-12s recording %d %s (%s)\n", it.Action, it.ID, it.Filename, humanize.IBytes(uint64(it.Bytes)))
		}
		fmt.Printf("selected=%d deleted=%d missing=%d errors=%d freed=%s dry_run=%v\n",
			rep.Selected, rep.Deleted, rep.MissingFiles, rep.Errors, humanize.IBytes(uint64(rep.FreedBytes)), rep.DryRun)
		return nil

	case "probe":
		rep, err := a.Probe(ctx)
		if err != nil {
			return err
		}
		return printJSON(rep)

	case "retention":
		if len(args) != 2 {
			return errUsage
		}
		id, err1 := strconv.ParseInt(args[0], 10, 64)
		days, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			return errUsage
		}
		n, err := a.SetShowRetention(ctx, id, days)
		if err != nil {
			return err
		}
		fmt.Printf("show %d: retention %d days, %d recordings updated\n", id, days, n)
		return nil

	case "ttl":
		if len(args) < 2 {
			return errUsage
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errUsage
		}
		var ttl *model.TTL
		switch {
		case len(args) == 2 && args[1] == "clear":
		case len(args) == 2 && args[1] == string(model.TTLIndefinite):
			ttl = &model.TTL{Unit: model.TTLIndefinite}
		case len(args) == 3:
			v, err := strconv.Atoi(args[1])
			if err != nil {
				return errUsage
			}
			ttl = &model.TTL{Value: v, Unit: model.TTLUnit(args[2])}
		default:
			return errUsage
		}
		exp, err := a.SetRecordingTTL(ctx, id, ttl)
		if err != nil {
			return err
		}
		if exp == nil {
			fmt.Printf("recording %d: kept indefinitely\n", id)
		} else {
			fmt.Printf("recording %d: expires %s (%s)\n", id, exp.Format(time.RFC3339), humanize.Time(*exp))
		}
		return nil
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
