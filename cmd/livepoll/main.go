package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"

	"livepoll/internal/app"
	"livepoll/internal/config"
	"livepoll/internal/seed"
	logx "livepoll/pkg/logx"
)

const usage = `usage:
  livepoll serve [-config livepoll.yaml]
  livepoll seed  [-config livepoll.yaml] -f polls.yaml [-replace]
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(args)
	case "seed":
		err = runSeed(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "./livepoll.yaml", "path to config (yaml or json)")
	_ = fs.Parse(args)

	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(*cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	// Not running under systemd is fine; SdNotify just reports false.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, c := context.WithTimeout(context.Background(), 15*time.Second)
	defer c()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
		return errors.New("stopped unexpectedly")
	}
	return nil
}

func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	cfgPath := fs.String("config", "./livepoll.yaml", "path to config (yaml or json)")
	file := fs.String("f", "", "poll fixtures (yaml)")
	replace := fs.Bool("replace", false, "replace polls whose id already exists")
	_ = fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("seed: -f is required\n%s", usage)
	}

	if err := config.LoadDotEnv(*cfgPath); err != nil {
		return err
	}
	cfg, err := config.NewConfigManager(*cfgPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	log := logx.NewConsole(cfg.Logging.Level)

	fixtures, err := seed.Load(*file)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := seed.Apply(ctx, st, fixtures, seed.Options{Replace: *replace}, log)
	if err != nil {
		return err
	}
	for _, p := range res.Created {
		fmt.Printf("%s\t%s\t%s\t%s\n", p.JoinCode, p.Status, p.ID, p.Title)
	}
	if len(res.Skipped) > 0 {
		fmt.Printf("skipped %d existing poll(s)\n", len(res.Skipped))
	}
	return nil
}
