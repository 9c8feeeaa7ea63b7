package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"streamwatch/internal/app"
	"streamwatch/internal/config"
)

func main() {
	var (
		cfgPath string
		envPath string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file with overrides")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgm := config.NewManager(cfgPath)
	if _, err := cfgm.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal config:", err)
		os.Exit(1)
	}

	a, err := app.New(ctx, cfgm)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	// no-op outside systemd
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-a.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if err := a.Err(); err != nil {
		os.Exit(1)
	}
}
