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
	_ "time/tzdata"

	"taskbot/internal/app"
	"taskbot/internal/config"
	"taskbot/internal/httpapi"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "token:", err)
			os.Exit(1)
		}
		return
	}

	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.StringVar(&envPath, "env", ".env", "optional .env file with TASKBOT_* overrides")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Println("fatal: load env:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if ctx.Err() == nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Println("exit:", err)
		os.Exit(1)
	}
}

// issueToken prints a REST API bearer token for a user id.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.Int64("user", 0, "user id (the Telegram user id for bot users)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	envPath := fs.String("env", ".env", "optional .env file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user <= 0 {
		return errors.New("-user is required")
	}
	if err := config.LoadDotEnv(*envPath); err != nil {
		return err
	}
	secret := os.Getenv(config.EnvPrefix + "_HTTP_JWT_SECRET")
	if secret == "" {
		return errors.New(config.EnvPrefix + "_HTTP_JWT_SECRET is not set")
	}
	tok, err := httpapi.IssueToken(secret, *user, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
