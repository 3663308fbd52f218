package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/api"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/app"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/config"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		slog.Error("walletd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := openSession(ctx, rt); err != nil {
		if !errors.Is(err, config.ErrNotTerminal) {
			return err
		}
		slog.Warn("no terminal for password entry, starting locked")
	}
	rt.Start(ctx)

	uiToken := cfg.UIToken
	if uiToken == "" {
		uiToken = uuid.NewString()
		fmt.Fprintf(os.Stderr, "Approval UI token (Authorization: Bearer ...): %s\n", uiToken)
	}

	server := api.NewServer(cfg.ListenAddr, api.SetupRouter(rt.Router, rt.Session, uiToken))
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openSession unlocks the stored wallet, or creates one on first start.
func openSession(ctx context.Context, rt *app.App) error {
	exists, err := rt.Session.Exists(ctx)
	if err != nil {
		return err
	}

	password, err := config.PromptPassword("Wallet password: ")
	if err != nil {
		return err
	}
	defer clear(password)

	if exists {
		return rt.Session.Unlock(ctx, password)
	}

	confirm, err := config.PromptPassword("Repeat password: ")
	if err != nil {
		return err
	}
	defer clear(confirm)
	if !bytes.Equal(password, confirm) {
		return errors.New("passwords do not match")
	}

	acct, mnemonic, err := rt.Session.Create(ctx, password, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "New wallet %s\nWrite down the recovery phrase, it is shown only once:\n\n  %s\n\n", acct.Address, mnemonic)
	return nil
}
