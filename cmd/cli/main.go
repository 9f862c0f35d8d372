package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/specialistvlad/burstgridci/internal/app"
	"github.com/specialistvlad/burstgridci/internal/cli"
	"github.com/specialistvlad/burstgridci/internal/hcl"
	"github.com/specialistvlad/burstgridci/internal/scheduler"
	"github.com/specialistvlad/burstgridci/internal/yamlconfig"
)

// main is the entrypoint for the burstgridci application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Args[1:])
	stop()

	if err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Message != "" {
				fmt.Fprintln(os.Stderr, exitErr.Message)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitRunFailed)
	}
}

// run encapsulates the main application logic for easier testing and error handling.
func run(ctx context.Context, outW io.Writer, args []string) error {
	appConfig, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	loader := app.NewLoader(hcl.NewLoader(), yamlconfig.NewLoader())
	burstgridApp := app.NewApp(outW, appConfig, loader)

	report, err := burstgridApp.Run(ctx)
	if err != nil {
		if errors.Is(err, app.ErrConfig) {
			return &cli.ExitError{Code: cli.ExitUsage, Message: err.Error()}
		}
		return err
	}
	if report != nil && report.Status == scheduler.Failed {
		return &cli.ExitError{Code: cli.ExitRunFailed}
	}
	return nil
}
