package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/mcpbridge/internal/tools"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// toolserver answers tools/list and tools/call on stdin/stdout. Logs go to stderr.
func main() {
	app := &cli.App{
		Name:  "toolserver",
		Usage: "a line-delimited JSON-RPC tool server for use as the mcpbridge child",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(cctx *cli.Context) error {
			lvl, err := zapcore.ParseLevel(cctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			cfg := zap.NewDevelopmentConfig()
			cfg.Level = zap.NewAtomicLevelAt(lvl)
			logger, err := cfg.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()
			sugar := logger.Named("toolserver").Sugar()

			ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := &tools.Server{Handler: tools.NewRegistry().Handle, Log: sugar}
			done := make(chan error, 1)
			go func() { done <- s.Serve(ctx, os.Stdin, os.Stdout) }()

			sugar.Info("tool server running on stdio")
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				// stdin reads can't be interrupted; leave the serve goroutine to exit with the process
				sugar.Info("received signal, exiting")
				return nil
			}
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
