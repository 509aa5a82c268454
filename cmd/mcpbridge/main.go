package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/mcpbridge/bridge"
	"github.com/guseggert/mcpbridge/control"
	"github.com/guseggert/mcpbridge/internal/config"
	"github.com/guseggert/mcpbridge/internal/files"
	"github.com/guseggert/mcpbridge/process"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "mcpbridge",
		Usage: "HTTP control surface for a line-delimited JSON-RPC child process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: cfg.ListenAddr,
			},
			&cli.StringFlag{
				Name:  "command",
				Usage: "The child executable.",
				Value: cfg.Command,
			},
			&cli.StringSliceFlag{
				Name:  "arg",
				Usage: "An argument for the child, may be repeated.",
				Value: cli.NewStringSlice(cfg.Args...),
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "The working directory of the child.",
				Value: cfg.WorkDir,
			},
			&cli.DurationFlag{
				Name:  "grace-interval",
				Usage: "How long the child must stay up after spawning to count as started.",
				Value: cfg.GraceInterval,
			},
			&cli.DurationFlag{
				Name:  "stop-timeout",
				Usage: "How long to wait after SIGTERM before killing the child.",
				Value: cfg.StopTimeout,
			},
			&cli.DurationFlag{
				Name:  "call-timeout",
				Usage: "Default timeout for calls that don't specify one.",
				Value: cfg.CallTimeout,
			},
			&cli.StringFlag{
				Name:  "static-dir",
				Usage: "Serve files from this directory for unmatched GET requests.",
				Value: cfg.StaticDir,
			},
			&cli.BoolFlag{
				Name:  "autostart",
				Usage: "Start the child as soon as the server is up.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: cfg.LogLevel,
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "One of [console,json].",
				Value: cfg.LogFormat,
			},
		},
		Action: func(cctx *cli.Context) error {
			logger, err := newLogger(cctx.String("log-format"), cctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()
			sugar := logger.Sugar()

			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting working dir: %w", err)
			}
			path, err := files.ResolveExecutable(cctx.String("command"), wd)
			if err != nil {
				return fmt.Errorf("resolving command: %w", err)
			}
			cmd := process.Command{
				Path: path,
				Args: cctx.StringSlice("arg"),
				Dir:  cctx.String("workdir"),
			}

			b := bridge.New(
				cmd,
				bridge.WithLogger(logger),
				bridge.WithGraceInterval(cctx.Duration("grace-interval")),
				bridge.WithStopTimeout(cctx.Duration("stop-timeout")),
				bridge.WithCallTimeout(cctx.Duration("call-timeout")),
			)
			server := control.NewServer(
				b,
				control.WithLogger(logger),
				control.WithListenAddr(cctx.String("listen-addr")),
				control.WithStaticDir(cctx.String("static-dir")),
			)

			ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			group, ctx := errgroup.WithContext(ctx)

			group.Go(server.Run)
			group.Go(func() error {
				<-ctx.Done()
				sugar.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cctx.Duration("stop-timeout")+5*time.Second)
				defer cancel()
				if _, err := b.StopProcess(shutdownCtx); err != nil {
					sugar.Warnw("error stopping child", "Error", err)
				}
				return server.Stop(shutdownCtx)
			})
			if cctx.Bool("autostart") {
				group.Go(func() error {
					if _, err := b.StartProcess(ctx); err != nil {
						sugar.Warnw("error starting child", "Command", cmd.String(), "Error", err)
					}
					return nil
				})
			}

			sugar.Infow("starting", "Command", cmd.String(), "ListenAddr", cctx.String("listen-addr"))
			return group.Wait()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(format, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
