package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"EnergyRental/internal/app"
	"EnergyRental/internal/config"
	internalhttp "EnergyRental/internal/http"
	"EnergyRental/internal/logging"

	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	cliApp := &cli.App{
		Name:  "energy-rental-api",
		Usage: "Serve the energy rental HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config",
				EnvVars: []string{"CONFIG_PATH"},
			},
			&cli.BoolFlag{
				Name:  "with-worker",
				Usage: "also run the maintenance sweeps in this process",
			},
		},
		Action: run,
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Shutdown(shutdownCtx)
	}()
	if err := a.Resume(ctx); err != nil {
		return err
	}

	h := &internalhttp.Handler{
		Orders:      a.Orders,
		Payments:    a.Payments,
		Delegations: a.Delegations,
		Risk:        a.Risk,
		Events:      a.Events,
		Log:         log.Named("http"),
	}
	if cfg.Server.AdminToken == "" {
		log.Warnw("server.admin_token is empty, operator routes are disabled")
	}
	srv := internalhttp.NewServer(h, a.Chain, cfg.Server.AdminToken)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("api listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if c.Bool("with-worker") {
		g.Go(func() error { return a.Worker.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Errorw("api stopped", "error", err)
		return err
	}
	log.Infow("api stopped")
	return nil
}
