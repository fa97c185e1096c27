package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/cliniko-referrals/internal/config"
	"github.com/Sternrassler/cliniko-referrals/internal/server"
	"github.com/Sternrassler/cliniko-referrals/pkg/client"
	"github.com/Sternrassler/cliniko-referrals/pkg/logging"
	"github.com/Sternrassler/cliniko-referrals/pkg/pipeline"
	"github.com/Sternrassler/cliniko-referrals/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "referral-server",
		Short:         "Aggregate Cliniko patients by referring doctor",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(server.Config{
				Port:               a.cfg.Port,
				CancelOnDisconnect: a.cfg.CancelOnDisconnect,
			}, a.runner, a.client, a.redis, logging.Component("server"))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(srv.Start)
			g.Go(func() error {
				<-gctx.Done()
				a.logger.Info().Msg("shutting down server")
				return srv.Shutdown(context.Background())
			})

			if err := g.Wait(); err != nil {
				return err
			}
			a.logger.Info().Msg("server stopped")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one aggregation and print progress events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			return runAggregation(ctx, a.runner, cmd.OutOrStdout())
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the Cliniko credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			return runCheck(ctx, a.runner, cmd.OutOrStdout())
		},
	}
}

// runAggregation performs one run and writes every event to w.
func runAggregation(ctx context.Context, runner server.Runner, w io.Writer) error {
	em := runner.NewEmitter()

	errc := make(chan error, 1)
	go func() {
		_, err := runner.Run(ctx, em)
		errc <- err
	}()

	enc := json.NewEncoder(w)
	for ev := range em.Events() {
		if err := enc.Encode(ev); err != nil {
			em.Detach()
			<-errc
			return fmt.Errorf("write event: %w", err)
		}
	}
	return <-errc
}

func runCheck(ctx context.Context, runner server.Runner, w io.Writer) error {
	total, err := runner.Check(ctx)
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	fmt.Fprintf(w, "Connected to Cliniko successfully! %d patients\n", total)
	return nil
}

type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	redis  *redis.Client
	client *client.Client
	runner *pipeline.Runner
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(cfg.Logging())

	rdb, err := connectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		logger.Info().Msg("Connected to Redis, rate limit state is shared")
	}

	tracker := ratelimit.NewTracker(rdb, logging.Component("ratelimit"))

	c, err := client.New(cfg.Client(), tracker)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, fmt.Errorf("create client: %w", err)
	}

	pacer := ratelimit.NewPacer(cfg.Pacer(), tracker)
	runner := pipeline.NewRunner(c, pacer, cfg.Pipeline(), logging.Component("pipeline"))

	return &app{
		cfg:    cfg,
		logger: logger,
		redis:  rdb,
		client: c,
		runner: runner,
	}, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
}

// connectRedis returns nil when no URL is configured. Both redis:// URLs
// and bare host:port addresses are accepted.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}

	var opts *redis.Options
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: url}
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Join(fmt.Errorf("connect to redis at %s", opts.Addr), err)
	}
	return rdb, nil
}
