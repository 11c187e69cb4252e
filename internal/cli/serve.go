package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arbor-run/arbor/internal/observability"
	"github.com/arbor-run/arbor/internal/tracing"
	"github.com/arbor-run/arbor/pkg/events"
	"github.com/arbor-run/arbor/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine service",
	Long: `Run the engine service: loads entity definitions, starts the status
stream and metrics endpoints, and fires configured schedules until
interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tracing.InitOpenTelemetry("arbor"); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracing.ShutdownOpenTelemetry(context.Background())

	log := rt.zl()

	if _, err := rt.loader.LoadAll(ctx); err != nil {
		return fmt.Errorf("load entity definitions: %w", err)
	}
	if rt.cfg.Entities.Watch {
		if err := rt.loader.Watch(ctx); err != nil {
			return fmt.Errorf("watch entity definitions: %w", err)
		}
	}

	sched := scheduler.New(rt.service, log)
	for _, s := range rt.cfg.Schedules {
		var input json.RawMessage
		if s.Input != nil {
			input, _ = json.Marshal(s.Input)
		}
		if err := sched.Add(scheduler.Schedule{
			EntityID: s.EntityID,
			Cron:     s.Cron,
			Input:    input,
		}); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	errCh := make(chan error, 2)

	if rt.cfg.Stream.Enabled {
		stream := events.NewStreamServer(rt.hub, log)
		addr := fmt.Sprintf("%s:%d", rt.cfg.Stream.Host, rt.cfg.Stream.Port)
		go func() {
			if err := stream.ListenAndServe(ctx, addr); err != nil {
				errCh <- fmt.Errorf("stream server: %w", err)
			}
		}()
	}

	if rt.cfg.Metrics.Enabled {
		addr := fmt.Sprintf(":%d", rt.cfg.Metrics.Port)
		metricsSrv := &http.Server{Addr: addr, Handler: observability.Handler()}
		go func() {
			<-ctx.Done()
			metricsSrv.Close()
		}()
		go func() {
			log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	log.Info().Msg("Engine service ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
