package start

import (
	"context"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/comfygate/comfygate/api"
	"github.com/comfygate/comfygate/internal/gateway"
	"github.com/comfygate/comfygate/internal/metrics"
	"github.com/comfygate/comfygate/pkg/db"
	"github.com/comfygate/comfygate/pkg/env"
	"github.com/comfygate/comfygate/pkg/log"
	"github.com/robfig/cron"
	"github.com/spf13/cobra"
)

const (
	usage   = "start"
	short   = "Start a comfygate gateway instance"
	long    = "This command starts a comfygate gateway instance"
	example = "comfygate start"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"launch", "boot", "up", "run", "begin"},
		Example:    example,
		RunE:       run,
	}
)

var cancel context.CancelFunc

func run(cmd *cobra.Command, args []string) error {
	signalChan := make(chan os.Signal, 1)

	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 signal")
				if profile := pprof.Lookup("goroutine"); profile != nil {
					if err := profile.WriteTo(os.Stdout, 1); err != nil {
						log.Error("write goroutine profile", "error", err)
					}
				}
			case syscall.SIGINT:
				log.Info("gracefully shutting down due to SIGINT signal")
				shutdown()
				os.Exit(0)
			}
		}
	}()

	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT)

	ctx, cancelFunc := context.WithCancel(context.Background())
	cancel = cancelFunc

	gdb, err := db.Connection()
	if err != nil {
		log.Fatal("database connection failure", "error", err)
	}

	log.Info("migrating database")
	if err := db.Migrate(gdb); err != nil {
		log.Fatal("database migration failure", "error", err)
	}

	metrics.Register()

	vars := env.Variables()
	gw, err := gateway.New(gdb, nil, gateway.Config{
		PollWindow:     vars.PollWindow,
		SignalInterval: vars.SignalInterval,
		StaleAfter:     vars.StaleAfter,
		ActiveWindow:   vars.ActiveWindow,
		DispatchTake:   vars.DispatchTake,
		BaseURL:        vars.BaseURL,
		SettingsPath:   vars.SettingsPath,
	})
	if err != nil {
		log.Fatal("gateway configuration failure", "error", err)
	}

	if err := gw.Start(ctx); err != nil {
		log.Fatal("gateway warm-up failure", "error", err)
	}

	// Periodic reclamation sweep, independent of agent poll traffic.
	sweeper := cron.New()
	err = sweeper.AddFunc(vars.SweepSchedule, func() {
		if _, err := gw.Poller.Reconcile(ctx); err != nil {
			log.Error("scheduled reconciliation failure", "error", err)
		}
	})
	if err != nil {
		log.Fatal("sweep schedule failure", "error", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	defer shutdown()

	log.Info("spinning up api", "port", vars.Port)
	return api.Start(gw)
}

func shutdown() {
	if cancel != nil {
		cancel()
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := api.Shutdown(ctx); err != nil {
		log.Error("api shutdown failure", "error", err)
	}
}
