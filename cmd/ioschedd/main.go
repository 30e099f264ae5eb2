// Package main provides the iosched conference companion service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/penpan85/iosched/config"
	"github.com/penpan85/iosched/schedule"
	"github.com/penpan85/iosched/signin"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// envOrDefault returns the environment variable value if set, otherwise the default.
func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func run(args []string) error {
	fs := flag.NewFlagSet("ioschedd", flag.ExitOnError)

	var configPath string
	var enableDebugSvc bool

	fs.StringVar(&configPath, "c", envOrDefault("IOSCHED_CONFIG", ""), "Path to configuration file")
	fs.StringVar(&configPath, "config", envOrDefault("IOSCHED_CONFIG", ""), "Path to configuration file")
	fs.BoolVar(&enableDebugSvc, "enable-debug-svc", false, "Start the debug service")

	fs.Usage = func() {
		printUsage(fs)
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if configPath == "" {
		return fmt.Errorf("-c/--config is required")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Resolve feature flags once, before the composer is built.
	provider, err := cfg.NewFlagsProvider()
	if err != nil {
		return err
	}
	resolved, err := provider.Flags(context.Background())
	if stoppable, ok := provider.(interface{ Stop() error }); ok {
		stoppable.Stop()
	}
	if err != nil {
		return fmt.Errorf("resolving feature flags: %w", err)
	}

	store, err := cfg.NewPrefsStore()
	if err != nil {
		return err
	}

	source, local, err := cfg.NewSource()
	if err != nil {
		return err
	}

	composer := signin.NewComposer(source, store, signin.Config{
		ReservationEnabled:  resolved.ReservationEnabled,
		UpstreamGracePeriod: cfg.Server.GetGracePeriod(signin.DefaultUpstreamGracePeriod),
	})
	defer composer.Close()

	catalog, stopCatalog, err := cfg.NewCatalog()
	if err != nil {
		return err
	}
	if stopCatalog != nil {
		defer stopCatalog()
	}

	agendaStore, err := schedule.NewStore(cfg.Schedule.StorePath)
	if err != nil {
		return err
	}
	defer agendaStore.Close()

	planner := schedule.NewPlanner(catalog, agendaStore, composer)

	serviceOpts := []signin.ServiceOption{}
	if local != nil {
		serviceOpts = append(serviceOpts, signin.WithLocalSignIn(local))
	}
	service, err := signin.NewService(composer, cfg.Server.ToServiceConfig(), serviceOpts...)
	if err != nil {
		return fmt.Errorf("creating sign-in bridge: %w", err)
	}

	scheduleService, err := schedule.NewService(catalog, planner, cfg.Server.ToScheduleServiceConfig())
	if err != nil {
		return fmt.Errorf("creating schedule service: %w", err)
	}

	var debugService *signin.DebugService
	if enableDebugSvc {
		debugService, err = signin.NewDebugService(composer, resolved, cfg.Server.ToServiceConfig())
		if err != nil {
			return fmt.Errorf("creating debug service: %w", err)
		}
	}

	ctx, cancel := setupSignalHandler(func() {
		service.Stop()
		scheduleService.Stop()
		if debugService != nil {
			debugService.Stop()
		}
	})
	defer cancel()

	scheduleErrCh := make(chan error, 1)
	go func() {
		if err := scheduleService.Start(ctx); err != nil {
			scheduleErrCh <- err
			cancel()
			return
		}
		scheduleErrCh <- nil
	}()

	debugErrCh := make(chan error, 1)
	if debugService != nil {
		go func() {
			if err := debugService.Start(ctx); err != nil {
				debugErrCh <- err
				cancel()
				return
			}
			debugErrCh <- nil
		}()
	}

	// Run the sign-in bridge (blocks until shutdown).
	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("running sign-in bridge: %w", err)
	}

	if err := <-scheduleErrCh; err != nil {
		return fmt.Errorf("running schedule service: %w", err)
	}
	if debugService != nil {
		if err := <-debugErrCh; err != nil {
			return fmt.Errorf("running debug service: %w", err)
		}
	}

	return nil
}

func setupSignalHandler(onStop func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nReceived signal %v, shutting down...\n", sig)
		cancel()
		if onStop != nil {
			onStop()
		}
	}()

	return ctx, cancel
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Run the conference companion state service.\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
	fmt.Fprintf(os.Stderr, "  IOSCHED_CONFIG       Path to configuration file\n")
	fmt.Fprintf(os.Stderr, "  NATS_URL             NATS server URL override\n")
	fmt.Fprintf(os.Stderr, "  IOSCHED_PREFS_PATH   Preferences database path override\n")
	fmt.Fprintf(os.Stderr, "  IOSCHED_AGENDA_PATH  Agenda database path override\n")
	fmt.Fprintf(os.Stderr, "\nExample:\n")
	fmt.Fprintf(os.Stderr, "  %s -c config.json\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nConfiguration file format (JSON):\n")
	fmt.Fprintf(os.Stderr, `  {
    "feed": {
      "type": "nats",
      "nats": {
        "natsUrl": "nats://localhost:4222",
        "token": { "issuer": "https://accounts.example.com", "publicKey": "LS0tLS1..." }
      }
    },
    "prefs": { "path": "prefs.db" },
    "flags": {
      "type": "nats",
      "nats": { "bucket": "iosched-flags", "natsUrl": "nats://localhost:4222" }
    },
    "schedule": {
      "type": "file",
      "file": { "path": "sessions.json" },
      "storePath": "agenda.db"
    },
    "server": {
      "natsUrl": "nats://localhost:4222",
      "natsNkey": "service.nk",
      "gracePeriod": "5s"
    }
  }
`)
}
