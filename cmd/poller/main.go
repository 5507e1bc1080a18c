// Package main is the entry point for the plant poller.
// Each subcommand covers one polling responsibility; run covers all of them.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nexus-edge/plant-poller/internal/adapter/config"
	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/pkg/logging"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "plant-poller"
	serviceVersion = "1.0.0"
)

// Exit codes.
const (
	exitOK            = 0
	exitDeviceFailure = 1
	exitStartup       = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func usage(fs *flag.FlagSet, out io.Writer) func() {
	return func() {
		fmt.Fprintf(out, "usage: poller [global flags] <command> [flags]\n\n")
		fmt.Fprintf(out, "commands:\n")
		fmt.Fprintf(out, "  run               poll every device class, write back and run the daily reset\n")
		fmt.Fprintf(out, "  poll-counts       poll counter devices and mirror adjusted counts\n")
		fmt.Fprintf(out, "  poll-alarms       poll alarm devices and broadcast max durations\n")
		fmt.Fprintf(out, "  poll-thickness    poll thickness devices into batches\n")
		fmt.Fprintf(out, "  reset-devices     reset every active device once\n")
		fmt.Fprintf(out, "  decrement-counts  write adjusted counts to every counter device once\n\n")
		fmt.Fprintf(out, "global flags:\n")
		fs.PrintDefaults()
	}
}

func run(args []string, stderr io.Writer) int {
	global := flag.NewFlagSet("poller", flag.ContinueOnError)
	global.SetOutput(stderr)
	configDir := global.String("config", "", "directory containing config.yaml")
	verbose := global.Bool("v", false, "debug logging")
	debug := global.Bool("debug", false, "trace logging with caller information")
	global.Usage = usage(global, stderr)

	if err := global.Parse(args); err != nil {
		return exitStartup
	}
	if global.NArg() == 0 {
		global.Usage()
		return exitStartup
	}
	cmd, cmdArgs := global.Arg(0), global.Args()[1:]

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitStartup
	}

	logger := logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	}.ApplyVerbosity(*verbose, *debug))
	logger = logger.With().Str("command", cmd).Logger()
	logger.Info().Str("env", cfg.Environment).Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		return pollCommand(ctx, cfg, logger, cmdArgs, domain.ClassCounter, domain.ClassAlarm, domain.ClassThickness)
	case "poll-counts":
		return pollCommand(ctx, cfg, logger, cmdArgs, domain.ClassCounter)
	case "poll-alarms":
		return pollCommand(ctx, cfg, logger, cmdArgs, domain.ClassAlarm)
	case "poll-thickness":
		return pollCommand(ctx, cfg, logger, cmdArgs, domain.ClassThickness)
	case "reset-devices":
		return resetCommand(ctx, cfg, logger, cmdArgs)
	case "decrement-counts":
		return decrementCommand(ctx, cfg, logger, cmdArgs)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		global.Usage()
		return exitStartup
	}
}

// pollCommand runs the poll loop for the given classes until a signal arrives, or one cycle with -once.
func pollCommand(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string, classes ...domain.DeviceClass) int {
	fs := flag.NewFlagSet("poll", flag.ContinueOnError)
	once := fs.Bool("once", false, "run a single cycle and exit")
	if err := fs.Parse(args); err != nil {
		return exitStartup
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Startup failed")
		return exitStartup
	}
	defer a.Close()

	svc, batches := a.pollingService(classes...)

	if *once {
		report, err := svc.RunCycle(ctx)
		if batches != nil {
			if _, derr := batches.Drain(context.WithoutCancel(ctx)); derr != nil {
				logger.Error().Err(derr).Msg("Batch drain failed")
			}
		}
		return a.summarize(svc, report, err)
	}

	stopHTTP := a.serveHTTP(svc)
	defer stopHTTP()

	logger.Info().
		Interface("classes", classes).
		Dur("interval", cfg.Polling.Interval).
		Int("http_port", cfg.HTTP.Port).
		Bool("mqtt", cfg.MQTT.Enabled).
		Msg("Plant poller started")

	if err := svc.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Polling stopped with error")
	}
	logger.Info().Msg("Plant poller shutdown complete")
	return exitOK
}

// resetCommand resets every active device once.
func resetCommand(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("reset-devices", flag.ContinueOnError)
	bruteForce := fs.Bool("brute-force", false, "use the brute force retry policy")
	if err := fs.Parse(args); err != nil {
		return exitStartup
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Startup failed")
		return exitStartup
	}
	defer a.Close()

	svc := a.resetService(*bruteForce)
	report, err := svc.RunCycle(ctx)
	return a.summarize(svc, report, err)
}

// decrementCommand writes today's adjusted counts to every counter device once.
func decrementCommand(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("decrement-counts", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitStartup
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Startup failed")
		return exitStartup
	}
	defer a.Close()

	svc := a.decrementService()
	report, err := svc.RunCycle(ctx)
	return a.summarize(svc, report, err)
}
