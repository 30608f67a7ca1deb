// Command canvaultd is the canvault capture daemon. It supervises the
// configured CAN interface, decodes traffic into sequenced frames, and
// fans them out to the durable SQLite store, the optional InfluxDB
// series sink, and the optional relay socket for external display or
// radio collaborators.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/canvault/canvault/canlink"
	"github.com/canvault/canvault/dispatch"
	"github.com/canvault/canvault/lib/config"
	"github.com/canvault/canvault/lib/process"
	"github.com/canvault/canvault/lib/version"
	"github.com/canvault/canvault/pipeline"
	"github.com/canvault/canvault/relay"
	"github.com/canvault/canvault/series"
	"github.com/canvault/canvault/storage"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
		debug       bool
	)
	pflag.StringVar(&configPath, "config", "", "path to the canvault.yaml config file (overrides CANVAULT_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.BoolVar(&debug, "debug", false, "enable debug logging")
	pflag.Parse()

	if showVersion {
		version.Print("canvaultd")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenStore(storage.StoreConfig{
		Path:   cfg.Database.Path,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	durable := storage.NewDurableSink(durableConfig(cfg, store, logger))

	onEvent := eventLogger(logger)
	dispatcher := dispatch.New(dispatch.Config{
		Logger: logger,
		OnSinkFatal: func(name string, err error) {
			onEvent(pipeline.Event{
				Time:      time.Now(),
				Severity:  pipeline.SeverityError,
				Component: name,
				Code:      pipeline.CodeSinkFatal,
				Message:   err.Error(),
			})
		},
	})
	if _, err := dispatcher.Register(durable, dispatch.Capability{
		Policy: dispatch.PolicyBlock,
	}); err != nil {
		return err
	}

	// Background workers: sink flush loops and the relay listener.
	// Worker errors stop the daemon.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	var workers sync.WaitGroup
	workerErrs := make(chan error, 4)
	startWorker := func(name string, fn func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(workerCtx); err != nil {
				workerErrs <- fmt.Errorf("%s: %w", name, err)
				stop()
			}
		}()
	}

	startWorker("durable sink", durable.Run)

	if cfg.Series.Enabled {
		points, backend, err := seriesSink(cfg, logger)
		if err != nil {
			return err
		}
		defer backend.Close()
		if _, err := dispatcher.Register(points, dispatch.Capability{
			Policy:     dispatch.PolicyDropOldest,
			QueueDepth: 1024,
		}); err != nil {
			return err
		}
		startWorker("series sink", points.Run)
	}

	if cfg.Bluetooth.Enabled {
		server, err := relayServer(cfg, dispatcher, logger)
		if err != nil {
			return err
		}
		logger.Info("relay socket listening",
			"path", cfg.Bluetooth.SocketPath,
			"device", cfg.Bluetooth.DeviceName,
		)
		startWorker("relay server", server.Run)
	}

	link := busLink(cfg, logger)
	pipe, err := pipeline.New(pipeline.Config{
		Channels: []pipeline.ChannelConfig{{
			Name:                  cfg.Bus.Channel,
			Link:                  link,
			AutoRestart:           cfg.Bus.AutoRestart,
			ReconnectInitialDelay: cfg.Bus.ReconnectInitialDelay.Std(),
			ReconnectMaxDelay:     cfg.Bus.ReconnectMaxDelay.Std(),
		}},
		Dispatcher: dispatcher,
		OnEvent:    onEvent,
		OnSession: func(ctx context.Context, session *canlink.Session) error {
			return durable.SetSession(ctx, session)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	logger.Info("canvault capture daemon running",
		"interface", cfg.Bus.Interface,
		"channel", cfg.Bus.Channel,
		"database", cfg.Database.Path,
	)

	runErr := pipe.Run(ctx)

	// The pipeline has drained the dispatcher; stop the workers and
	// collect their errors.
	cancelWorkers()
	workers.Wait()
	close(workerErrs)
	errs := []error{runErr}
	for err := range workerErrs {
		errs = append(errs, err)
	}

	logger.Info("canvault capture daemon stopped")
	return errors.Join(errs...)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func durableConfig(cfg *config.Config, store *storage.Store, logger *slog.Logger) storage.DurableSinkConfig {
	sinkCfg := storage.DurableSinkConfig{
		Store:         store,
		BatchSize:     cfg.Database.BatchSize,
		FlushInterval: cfg.Database.FlushInterval.Std(),
		Logger:        logger,
	}
	if cfg.Database.Backup.Enabled {
		sinkCfg.BackupInterval = cfg.Database.Backup.Interval.Std()
		sinkCfg.BackupDir = cfg.Database.Backup.Directory
		sinkCfg.BackupKeep = cfg.Database.Backup.Keep
		sinkCfg.OnBackup = func(path string, err error) {
			if err != nil {
				logger.Error("database backup failed", "error", err)
				return
			}
			logger.Info("database backup written", "path", path)
		}
	}
	return sinkCfg
}

func seriesSink(cfg *config.Config, logger *slog.Logger) (*series.SeriesSink, *series.InfluxBackend, error) {
	var retention time.Duration
	if cfg.Series.Retention != "" {
		var err error
		retention, err = series.ParseRetention(cfg.Series.Retention)
		if err != nil {
			return nil, nil, fmt.Errorf("series.retention: %w", err)
		}
	}
	backend := series.NewInfluxBackend(series.InfluxConfig{
		URL:    cfg.Series.URL,
		Token:  cfg.Series.Token,
		Org:    cfg.Series.Org,
		Bucket: cfg.Series.Bucket,
	})
	sink := series.NewSeriesSink(series.SeriesSinkConfig{
		Backend:      backend,
		Retention:    retention,
		PendingLimit: cfg.Series.PendingLimit,
		Logger:       logger,
	})
	return sink, backend, nil
}

func relayServer(cfg *config.Config, dispatcher *dispatch.Dispatcher, logger *slog.Logger) (*relay.Server, error) {
	// A stale socket from an unclean shutdown blocks the listen.
	if err := os.Remove(cfg.Bluetooth.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale relay socket: %w", err)
	}
	listener, err := net.Listen("unix", cfg.Bluetooth.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("relay socket: %w", err)
	}
	return relay.NewServer(relay.ServerConfig{
		Listener:   listener,
		Dispatcher: dispatcher,
		QueueDepth: cfg.Bluetooth.QueueDepth,
		Logger:     logger,
	})
}

func busLink(cfg *config.Config, logger *slog.Logger) canlink.BusLink {
	if cfg.Bus.Interface == "virtual" {
		return canlink.NewVirtualBus(canlink.VirtualBusConfig{
			Channel:     cfg.Bus.Channel,
			Bitrate:     cfg.Bus.Bitrate,
			FD:          cfg.Bus.FD,
			TrafficRate: 20,
			Logger:      logger,
		})
	}
	return canlink.NewSocketCAN(canlink.SocketCANConfig{
		Channel:     cfg.Bus.Channel,
		Bitrate:     cfg.Bus.Bitrate,
		FD:          cfg.Bus.FD,
		ReadTimeout: 5 * time.Second,
		Logger:      logger,
	})
}

func eventLogger(logger *slog.Logger) func(pipeline.Event) {
	return func(event pipeline.Event) {
		attrs := []any{
			"component", event.Component,
			"code", event.Code,
			"message", event.Message,
		}
		switch event.Severity {
		case pipeline.SeverityError:
			logger.Error("pipeline event", attrs...)
		case pipeline.SeverityWarning:
			logger.Warn("pipeline event", attrs...)
		default:
			logger.Info("pipeline event", attrs...)
		}
	}
}
