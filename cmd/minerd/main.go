// Package main implements minerd, the gominer pool mining daemon.
// It connects to a Stratum v1 pool, drives the configured devices and fans
// events out to whichever sinks are configured.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/control"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/engine"
	"github.com/bardlex/gominer/internal/events"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/notify"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/pkg/clock"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting minerd",
		"version", cfg.Version,
		"rig", cfg.RigName,
		"pool", cfg.PoolAddress(),
		"devices", cfg.Devices,
		"kernel", cfg.KernelVariant,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, clock.Real(), logger); err != nil {
		logger.WithError(err).Error("minerd stopped", "fatal", errors.IsFatal(err))
		os.Exit(1)
	}

	logger.Info("minerd stopped")
}

// run mines until ctx is done or the pool session fails.
func run(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *log.Logger) error {
	sinks, err := buildSinks(cfg, clk, logger)
	if err != nil {
		return err
	}
	defer sinks.close(logger)

	pool := stratum.NewClient(poolConfig(cfg), clk, logger)

	eng, err := engine.New(engine.FromConfig(cfg, sinks.publishSnapshot), pool, sinks.sinks, clk, logger)
	if err != nil {
		return err
	}

	// Sinks outlive the engine so they see its EngineStopped event.
	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	// The control listener stops with the engine, not only on a signal.
	listenCtx, cancelListen := context.WithCancel(ctx)
	defer cancelListen()
	var wg sync.WaitGroup
	for _, runner := range sinks.runners {
		wg.Add(1)
		go func(r func(context.Context)) {
			defer wg.Done()
			r(sinkCtx)
		}(runner)
	}

	if cfg.ZMQControlAddr != "" {
		listener, err := control.NewListener(cfg.ZMQControlAddr, logger)
		if err != nil {
			cancelSinks()
			wg.Wait()
			return err
		}
		defer func() { _ = listener.Close() }()

		if err := listener.Connect(); err != nil {
			cancelSinks()
			wg.Wait()
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Listen(listenCtx, eng); err != nil {
				logger.WithError(err).Warn("control listener stopped")
			}
		}()
	}

	err = eng.Run(ctx)
	cancelListen()

	// Let the sinks pick up the final events before they are stopped.
	time.Sleep(250 * time.Millisecond)
	cancelSinks()
	wg.Wait()

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// poolConfig maps the loaded configuration onto the Stratum client settings.
func poolConfig(cfg *config.Config) stratum.Config {
	return stratum.Config{
		Address:             cfg.PoolAddress(),
		TLS:                 cfg.PoolTLS,
		InsecureSkipVerify:  cfg.TLSInsecureSkipVerify,
		Login:               cfg.Login(),
		Password:            cfg.Password,
		UserAgent:           "gominer/" + cfg.Version,
		ExtranonceSubscribe: cfg.ExtranonceSubscribe,
		ConnectTimeout:      cfg.ConnectTimeout,
		SubmitTimeout:       cfg.SubmitTimeout,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		RetryAttempts:       cfg.RetryAttempts,
		RetryDelay:          cfg.RetryDelay,
		RetryMaxDelay:       cfg.RetryMaxDelay,
	}
}

// sinkSet is every optional consumer of engine events and snapshots.
type sinkSet struct {
	sinks     []events.Sink
	snapshots []func(*stats.Snapshot)
	runners   []func(context.Context)
	closers   []func() error
}

func (s *sinkSet) publishSnapshot(snap *stats.Snapshot) {
	for _, fn := range s.snapshots {
		fn(snap)
	}
}

func (s *sinkSet) close(logger *log.Logger) {
	for _, c := range s.closers {
		if err := c(); err != nil {
			logger.WithError(err).Warn("failed to close sink")
		}
	}
}

// buildSinks connects the sinks the configuration enables. Kafka and the
// storage backends fail startup when unreachable; a silent sink is worse
// than no miner.
func buildSinks(cfg *config.Config, clk clock.Clock, logger *log.Logger) (*sinkSet, error) {
	set := &sinkSet{}

	if len(cfg.KafkaBrokers) > 0 {
		client := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		sink := messaging.NewEventSink(client, cfg.KafkaTopicPrefix, cfg.RigName, 1024, logger)
		set.sinks = append(set.sinks, sink)
		set.snapshots = append(set.snapshots, sink.PublishSnapshot)
		set.runners = append(set.runners, sink.Run)
		set.closers = append(set.closers, client.Close)
	}

	dbCfg := &database.Config{
		Rig:         cfg.RigName,
		RedisURL:    cfg.RedisURL,
		PostgresURL: cfg.PostgresURL,
		SQLitePath:  cfg.SQLitePath,
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
		FlushInterval: cfg.StatsInterval,
	}
	if dbCfg.Enabled() {
		manager, err := database.NewManager(dbCfg, clk, logger)
		if err != nil {
			set.close(logger)
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = manager.Health(ctx)
		cancel()
		if err != nil {
			_ = manager.Close()
			set.close(logger)
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "storage_health", "storage backends unhealthy")
		}

		set.sinks = append(set.sinks, manager)
		set.snapshots = append(set.snapshots, manager.PublishSnapshot)
		set.runners = append(set.runners, manager.Run)
		set.closers = append(set.closers, manager.Close)
	}

	if cfg.DiscordToken != "" && cfg.DiscordChannel != "" {
		notifier, err := notify.New(cfg.DiscordToken, cfg.DiscordChannel, cfg.RigName, clk, logger)
		if err != nil {
			set.close(logger)
			return nil, err
		}
		set.sinks = append(set.sinks, notifier)
		set.runners = append(set.runners, notifier.Run)
		set.closers = append(set.closers, notifier.Close)
	}

	logger.Info("sinks configured", "count", len(set.sinks))
	return set, nil
}
