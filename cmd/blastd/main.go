package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"

	"tgblast/internal/campaign"
	"tgblast/internal/channel"
	"tgblast/internal/channel/telegram"
	"tgblast/internal/config"
	"tgblast/internal/debug"
	"tgblast/internal/dispatch"
	"tgblast/internal/metrics"
	"tgblast/internal/queue"
	"tgblast/internal/ratelimit"
	"tgblast/internal/sched"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./blastd.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	boot := logx.NewConsole("info")

	mgr := config.NewManager(cfgPath, boot)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logsvc, log := logx.New(logConfig(cfg))
	defer logsvc.Close()

	st, err := store.Open(storeConfig(cfg), log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	leaseWarn := cfg.Storage.LeaseWarnAfter.Or(5 * time.Second)
	leases := store.NewLeases(cfg.Storage.Leases, leaseWarn, log.With(logx.String("comp", "leases")))

	limiter := ratelimit.New(rateConfig(cfg), log.With(logx.String("comp", "ratelimit")))

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		addr := cfg.Metrics.Addr
		if addr == "" {
			addr = "127.0.0.1:9090"
		}
		go metrics.Serve(ctx, addr, reg, log.With(logx.String("comp", "metrics")))
	}

	pprof := debug.NewPprof(pprofConfig(cfg), log.With(logx.String("comp", "pprof")))
	pprof.Start()

	sender, err := telegram.New(telegramConfig(cfg), log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	pool := dispatch.New(dispatchConfig(cfg), sender, limiter, st, leases, met, log.With(logx.String("comp", "dispatch")))
	q := queue.New(st, leases, log.With(logx.String("comp", "queue")))
	coord := campaign.New(campaignConfig(cfg), st, leases, q, pool, met, log.With(logx.String("comp", "campaign")))

	pool.Start(ctx)
	coord.Start(ctx)
	if err := coord.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted campaigns: %w", err)
	}

	scheduler := sched.New(log.With(logx.String("comp", "sched")))
	for _, sc := range cfg.Schedules {
		sc := sc
		recipients := make([]channel.Recipient, len(sc.Recipients))
		for i, r := range sc.Recipients {
			recipients[i] = channel.Recipient(r)
		}
		payload := channel.Payload{Text: sc.Text, ParseMode: sc.ParseMode}
		err := scheduler.Register(sc.Name, sc.Spec, func(ctx context.Context) error {
			_, err := coord.Create(ctx, recipients, payload)
			return err
		})
		if err != nil {
			return err
		}
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	// Hot reload: retune the limiter, retry knobs, and log sinks in place.
	sub := mgr.Subscribe(1)
	go func() {
		for next := range sub {
			if next == nil {
				continue
			}
			logsvc.Apply(logConfig(next))
			limiter.Apply(rateConfig(next))
			pool.Apply(dispatchConfig(next))
			pprof.Reconfigure(ctx, pprofConfig(next))
			log.Info("runtime config applied")
		}
	}()
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watch unavailable", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("blastd started", logx.String("config", cfgPath))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shctx, shcancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shcancel()
	scheduler.Stop(shctx)
	coord.Stop(shctx)
	pool.Stop(shctx)
	pprof.Stop(shctx)
	mgr.Unsubscribe(sub)
	log.Info("blastd stopped")
	return nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{Path: cfg.Storage.Path, BusyTimeout: cfg.Storage.BusyTimeout.Std()}
}

func rateConfig(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		PerSecond:    cfg.Rate.PerSecond,
		BackoffFloor: cfg.Rate.BackoffFloor.Std(),
		BackoffCap:   cfg.Rate.BackoffCap.Std(),
	}
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Workers:       cfg.Dispatch.Workers,
		QueueSize:     cfg.Dispatch.QueueSize,
		RetryMax:      cfg.Dispatch.RetryMax,
		RetryBase:     cfg.Dispatch.RetryBase.Std(),
		RetryMaxDelay: cfg.Dispatch.RetryMaxDelay.Std(),
	}
}

func campaignConfig(cfg *config.Config) campaign.Config {
	return campaign.Config{
		BatchSize:     cfg.Campaign.BatchSize,
		ProgressEvery: cfg.Campaign.ProgressEvery.Std(),
		SweepPause:    cfg.Campaign.SweepPause.Std(),
	}
}

func pprofConfig(cfg *config.Config) debug.Config {
	if cfg.Pprof == nil {
		return debug.Config{}
	}
	return debug.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
		Token:   cfg.Pprof.Token,
	}
}

func telegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{Token: cfg.Telegram.Token, SendTimeout: cfg.Telegram.SendTimeout.Std()}
}
