package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/cptspacemanspiff/vitals-monitor/internal/collector"
	"github.com/cptspacemanspiff/vitals-monitor/internal/config"
	dbussvc "github.com/cptspacemanspiff/vitals-monitor/internal/dbus"
	"github.com/cptspacemanspiff/vitals-monitor/internal/monitor"
	"github.com/cptspacemanspiff/vitals-monitor/internal/storage"
)

// topicHandler wraps an slog.Handler and filters records by a "topic" attribute.
// Records without a topic attribute always pass through (startup messages, errors).
// Records with a topic only pass if that topic is enabled.
type topicHandler struct {
	inner  slog.Handler
	topics map[string]bool
	topic  string // set when WithAttrs includes a "topic" key
}

func (h *topicHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.inner.Enabled(context.Background(), level)
}

func (h *topicHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.topics["all"] {
		return h.inner.Handle(ctx, r)
	}
	topic := h.topic
	if topic == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "topic" {
				topic = a.Value.String()
				return false
			}
			return true
		})
	}
	// Warnings and errors are never filtered.
	if topic != "" && !h.topics[topic] && r.Level < slog.LevelWarn {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *topicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	topic := h.topic
	for _, a := range attrs {
		if a.Key == "topic" {
			topic = a.Value.String()
		}
	}
	return &topicHandler{inner: h.inner.WithAttrs(attrs), topics: h.topics, topic: topic}
}

func (h *topicHandler) WithGroup(name string) slog.Handler {
	return &topicHandler{inner: h.inner.WithGroup(name), topics: h.topics, topic: h.topic}
}

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to the TOML config file")
	verbose := flag.Bool("verbose", false, "enable all verbose logging (equivalent to -log=all)")
	logFlag := flag.String("log", "", "comma-separated log topics: sample,sampler,store,dbus,sleep,config (or 'all')")
	resetDB := flag.Bool("reset-db", false, "delete the database and exit")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	flag.Parse()

	topics := make(map[string]bool)
	if *verbose {
		topics["all"] = true
	}
	if *logFlag != "" {
		for _, t := range strings.Split(*logFlag, ",") {
			topics[strings.TrimSpace(t)] = true
		}
	}

	handler := &topicHandler{
		inner:  slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}),
		topics: topics,
	}
	logger := slog.New(handler)

	sampleLog := logger.With("topic", "sample")
	samplerLog := logger.With("topic", "sampler")
	storeLog := logger.With("topic", "store")
	dbusLog := logger.With("topic", "dbus")
	sleepLog := logger.With("topic", "sleep")
	configLog := logger.With("topic", "config")

	if *initConfig {
		if _, err := os.Stat(*configPath); err == nil {
			logger.Error("config file already exists", "path", *configPath)
			os.Exit(1)
		}
		if err := config.Save(*configPath, config.DefaultConfig()); err != nil {
			logger.Error("write default config", "err", err)
			os.Exit(1)
		}
		logger.Info("default config written", "path", *configPath)
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		logger.Error("load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if _, err := os.Stat(*configPath); errors.Is(err, fs.ErrNotExist) {
		configLog.Info("no config file, using defaults", "path", *configPath)
	}

	dbPath := cfg.Storage.DBPath
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		logger.Error("create data dir", "err", err)
		os.Exit(1)
	}

	if *resetDB {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
				logger.Error("delete database", "err", err)
				os.Exit(1)
			}
		}
		logger.Info("database deleted", "path", dbPath)
		return
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		logger.Error("open database", "path", dbPath, "err", err)
		os.Exit(1)
	}
	defer store.Close()
	storeLog.Info("database opened", "path", dbPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hw := collector.NewHostHardware(cfg.Collection.ReadTimeout())
	sampler := collector.NewSampler(ctx, hw, samplerLog)

	svc := dbussvc.NewService(store, sampler, cfg.History.DefaultWindow, dbusLog)
	if conn, err := svc.Export(); err != nil {
		logger.Warn("D-Bus service unavailable, live updates disabled", "err", err)
	} else {
		defer conn.Close()
		logger.Info("D-Bus service registered", "name", dbussvc.BusName)
	}

	mon := monitor.New(sampler, store, monitor.MultiSink{svc, monitor.LogSink(sampleLog)}, logger, monitor.Options{
		Interval:      cfg.Collection.Interval(),
		JumpThreshold: cfg.Collection.JumpThreshold(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mon.Run(gctx)
	})
	g.Go(func() error {
		err := config.Watch(gctx, *configPath, configLog, func(next *config.Config) {
			mon.SetInterval(next.Collection.Interval())
			svc.SetDefaultWindow(next.History.DefaultWindow)
			if next.Storage.DBPath != cfg.Storage.DBPath || next.Collection.ReadTimeoutMillis != cfg.Collection.ReadTimeoutMillis {
				configLog.Warn("storage and read timeout changes take effect after restart")
			}
		})
		if err != nil {
			logger.Warn("config watch unavailable", "err", err)
		}
		return nil
	})

	// Sample right after resume instead of waiting out the period.
	if sleepMon, err := collector.NewSleepMonitor(gctx, sleepLog); err != nil {
		logger.Warn("sleep monitor unavailable", "err", err)
	} else {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-sleepMon.Wake():
					sleepLog.Info("resumed from sleep, sampling now")
					mon.Trigger()
				}
			}
		})
	}

	logger.Info("vitals-daemon started", "interval", cfg.Collection.Interval(), "db", dbPath)
	if err := g.Wait(); err != nil {
		logger.Error("daemon stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}
