//go:build linux

// presenced reports room attendance from the proximity of a BLE beacon.
//
// Modes:
//
//	run         foreground connection manager until SIGINT/SIGTERM (default)
//	background  periodic reconciliation against the last known beacon
//	reconcile   a single reconciliation; exit status 1 when it failed
//	scan        list nearby devices for --timeout
//	health      check the attendance API; exit status 1 when unhealthy
//	forget      clear the remembered beacon
//
// Prerequisites: BlueZ (bluetoothd) running, system D-Bus access, and a
// powered adapter (`bluetoothctl power on`).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ble-attendance/internal/alert"
	"ble-attendance/internal/attendance"
	"ble-attendance/internal/ble"
	"ble-attendance/internal/buildinfo"
	"ble-attendance/internal/config"
	"ble-attendance/internal/connmgr"
	"ble-attendance/internal/kvstore"
	"ble-attendance/internal/mqtt"
	"ble-attendance/internal/reconcile"
)

const shutdownTimeout = 15 * time.Second

// exitError carries a non-zero exit status without an error message.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitError) ExitCode() int { return int(e) }

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	mode       string
	timeout    time.Duration
	userID     string
	logLevel   string
	version    bool
}

func run() error {
	var opts options
	fs := pflag.NewFlagSet("presenced", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "config file (default: search presenced.yaml, ~/.config/presenced, /etc/presenced)")
	fs.StringVarP(&opts.mode, "mode", "m", "run", "mode: run|background|reconcile|scan|health|forget")
	fs.DurationVar(&opts.timeout, "timeout", 15*time.Second, "scan duration (scan mode) or request timeout (health mode)")
	fs.StringVar(&opts.userID, "user-id", "", "persist this user id before starting")
	fs.StringVar(&opts.logLevel, "log-level", "", "override log_level from the config file")
	fs.BoolVar(&opts.version, "version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.version {
		fmt.Println(buildinfo.String())
		return nil
	}
	if args := fs.Args(); len(args) > 0 {
		if len(args) > 1 || fs.Changed("mode") {
			return fmt.Errorf("unexpected argument: %s", args[len(args)-1])
		}
		opts.mode = args[0]
	}

	path, err := config.FindConfig(opts.configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("starting", "version", buildinfo.String(), "config", path, "mode", opts.mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch strings.ToLower(opts.mode) {
	case "health":
		return runHealth(ctx, cfg, opts.timeout, logger)
	case "scan":
		return runScan(ctx, cfg, opts.timeout, logger)
	}

	store, err := kvstore.Open(cfg.StateDB)
	if err != nil {
		return err
	}
	defer store.Close()

	if opts.userID != "" {
		if err := kvstore.SetUserID(store, opts.userID); err != nil {
			return err
		}
	} else if cfg.UserID != "" {
		if err := kvstore.SetUserID(store, cfg.UserID); err != nil {
			return err
		}
	}

	switch strings.ToLower(opts.mode) {
	case "run":
		return runManager(ctx, cfg, store, logger)
	case "background":
		return runBackground(ctx, cfg, store, logger)
	case "reconcile":
		return runReconcileOnce(ctx, cfg, store, logger)
	case "forget":
		if err := kvstore.ClearConnection(store); err != nil {
			return err
		}
		logger.Info("remembered device cleared")
		return nil
	default:
		return fmt.Errorf("unknown mode: %s", opts.mode)
	}
}

// startMQTT connects the optional status mirror. A broker that is down at
// startup is not fatal; paho keeps retrying.
func startMQTT(ctx context.Context, cfg *config.Config, logger *slog.Logger) *mqtt.Publisher {
	if !cfg.MQTT.Enabled() {
		return nil
	}
	pub := mqtt.New(cfg.MQTT, logger)
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pub.Connect(cctx); err != nil {
		logger.Warn("mqtt broker not reachable yet", "broker", cfg.MQTT.Broker, "error", err)
	}
	return pub
}

func alertSink(logger *slog.Logger, pub *mqtt.Publisher) alert.Sink {
	if pub == nil {
		return alert.Log(logger)
	}
	return alert.Multi(alert.Log(logger), pub)
}

func newAPIClient(cfg *config.Config, alerts alert.Sink, logger *slog.Logger) (*attendance.Client, error) {
	opts := attendance.OptionsFromConfig(cfg)
	opts.Alerts = alerts
	opts.Logger = logger
	return attendance.New(opts)
}

func runManager(ctx context.Context, cfg *config.Config, store *kvstore.Store, logger *slog.Logger) error {
	pub := startMQTT(ctx, cfg, logger)
	if pub != nil {
		defer pub.Close()
	}
	alerts := alertSink(logger, pub)

	api, err := newAPIClient(cfg, alerts, logger)
	if err != nil {
		return err
	}
	drv := ble.NewBlueZ(cfg.Adapter, logger)
	defer drv.Close()

	mgr := connmgr.New(connmgr.Options{
		Config:   cfg,
		Driver:   drv,
		Notifier: api,
		Store:    store,
		Alerts:   alerts,
		Logger:   logger,
	})

	var wg sync.WaitGroup
	if pub != nil {
		updates, cancel := mgr.Watch()
		defer cancel()
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub.Mirror(ctx, updates)
		}()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(ctx) }()
	mgr.Start()

	err = <-runErr
	wg.Wait()
	logger.Info("stopped")
	return err
}

func runBackground(ctx context.Context, cfg *config.Config, store *kvstore.Store, logger *slog.Logger) error {
	pub := startMQTT(ctx, cfg, logger)
	if pub != nil {
		defer pub.Close()
	}
	api, err := newAPIClient(cfg, alertSink(logger, pub), logger)
	if err != nil {
		return err
	}
	drv := ble.NewBlueZ(cfg.Adapter, logger)
	defer drv.Close()

	task := reconcile.New(reconcile.Options{
		Driver:         drv,
		Store:          store,
		Notifier:       api,
		UserID:         cfg.UserID,
		ConnectTimeout: cfg.ConnectionTimeout(),
		Logger:         logger,
	})
	err = reconcile.NewScheduler(task, cfg.BackgroundInterval(), logger).Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := task.Close(closeCtx); cerr != nil {
		logger.Warn("release connection", "error", cerr)
	}
	return err
}

// runReconcileOnce performs one invocation for an external scheduler such
// as a systemd timer. The link is left up on exit.
func runReconcileOnce(ctx context.Context, cfg *config.Config, store *kvstore.Store, logger *slog.Logger) error {
	api, err := newAPIClient(cfg, alert.Log(logger), logger)
	if err != nil {
		return err
	}
	task := reconcile.New(reconcile.Options{
		Driver:         ble.NewBlueZ(cfg.Adapter, logger),
		Store:          store,
		Notifier:       api,
		UserID:         cfg.UserID,
		ConnectTimeout: cfg.ConnectionTimeout(),
		Logger:         logger,
	})
	res, _ := reconcile.Once(ctx, task, logger)
	fmt.Println(res.String())
	if res == reconcile.Failed {
		return exitError(1)
	}
	return nil
}

func runHealth(ctx context.Context, cfg *config.Config, timeout time.Duration, logger *slog.Logger) error {
	api, err := newAPIClient(cfg, nil, logger)
	if err != nil {
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if !api.HealthCheck(hctx) {
		fmt.Println("unhealthy")
		return exitError(1)
	}
	fmt.Println("healthy")
	return nil
}

func runScan(ctx context.Context, cfg *config.Config, timeout time.Duration, logger *slog.Logger) error {
	drv := ble.NewBlueZ(cfg.Adapter, logger)
	defer drv.Close()

	powered, err := drv.RadioPowered(ctx)
	if err != nil {
		return err
	}
	if !powered {
		return fmt.Errorf("adapter %s is powered off", cfg.Adapter)
	}

	criteria := connmgr.CriteriaFromConfig(cfg)
	var (
		mu   sync.Mutex
		seen = make(map[string]ble.Device)
	)
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err = drv.Scan(sctx, ble.ScanFilter{}, func(d ble.Device) {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := seen[d.ID]; ok && d.Name == "" {
			d.Name = prev.Name
		}
		seen[d.ID] = d
	})
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i, id := range ids {
		d := seen[id]
		rssi := "-"
		if d.RSSI != nil {
			rssi = fmt.Sprintf("%d", *d.RSSI)
		}
		mark := ""
		if criteria.Match(d) {
			mark = " *"
		}
		fmt.Printf("[%d] ID=%s Name=%s RSSI=%s%s\n", i, d.ID, d.Name, rssi, mark)
	}
	return nil
}
