package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/beacon-wallet/daemonbus/internal/bus"
	"github.com/beacon-wallet/daemonbus/internal/config"
	"github.com/beacon-wallet/daemonbus/internal/journal"
	"github.com/beacon-wallet/daemonbus/internal/launcher"
	"github.com/beacon-wallet/daemonbus/internal/logtail"
	"github.com/beacon-wallet/daemonbus/internal/metrics"
	"github.com/beacon-wallet/daemonbus/internal/plots"
	"github.com/beacon-wallet/daemonbus/internal/protocol"
	"github.com/beacon-wallet/daemonbus/internal/services"
	"github.com/beacon-wallet/daemonbus/internal/ws"
)

// App is the long-running bridge: one bus session kept alive across
// daemon restarts, with facade caches, an event journal, and metrics.
type App struct {
	cfg         *config.Config
	client      *bus.Client
	wallet      *services.Wallet
	fullNode    *services.FullNode
	farmer      *services.Farmer
	journal     *journal.Journal
	metrics     *metrics.Bus
	reconnector *bus.Reconnector
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runBridgeCommand(os.Args[2:])
			return
		case "status":
			runStatusCommand(os.Args[2:])
			return
		case "ping":
			runPingCommand(os.Args[2:])
			return
		case "start":
			runStartCommand(os.Args[2:])
			return
		case "stop":
			runStopCommand(os.Args[2:])
			return
		case "events":
			runEventsCommand(os.Args[2:])
			return
		case "logs":
			runLogsCommand(os.Args[2:])
			return
		case "plots":
			runPlotsCommand(os.Args[2:])
			return
		case "version":
			runVersionCommand()
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	// Default: run the bridge
	runBridgeCommand(os.Args[1:])
}

// Version information
const Version = "0.1.0"

const statusPollInterval = 30 * time.Second

func printHelp() {
	fmt.Println(`daemonbus - Beacon wallet daemon bus bridge

Usage:
  daemonbus [command] [options]

Commands:
  (none)       Run the bridge (default)
  run          Run the bridge
  status       Show daemon and chain status
  ping         Measure daemon round-trip time
  start        Launch the daemon, optionally one of its services
  stop         Stop a service, or the daemon itself
  events       Show recorded daemon events
  logs         Follow a daemon log file
  plots        Summarize plot files and farming attempts
  version      Show version information
  help         Show this help

Bridge Options:
  -config string  Path to config file (default ~/.beacon/daemonbus.yaml)

Subcommand Options:
  -json         Output in JSON format
  -config       Path to config file`)
}

func runVersionCommand() {
	fmt.Printf("daemonbus version %s\n", Version)
}

func outputJSON(data any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func wsOptions(cfg *config.Config) ws.Options {
	return ws.Options{
		URL:                cfg.Daemon.URL(),
		CertPath:           cfg.Daemon.CertPath,
		KeyPath:            cfg.Daemon.KeyPath,
		CAPath:             cfg.Daemon.CAPath,
		InsecureSkipVerify: cfg.Daemon.InsecureSkipVerify,
		PingInterval:       time.Duration(cfg.Daemon.PingIntervalMs) * time.Millisecond,
		HandshakeTimeout:   time.Duration(cfg.Daemon.HandshakeTimeoutMs) * time.Millisecond,
	}
}

func busOptions(cfg *config.Config) bus.Options {
	return bus.Options{
		ServiceName:    cfg.Session.ServiceName,
		RequestTimeout: time.Duration(cfg.Session.RequestTimeoutMs) * time.Millisecond,
		SendRate:       rate.Limit(cfg.Session.SendRatePerSec),
		SendBurst:      cfg.Session.SendBurst,
	}
}

func launcherOptions(cfg *config.Config) launcher.Options {
	return launcher.Options{
		Command:  cfg.Launcher.Command,
		Args:     cfg.Launcher.Args,
		CertPath: cfg.Daemon.CertPath,
		LogPath:  cfg.Launcher.LogPath,
		CertWait: time.Duration(cfg.Launcher.WaitCertMs) * time.Millisecond,
	}
}

// openSession dials and registers a one-shot session for a subcommand.
func openSession(ctx context.Context, cfg *config.Config) (*bus.Client, error) {
	conn, err := ws.New(wsOptions(cfg))
	if err != nil {
		return nil, err
	}
	client := bus.NewClient(conn, busOptions(cfg))
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	if err := client.Register(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// formatSpace renders the netspace estimate, which does not fit in int64.
func formatSpace(space json.Number) string {
	f, err := strconv.ParseFloat(space.String(), 64)
	if err != nil || f <= 0 {
		return "unknown"
	}
	units := []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}
	i := 0
	for f >= 1024 && i < len(units)-1 {
		f /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", f, units[i])
}

func runStatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", config.DefaultPath(), "Path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *jsonOutput {
			outputJSON(map[string]any{"error": err.Error()})
		} else {
			log.Fatalf("Failed to load config: %v", err)
		}
		return
	}

	status := map[string]any{
		"version":    Version,
		"daemon_url": cfg.Daemon.URL(),
	}

	daemonPID := launcher.New(launcherOptions(cfg)).Running()
	if daemonPID != 0 {
		status["daemon_pid"] = daemonPID
	}

	ctx := context.Background()
	client, err := openSession(ctx, cfg)
	status["connected"] = err == nil

	var pingMS float64
	var running []string
	var sync *services.SyncStatus
	var chain *services.BlockchainState
	if err != nil {
		status["error"] = err.Error()
	} else {
		defer client.Close()
		d := services.NewDaemon(client)

		start := time.Now()
		if err := d.Ping(ctx); err == nil {
			pingMS = float64(time.Since(start).Microseconds()) / 1000
			status["ping_ms"] = pingMS
		}
		if running, err = d.RunningServices(ctx); err == nil {
			status["running_services"] = running
		}
		if sync, err = services.NewWallet(client).SyncStatus(ctx); err == nil {
			status["wallet_synced"] = sync.Synced
			status["wallet_syncing"] = sync.Syncing
		}
		if chain, err = services.NewFullNode(client).State(ctx); err == nil {
			status["peak_height"] = chain.Peak.Height
			status["node_synced"] = chain.Sync.Synced
			status["netspace"] = chain.Space.String()
		}
	}

	if *jsonOutput {
		outputJSON(status)
		return
	}

	fmt.Printf("Daemon Bus Status\n")
	fmt.Printf("=================\n")
	fmt.Printf("Version:        %s\n", Version)
	fmt.Printf("Daemon URL:     %s\n", cfg.Daemon.URL())
	if daemonPID != 0 {
		fmt.Printf("Daemon PID:     %d\n", daemonPID)
	} else {
		fmt.Printf("Daemon PID:     not running\n")
	}
	fmt.Printf("Connected:      %v\n", status["connected"])
	if errMsg, ok := status["error"].(string); ok {
		fmt.Printf("Error:          %s\n", errMsg)
		return
	}
	if pingMS > 0 {
		fmt.Printf("Ping:           %.1fms\n", pingMS)
	}
	if len(running) > 0 {
		fmt.Printf("Services:       %s\n", strings.Join(running, ", "))
	}
	if sync != nil {
		fmt.Printf("Wallet Synced:  %v\n", sync.Synced)
	}
	if chain != nil {
		fmt.Printf("Peak Height:    %d\n", chain.Peak.Height)
		fmt.Printf("Netspace:       %s\n", formatSpace(chain.Space))
	}
}

func runPingCommand(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "Path to config file")
	count := fs.Int("count", 1, "Number of pings to send")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	client, err := openSession(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to reach daemon: %v", err)
	}
	defer client.Close()

	d := services.NewDaemon(client)
	for i := 0; i < *count; i++ {
		start := time.Now()
		if err := d.Ping(ctx); err != nil {
			log.Fatalf("Ping failed: %v", err)
		}
		fmt.Printf("pong from %s: time=%.1fms\n",
			cfg.Daemon.URL(), float64(time.Since(start).Microseconds())/1000)
		if i+1 < *count {
			time.Sleep(time.Second)
		}
	}
}

func runStartCommand(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "Path to config file")
	service := fs.String("service", "", "Service to start once the daemon is up (full_node, wallet, ...)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	ctx := context.Background()

	l := launcher.New(launcherOptions(cfg))
	if pid := l.Running(); pid != 0 {
		log.Printf("Daemon already running (pid %d)", pid)
	} else {
		if _, err := l.Start(ctx); err != nil {
			log.Fatalf("Failed to launch daemon: %v", err)
		}
		if err := l.WaitForCert(ctx); err != nil {
			log.Fatalf("Daemon certificate never appeared: %v", err)
		}
	}

	if *service == "" {
		return
	}

	client, err := openSession(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to reach daemon: %v", err)
	}
	defer client.Close()

	if err := services.NewDaemon(client).EnsureRunning(ctx, *service); err != nil {
		log.Fatalf("Failed to start %s: %v", *service, err)
	}
	fmt.Printf("%s running\n", *service)
}

func runStopCommand(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "Path to config file")
	service := fs.String("service", "", "Service to stop")
	stopDaemon := fs.Bool("daemon", false, "Shut down the daemon itself")
	fs.Parse(args)

	if *service == "" && !*stopDaemon {
		log.Fatal("stop: -service or -daemon required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	client, err := openSession(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to reach daemon: %v", err)
	}
	defer client.Close()

	d := services.NewDaemon(client)
	if *stopDaemon {
		if err := d.Exit(ctx); err != nil {
			log.Fatalf("Failed to stop daemon: %v", err)
		}
		fmt.Println("Daemon stopped")
		return
	}
	if err := d.StopService(ctx, *service); err != nil {
		log.Fatalf("Failed to stop %s: %v", *service, err)
	}
	fmt.Printf("%s stopped\n", *service)
}

func runEventsCommand(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", config.DefaultPath(), "Path to config file")
	n := fs.Int("n", 20, "Show the last n events")
	since := fs.Int64("since", 0, "Show events after this sequence number")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	j, err := journal.Open(cfg.Journal.Dir, cfg.Journal.MaxLines)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer j.Close()

	var entries []journal.Entry
	if *since > 0 {
		entries = j.Since(*since)
	} else {
		entries = j.Tail(*n)
	}

	if *jsonOutput {
		outputJSON(map[string]any{
			"events":   entries,
			"last_seq": j.LastSeq(),
		})
		return
	}

	if len(entries) == 0 {
		fmt.Println("No events recorded")
		return
	}
	for _, e := range entries {
		data := string(e.Data)
		if len(data) > 100 {
			data = data[:97] + "..."
		}
		fmt.Printf("%6d  %s  %-32s %s\n",
			e.Seq, e.Time.Format("2006-01-02 15:04:05"), e.Origin+"/"+e.Command, data)
	}
}

func runLogsCommand(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "Path to config file")
	pathFlag := fs.String("path", "", "Log file to follow (defaults to the daemon debug log)")
	fromStart := fs.Bool("from-start", false, "Replay the file from the beginning")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	path := *pathFlag
	if path == "" {
		path = cfg.Logs.Path
	}

	tailer := logtail.New(path, func(line string) { fmt.Println(line) })
	if err := tailer.Start(*fromStart); err != nil {
		log.Fatalf("Failed to tail %s: %v", path, err)
	}
	defer tailer.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func runPlotsCommand(args []string) {
	fs := flag.NewFlagSet("plots", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", config.DefaultPath(), "Path to config file")
	remote := fs.Bool("remote", false, "List plots from the harvester instead of scanning directories")
	farmLog := fs.String("farm-log", "", "Aggregate farming attempts from this log file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	out := map[string]any{}

	switch {
	case *remote:
		ctx := context.Background()
		client, err := openSession(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to reach daemon: %v", err)
		}
		defer client.Close()

		list, err := services.NewHarvester(client).Plots(ctx)
		if err != nil {
			log.Fatalf("Failed to list plots: %v", err)
		}
		var total int64
		for _, p := range list {
			total += p.FileSize
		}
		out["plots"] = list
		out["count"] = len(list)
		out["total_bytes"] = total
		if !*jsonOutput {
			for _, p := range list {
				fmt.Printf("k%-3d %10s  %s\n", p.Size, plots.FormatBytes(p.FileSize), p.Filename)
			}
			fmt.Printf("%d plots, %s\n", len(list), plots.FormatBytes(total))
		}

	case len(fs.Args()) > 0:
		var all []plots.PlotFile
		for _, dir := range fs.Args() {
			found, err := plots.ScanDir(dir)
			if err != nil {
				log.Fatalf("Failed to scan %s: %v", dir, err)
			}
			all = append(all, found...)
		}
		sum := plots.Summarize(all)
		out["count"] = sum.Count
		out["total_bytes"] = sum.TotalBytes
		out["by_k_size"] = sum.ByKSize
		if !*jsonOutput {
			fmt.Printf("%d plots, %s\n", sum.Count, plots.FormatBytes(sum.TotalBytes))
			ks := make([]int, 0, len(sum.ByKSize))
			for k := range sum.ByKSize {
				ks = append(ks, k)
			}
			sort.Ints(ks)
			for _, k := range ks {
				fmt.Printf("  k%d: %d\n", k, sum.ByKSize[k])
			}
			if !sum.Newest.IsZero() {
				fmt.Printf("  newest: %s\n", sum.Newest.Format("2006-01-02 15:04"))
			}
		}

	case *farmLog == "":
		fmt.Println("No directories given; try: daemonbus plots /path/to/plots")
		return
	}

	if *farmLog != "" {
		text, err := os.ReadFile(*farmLog)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", *farmLog, err)
		}
		stats := plots.AggregateFarming(plots.ParseFarmingLog(string(text)))
		out["farming"] = stats
		if !*jsonOutput {
			fmt.Printf("Farming: %d attempts, %d eligible, %d proofs, slowest %.2fs\n",
				stats.Attempts, stats.Eligible, stats.Proofs, stats.SlowestSec)
		}
	}

	if *jsonOutput {
		outputJSON(out)
	}
}

func runBridgeCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "Path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	app := &App{cfg: cfg}
	if err := app.Run(); err != nil {
		log.Fatalf("Bridge error: %v", err)
	}
}

func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := journal.Open(a.cfg.Journal.Dir, a.cfg.Journal.MaxLines)
	if err != nil {
		log.Printf("Journal disabled: %v", err)
	} else {
		a.journal = j
		defer a.journal.Close()
	}

	a.metrics = metrics.New(prometheus.NewRegistry())
	if a.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		go func() {
			if err := http.ListenAndServe(a.cfg.Metrics.Listen, mux); err != nil {
				log.Printf("Metrics listener failed: %v", err)
			}
		}()
	}

	// Make sure a daemon is there to talk to.
	l := launcher.New(launcherOptions(a.cfg))
	if pid := l.Running(); pid != 0 {
		log.Printf("Daemon already running (pid %d)", pid)
	} else {
		if _, err := l.Start(ctx); err != nil {
			return fmt.Errorf("launch daemon: %w", err)
		}
		if err := l.WaitForCert(ctx); err != nil {
			return fmt.Errorf("daemon certificate: %w", err)
		}
	}

	conn, err := ws.New(wsOptions(a.cfg))
	if err != nil {
		return err
	}
	a.client = bus.NewClient(conn, busOptions(a.cfg))
	a.client.SetObserver(a.metrics)

	a.wallet = services.NewWallet(a.client)
	a.fullNode = services.NewFullNode(a.client)
	a.farmer = services.NewFarmer(a.client)

	if a.journal != nil {
		a.client.Tap(func(env *protocol.Envelope) {
			if env.IsResponse() {
				return
			}
			if err := a.journal.Record(env.Origin, env.Command, env.Data); err != nil {
				log.Printf("Journal write failed: %v", err)
			}
		})
	}

	// The daemon opens its socket a beat after minting certs, so give the
	// first dial a few tries.
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Second)
		}
		if lastErr = a.client.Connect(ctx); lastErr != nil {
			continue
		}
		if lastErr = a.client.Register(ctx); lastErr != nil {
			a.client.Close()
			continue
		}
		break
	}
	if lastErr != nil {
		return lastErr
	}
	log.Printf("Connected to daemon at %s", a.cfg.Daemon.URL())

	services.AttachAll(a.wallet, a.fullNode, a.farmer)

	d := services.NewDaemon(a.client)
	for _, svc := range []string{protocol.ServiceFullNode, protocol.ServiceWallet} {
		if err := d.EnsureRunning(ctx, svc); err != nil {
			log.Printf("Failed to start %s: %v", svc, err)
		}
	}

	a.reconnector = bus.NewReconnector(a.client, bus.ReconnectConfig{
		Backoff: a.cfg.Session.ReconnectBackoffS,
		OnDrop: func() {
			log.Printf("Daemon connection lost, reconnecting")
		},
		OnRecovered: func(attempts int) {
			log.Printf("Daemon connection restored after %d attempts", attempts)
			a.metrics.Reconnected()
		},
		OnGiveUp: func(err error) {
			log.Printf("Reconnect abandoned: %v", err)
		},
	}, a.restore)
	a.reconnector.Start(ctx)

	go a.pollStatus(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	a.reconnector.Stop()
	return a.client.Close()
}

// restore re-runs the session setup a reconnect wipes out: registration,
// facade subscriptions, and the wallet login when one was active.
func (a *App) restore(ctx context.Context) error {
	if err := a.client.Register(ctx); err != nil {
		return err
	}
	services.AttachAll(a.wallet, a.fullNode, a.farmer)
	if fp := a.client.Fingerprint(); fp != 0 {
		if err := a.wallet.LogIn(ctx, fp); err != nil {
			log.Printf("Re-login for key %d failed: %v", fp, err)
		}
	}
	return nil
}

// pollStatus keeps the facade caches and metrics warm while idle.
func (a *App) pollStatus(ctx context.Context) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.client.State() != bus.StateAuthenticated {
			continue
		}
		if _, err := a.wallet.SyncStatus(ctx); err != nil {
			log.Printf("Sync status poll failed: %v", err)
		}
		if _, err := a.fullNode.State(ctx); err != nil {
			log.Printf("Chain state poll failed: %v", err)
		}
	}
}
