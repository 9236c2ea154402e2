// Yardnode is the firmware for an HSC yard track-occupancy sensor node.
//
// It samples the track detector inputs, debounces them, and publishes
// occupancy changes to the layout's MQTT broker. A small HTTP portal lets
// an operator configure the node, locate it, and pull firmware updates.
// Boot configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	yardnode serve              Run the node
//	yardnode init [dir]         Write a default boot configuration
//	yardnode check              Compare the running firmware with the update server
//	yardnode version            Print version and build information
//	yardnode -o json version    Output version information as JSON
//
// A reboot requested from the portal, the AP button, or a completed
// update makes serve exit with status 3. The service manager is expected
// to restart the process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hsc-engineering/yardnode/internal/buildinfo"
	"github.com/hsc-engineering/yardnode/internal/config"
	"github.com/hsc-engineering/yardnode/internal/connwatch"
	"github.com/hsc-engineering/yardnode/internal/device"
	"github.com/hsc-engineering/yardnode/internal/events"
	"github.com/hsc-engineering/yardnode/internal/gpio"
	"github.com/hsc-engineering/yardnode/internal/identity"
	"github.com/hsc-engineering/yardnode/internal/metrics"
	"github.com/hsc-engineering/yardnode/internal/mqtt"
	"github.com/hsc-engineering/yardnode/internal/netsup"
	"github.com/hsc-engineering/yardnode/internal/opstate"
	"github.com/hsc-engineering/yardnode/internal/pagefs"
	"github.com/hsc-engineering/yardnode/internal/portal"
	"github.com/hsc-engineering/yardnode/internal/settings"
	"github.com/hsc-engineering/yardnode/internal/trackwindow"
	"github.com/hsc-engineering/yardnode/internal/update"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// exitReboot is the process status for a requested reboot.
const exitReboot = 3

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	switch {
	case err == nil:
	case errors.Is(err, device.ErrReboot):
		os.Exit(exitReboot)
	default:
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; run returns
// device.ErrReboot when the node should restart.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string

	// A local FlagSet keeps run free of package globals.
	flags := pflag.NewFlagSet("yardnode", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.StringVarP(&configPath, "config", "c", "", "path to boot config file")
	flags.StringVarP(&outputFmt, "output", "o", "text", "output format: text or json")
	help := flags.BoolP("help", "h", false, "show help")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return printUsage(stdout)
		}
		return err
	}
	if *help {
		return printUsage(stdout)
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	var command string
	cmdArgs := flags.Args()
	if len(cmdArgs) > 0 {
		command, cmdArgs = cmdArgs[0], cmdArgs[1:]
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "check":
		return runCheck(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "yardnode - HSC yard track-occupancy sensor node")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: yardnode [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the node")
	fmt.Fprintln(w, "  init [dir]   Write a default boot configuration (default: .)")
	fmt.Fprintln(w, "  check        Check the update server for new firmware")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -c, --config <path>  Path to boot config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt     Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runCheck reports whether the update server offers a different
// firmware version than the one running.
func runCheck(ctx context.Context, w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Update.URL == "" {
		return errors.New("no update URL configured")
	}

	logger := newLogger(io.Discard, slog.LevelError, "text")
	res, err := update.Check(ctx, update.NewClient(logger), cfg.Update.URL, cfg.Board.TypeShort, buildinfo.Version)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(w, "current:  %s\n", res.CurrentVersion)
	fmt.Fprintf(w, "remote:   %s\n", res.RemoteVersion)
	if res.UpdateAvailable {
		fmt.Fprintln(w, "update available")
	} else {
		fmt.Fprintln(w, "up to date")
	}
	if res.Notes != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, res.Notes)
	}
	return nil
}

// runServe boots every component and runs the device loop until a signal
// arrives or a reboot is due.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, cfg.LogFormat)
	logger.Info("starting yardnode",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// --- Settings ---
	kv, err := opstate.NewStore(filepath.Join(cfg.DataDir, "yardnode.db"))
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	defer kv.Close()

	store := settings.New(kv, cfg.Defaults, cfg.Update.URL, logger.With("component", "settings"))
	current, err := store.Load()
	if err != nil {
		logger.Warn("settings load failed, using defaults", "error", err)
	}

	// --- Identity and network ---
	radio := newRadio(cfg, logger)
	hw, err := radio.HardwareAddr()
	if err != nil {
		return fmt.Errorf("read hardware address: %w", err)
	}
	id, err := identity.FromHardwareAddr(hw)
	if err != nil {
		return err
	}
	logger.Info("identity", "device_id", id.DeviceID, "hostname", id.Hostname, "boot_id", id.BootID)

	bus := events.New()
	m := metrics.New()
	watches := connwatch.NewManager(logger.With("component", "connwatch"))
	defer watches.Stop()

	supervisor := netsup.New(radio, netsup.Options{
		Attempts:   cfg.Network.ConnectAttempts,
		Interval:   cfg.Network.ConnectInterval,
		APSSID:     cfg.Network.APSSID,
		APPassword: cfg.Network.APPassword,
		ClockProbe: netsup.TimedatectlProbe(netsup.ExecRunner),
		Watches:    watches,
		Bus:        bus,
		Logger:     logger.With("component", "network"),
	})
	state := supervisor.Connect(ctx, current.WiFiSSID, current.WiFiPassword)
	logger.Info("network up", "state", state, "ip", supervisor.IP())

	// --- Hardware ---
	pins, closePins, err := openIO(cfg, logger)
	if err != nil {
		return err
	}
	defer closePins()

	// --- Broker and updates ---
	session := mqtt.New(id, mqtt.Options{
		Namespace:         cfg.MQTT.Namespace,
		ReconnectInterval: cfg.MQTT.ReconnectInterval,
		KeepAlive:         cfg.MQTT.KeepAlive,
		Model:             cfg.Board.TypeDesc,
		BoardCode:         cfg.Board.TypeShort,
		Uptime:            buildinfo.Uptime,
		Dial:              mqtt.TCPDialer(cfg.MQTT.TLS),
		Bus:               bus,
		Metrics:           m,
		Logger:            logger.With("component", "mqtt"),
	})

	pages, err := pagefs.New(filepath.Join(cfg.DataDir, "pages"))
	if err != nil {
		return fmt.Errorf("page filesystem: %w", err)
	}
	updateClient := update.NewClient(logger.With("component", "update"))
	updater := update.New(update.Options{
		BoardType:    cfg.Board.TypeShort,
		FirmwarePath: cfg.Update.FirmwarePath,
		Client:       updateClient,
		Filesystem:   pages,
		Bus:          bus,
		Metrics:      m,
		Logger:       logger.With("component", "update"),
	})

	// --- Device loop ---
	dev, err := device.New(device.Options{
		Board:        cfg.Board,
		Identity:     id,
		Settings:     store,
		IO:           pins,
		Network:      supervisor,
		Session:      session,
		Updater:      updater,
		Watches:      watches,
		Debounce:     cfg.GPIO.Debounce,
		TickInterval: cfg.TickInterval,
		Uptime:       buildinfo.Uptime,
		Bus:          bus,
		Metrics:      m,
		Logger:       logger.With("component", "device"),
	}, time.Now())
	if err != nil {
		return fmt.Errorf("device: %w", err)
	}

	// --- Portal ---
	history := trackwindow.New(64, time.Hour, logger.With("component", "history"))
	go history.Follow(ctx, bus)

	apSSID, apPassword := supervisor.APCredentials()
	server := portal.New(portal.Options{
		Address:      cfg.Portal.Address,
		Port:         cfg.Portal.Port,
		MaxConns:     cfg.Portal.MaxConns,
		Device:       dev,
		Pages:        pages,
		Bus:          bus,
		History:      history,
		Metrics:      m.Handler(),
		UpdateClient: updateClient,
		APSSID:       apSSID,
		APPassword:   apPassword,
		Logger:       logger.With("component", "portal"),
	})
	if err := server.Listen(); err != nil {
		return err
	}
	portalErr := make(chan error, 1)
	go func() {
		portalErr <- server.Serve()
	}()

	runErr := dev.Run(ctx)

	// The loop has stopped, so the session can be closed from here.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := session.Close(shutdownCtx); err != nil {
		logger.Warn("mqtt shutdown failed", "error", err)
	}
	// Let the response that triggered a reboot reach the browser.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("portal shutdown failed", "error", err)
	}
	select {
	case err := <-portalErr:
		if err != nil {
			logger.Error("portal failed", "error", err)
		}
	case <-shutdownCtx.Done():
	}

	switch {
	case errors.Is(runErr, device.ErrReboot):
		logger.Info("rebooting")
		return runErr
	case runErr != nil && ctx.Err() == nil:
		return fmt.Errorf("device loop: %w", runErr)
	}
	logger.Info("yardnode stopped")
	return nil
}

// newRadio selects the network driver named in the boot config.
func newRadio(cfg *config.Config, logger *slog.Logger) netsup.Radio {
	if cfg.Network.Driver == "wired" {
		return &netsup.Wired{Interface: cfg.Network.Interface, Logger: logger.With("component", "radio")}
	}
	return netsup.NewNMCLI(cfg.Network.Interface)
}

// openIO opens the GPIO lines, or a simulated bank when configured.
func openIO(cfg *config.Config, logger *slog.Logger) (device.IO, func(), error) {
	if cfg.GPIO.Simulate {
		logger.Warn("using simulated GPIO", "tracks", len(cfg.GPIO.Tracks))
		sim := gpio.NewSim(len(cfg.GPIO.Tracks))
		return sim, func() {}, nil
	}
	lines, err := gpio.Open(cfg.GPIO.Chip, cfg.GPIO.Tracks, cfg.GPIO.APButton, cfg.GPIO.LED)
	if err != nil {
		return nil, nil, fmt.Errorf("open gpio %s: %w", cfg.GPIO.Chip, err)
	}
	return lines, func() {
		if err := lines.Close(); err != nil {
			logger.Warn("gpio close failed", "error", err)
		}
	}, nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format "json" selects the JSON handler; anything else
// is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the boot configuration. If explicit is
// non-empty that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
