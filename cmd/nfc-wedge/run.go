package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SimplyPrint/nfc-wedge/internal/api"
	"github.com/SimplyPrint/nfc-wedge/internal/config"
	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/SimplyPrint/nfc-wedge/internal/mqtt"
	"github.com/SimplyPrint/nfc-wedge/internal/output"
	"github.com/SimplyPrint/nfc-wedge/internal/settings"
	"github.com/SimplyPrint/nfc-wedge/internal/term"
)

var errConflictingModes = errors.New("only one of --x11, --uinput and --stdout may be given")

// explicitMode returns the mode named by the command-line flags.
func (o options) explicitMode() (output.Mode, error) {
	var modes []output.Mode
	if o.x11 {
		modes = append(modes, output.ModeX11)
	}
	if o.uinput {
		modes = append(modes, output.ModeUinput)
	}
	if o.stdout {
		modes = append(modes, output.ModeStdout)
	}
	switch len(modes) {
	case 0:
		return output.ModeAuto, nil
	case 1:
		return modes[0], nil
	default:
		return output.ModeAuto, errConflictingModes
	}
}

// applyFlags layers the command line over cfg.
func applyFlags(cfg *config.Config, o options) error {
	mode, err := o.explicitMode()
	if err != nil {
		return err
	}
	if mode != output.ModeAuto {
		cfg.Mode = string(mode)
	}
	if o.backoff != 0 {
		cfg.Backoff = o.backoff
	}
	if o.waitTimeout != 0 {
		cfg.WaitTimeout = o.waitTimeout
	}
	if o.listen || o.mdns {
		cfg.API.Enabled = true
	}
	if o.mdns {
		cfg.API.MDNS = true
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return nil
}

// resolveMode picks the configured mode, falling back to the saved one.
// Linux has no default keystroke backend.
func resolveMode(platform output.Platform, configured, saved string) (output.Mode, error) {
	name := configured
	if name == "" {
		name = saved
	}
	mode, err := output.ParseMode(name)
	if err != nil {
		return output.ModeAuto, err
	}
	if platform == output.PlatformLinux && mode == output.ModeAuto {
		return output.ModeAuto, output.ErrModeRequired
	}
	return mode, nil
}

// primarySink builds the stdout or keystroke sink for mode.
func primarySink(platform output.Platform, mode output.Mode) (output.Sink, error) {
	if mode == output.ModeStdout {
		return output.NewStdoutSink(os.Stdout), nil
	}
	inj, err := output.NewInjector(platform, mode)
	if err != nil {
		return nil, err
	}
	if err := output.CheckAvailable(inj); err != nil {
		return nil, err
	}
	logging.Info(logging.CatOutput, "Typing card IDs", map[string]any{
		"injector": inj.Name(),
	})
	return output.NewKeystrokeSink(inj), nil
}

// run loads configuration, starts the optional surfaces and watches readers
// until a signal or a fatal error. It returns the process exit code.
func run(o options) (code int, err error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return 1, err
	}
	if err := applyFlags(cfg, o); err != nil {
		return 1, err
	}
	if err := cfg.Validate(); err != nil {
		return 1, err
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.Init(1000, level)

	if _, err := settings.Load(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"error": err.Error(),
		})
	}
	if logging.InitSentry(api.Version, settings.IsCrashReportingEnabled()) {
		defer logging.FlushSentry(2 * time.Second)
	}
	defer logging.RecoverAndLogFunc("main", false, func(any, string) {
		code, err = 1, errors.New("internal error, see crash log")
	})

	platform := output.DetectPlatform()
	mode, err := resolveMode(platform, cfg.Mode, settings.Mode())
	if err != nil {
		return 1, err
	}
	if o.remember && mode != output.ModeAuto {
		if err := settings.SetMode(string(mode)); err != nil {
			logging.Warn(logging.CatSystem, "Failed to remember output mode", map[string]any{
				"error": err.Error(),
			})
		}
	}

	logging.SetCrashContext("mode", modeName(mode))
	logging.SetCrashContext("platform", string(platform))

	primary, err := primarySink(platform, mode)
	if err != nil {
		return 1, err
	}
	sinks := output.MultiSink{primary}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var watchOpts []core.Option
	if cfg.API.Enabled {
		server := api.NewServer(cfg.Address(), cfg.API.MDNS)
		if err := server.Start(ctx); err != nil {
			return 1, err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		sinks = append(sinks, server.Hub)
		watchOpts = append(watchOpts, core.WithObserver(server.Snapshot.Observe))
	}

	publisher, err := mqtt.New(cfg.MQTT)
	if err != nil {
		return 1, err
	}
	if publisher.IsEnabled() {
		publisher.Connect()
		defer publisher.Disconnect()
		sinks = append(sinks, publisher)
	}

	transport, err := core.Acquire(nil)
	if err != nil {
		logging.CaptureError(err, "establish", nil)
		return 1, err
	}
	defer func() {
		if relErr := transport.Release(); relErr != nil && err == nil {
			code, err = 1, relErr
		}
	}()

	if mode == output.ModeStdout && term.IsTerminal(int(os.Stdin.Fd())) {
		guard, gErr := term.DisableEcho(int(os.Stdin.Fd()))
		if gErr != nil {
			logging.Debug(logging.CatSystem, "Could not disable terminal echo", map[string]any{
				"error": gErr.Error(),
			})
		}
		defer guard.Restore()
	}

	watchOpts = append(watchOpts,
		core.WithBackoff(cfg.Backoff),
		core.WithWaitTimeout(cfg.WaitTimeout),
	)
	watcher := core.NewWatcher(transport.Context(), core.NewTransactor(sinks), watchOpts...)

	logging.Info(logging.CatSystem, "nfc-wedge started", map[string]any{
		"mode":     modeName(mode),
		"platform": string(platform),
	})

	werr := watcher.Run(ctx)
	if ctx.Err() != nil && errors.Is(werr, ctx.Err()) {
		logging.Info(logging.CatSystem, "Shutting down", nil)
		return 0, nil
	}
	logging.CaptureError(werr, "watcher", nil)
	return 1, fmt.Errorf("watcher stopped: %w", werr)
}

func modeName(m output.Mode) string {
	if m == output.ModeAuto {
		return "keystroke"
	}
	return string(m)
}
