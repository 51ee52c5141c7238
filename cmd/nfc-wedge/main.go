package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/SimplyPrint/nfc-wedge/internal/api"
	"github.com/SimplyPrint/nfc-wedge/internal/output"
	"github.com/SimplyPrint/nfc-wedge/internal/service"
	"github.com/SimplyPrint/nfc-wedge/internal/settings"
	"github.com/SimplyPrint/nfc-wedge/internal/updater"
)

// options holds the parsed command line.
type options struct {
	x11             bool
	uinput          bool
	stdout          bool
	remember        bool
	configPath      string
	backoff         time.Duration
	waitTimeout     time.Duration
	listen          bool
	mdns            bool
	logLevel        string
	testPermissions bool
	checkUpdate     bool
}

func newApp(o *options) (*kingpin.Application, map[string]string) {
	app := kingpin.New("nfc-wedge", "Types the UID of NFC cards placed on a PC/SC reader.")

	app.Flag("x11", "Type card IDs with xdotool (X11 sessions).").BoolVar(&o.x11)
	app.Flag("uinput", "Type card IDs with ydotool (Wayland and consoles).").BoolVar(&o.uinput)
	app.Flag("stdout", "Print card IDs to stdout instead of typing them.").BoolVar(&o.stdout)
	app.Flag("remember", "Save the chosen output mode as the default.").BoolVar(&o.remember)
	app.Flag("config", "Path to a YAML configuration file.").Short('c').PlaceHolder("FILE").StringVar(&o.configPath)
	app.Flag("backoff", "Pause between reader scans while none is attached.").PlaceHolder("15s").DurationVar(&o.backoff)
	app.Flag("wait-timeout", "Upper bound on each reader status wait.").PlaceHolder("15s").DurationVar(&o.waitTimeout)
	app.Flag("listen", "Serve the status API and scan WebSocket.").BoolVar(&o.listen)
	app.Flag("mdns", "Advertise the status API over mDNS (implies --listen).").BoolVar(&o.mdns)
	app.Flag("log-level", "Minimum log level: debug, info, warn or error.").PlaceHolder("info").StringVar(&o.logLevel)
	app.Flag("test-permissions", "Trigger the macOS accessibility prompts and exit.").BoolVar(&o.testPermissions)

	version := app.Command("version", "Print version information.")
	version.Flag("check", "Also ask GitHub for a newer release.").BoolVar(&o.checkUpdate)

	cmds := map[string]string{
		"run":       app.Command("run", "Watch readers and deliver card IDs.").Default().FullCommand(),
		"install":   app.Command("install", "Start nfc-wedge automatically at login.").FullCommand(),
		"uninstall": app.Command("uninstall", "Remove the login autostart entry.").FullCommand(),
		"version":   version.FullCommand(),
	}
	return app, cmds
}

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	var o options
	app, cmds := newApp(&o)
	command := kingpin.MustParse(app.Parse(args))

	switch command {
	case cmds["version"]:
		printVersion()
		if o.checkUpdate {
			return checkForUpdate()
		}
		return 0
	case cmds["install"]:
		return installService(o)
	case cmds["uninstall"]:
		return uninstallService()
	}

	if o.testPermissions {
		return testPermissions()
	}

	code, err := run(o)
	if errors.Is(err, output.ErrModeRequired) {
		app.Usage(args)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return code
}

func printVersion() {
	v := api.Version
	if v == "" {
		v = "dev"
	}
	fmt.Printf("nfc-wedge %s\n", v)
	if api.BuildTime != "" {
		fmt.Printf("  Build time: %s\n", api.BuildTime)
	}
	if api.GitCommit != "" {
		fmt.Printf("  Git commit: %s\n", api.GitCommit)
	}
	fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func checkForUpdate() int {
	ctx, cancel := context.WithTimeout(context.Background(), updater.RequestTimeout)
	defer cancel()

	info, err := updater.NewChecker(api.Version).Check(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Update check failed: %v\n", err)
		return 1
	}
	switch {
	case info.Available:
		fmt.Printf("Update available: %s\n  %s\n", info.LatestVersion, info.ReleaseURL)
		if info.DownloadURL != "" {
			fmt.Printf("  Download: %s\n", info.DownloadURL)
		}
	case info.IsDev:
		fmt.Printf("Development build, latest release is %s\n", info.LatestVersion)
	default:
		fmt.Println("nfc-wedge is up to date.")
	}
	return 0
}

// testPermissions presses control+§ so macOS asks for Accessibility and
// Automation access up front rather than on the first scan.
func testPermissions() int {
	if output.DetectPlatform() != output.PlatformDarwin {
		fmt.Fprintln(os.Stderr, "ERROR: --test-permissions is only supported on macOS")
		return 1
	}
	if err := output.NewKeystrokeSink(output.NewPermissionProbe()).Type("§"); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	fmt.Println("OK")
	return 0
}

func installService(o options) int {
	mode, err := o.explicitMode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	launch, err := service.CurrentLaunch(launchArgs(o, mode))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	svc := service.New(launch)
	if err := svc.Install(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to install: %v\n", err)
		return 1
	}
	if o.remember && mode != output.ModeAuto {
		if err := settings.SetMode(string(mode)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not save mode: %v\n", err)
		}
	}
	fmt.Println("nfc-wedge will start automatically at login.")
	return 0
}

func uninstallService() int {
	svc := service.New(service.Launch{})
	if err := svc.Uninstall(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to uninstall: %v\n", err)
		return 1
	}
	fmt.Println("Autostart entry removed.")
	return 0
}

// launchArgs rebuilds the flags the autostart entry should pass.
func launchArgs(o options, mode output.Mode) []string {
	var args []string
	if mode != output.ModeAuto {
		args = append(args, "--"+string(mode))
	}
	if o.configPath != "" {
		args = append(args, "--config", o.configPath)
	}
	if o.listen {
		args = append(args, "--listen")
	}
	if o.mdns {
		args = append(args, "--mdns")
	}
	return args
}
