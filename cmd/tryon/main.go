package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/gogpu/gg"

	"github.com/ayusman/tryon/internal/app"
	"github.com/ayusman/tryon/internal/config"
	"github.com/ayusman/tryon/internal/events"
	"github.com/ayusman/tryon/internal/logging"
	"github.com/ayusman/tryon/internal/session"
	"github.com/ayusman/tryon/internal/tray"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	withTray := flag.Bool("tray", false, "show a system tray icon")
	flag.Parse()

	if err := run(*configPath, *withTray); err != nil {
		fmt.Fprintf(os.Stderr, "tryon: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, withTray bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closer := logging.New(cfg.Log)
	defer closer.Close()
	gg.SetLogger(logger.With("component", "gg"))

	if err := resolvePaths(cfg); err != nil {
		return err
	}
	if cfg.Server.StaticDir != "" {
		logger.Info("serving static files", "dir", cfg.Server.StaticDir)
	}

	a, err := app.New(cfg, logger, session.Deps{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !withTray {
		return a.Run(ctx)
	}

	// The tray owns the main thread; the service runs beside it.
	t := tray.New(a.Controller())
	t.OnOpenUI(func() {
		if err := openBrowser(a.URL()); err != nil {
			logger.Warn("failed to open browser", "url", a.URL(), "error", err)
		}
	})
	t.OnQuit(stop)

	ch, unsubscribe := a.Bus().Subscribe(events.DefaultBuffer)
	defer unsubscribe()
	go t.Watch(ctx, ch)

	errc := make(chan error, 1)
	go func() {
		errc <- a.Run(ctx)
		t.Quit()
	}()

	t.Run()
	stop()
	return <-errc
}

// resolvePaths fills unset locations with defaults under ~/.tryon.
func resolvePaths(cfg *config.Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	dataDir := filepath.Join(homeDir, ".tryon")

	if !filepath.IsAbs(cfg.Store.Path) && filepath.Dir(cfg.Store.Path) == "." {
		cfg.Store.Path = filepath.Join(dataDir, cfg.Store.Path)
	}
	if cfg.Server.UploadDir == "" {
		cfg.Server.UploadDir = filepath.Join(dataDir, "uploads")
	}
	if cfg.Overlays.Dir == "" {
		cfg.Overlays.Dir = filepath.Join(dataDir, "overlays")
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = findWebDir(dataDir)
	}
	return nil
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and <dataDir>/web.
// Returns the first existing directory or empty string if none found.
func findWebDir(dataDir string) string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeWebDir := filepath.Join(dataDir, "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux", "freebsd", "openbsd":
		cmd = exec.Command("xdg-open", url)
	default:
		return errors.New("unsupported platform")
	}
	return cmd.Start()
}
