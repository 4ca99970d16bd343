// Package tray provides a system tray interface for the try-on service.
package tray

import (
	"context"
	"strings"
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/tryon/internal/events"
)

// Controller starts and stops try-on sessions.
type Controller interface {
	Start()
	Stop()
	Running() bool
}

// Tray represents the system tray application.
type Tray struct {
	controller Controller
	onOpenUI   func()
	onQuit     func()
	status     string
	overlay    string
	mu         sync.RWMutex

	// Menu items stored for later updates
	menuToggle  *systray.MenuItem
	menuStatus  *systray.MenuItem
	menuOverlay *systray.MenuItem
}

// New creates a new Tray driving controller.
func New(controller Controller) *Tray {
	return &Tray{
		controller: controller,
		status:     "idle",
	}
}

// OnOpenUI sets the callback function to be called when the open menu item is clicked.
func (t *Tray) OnOpenUI(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpenUI = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit closes the tray from outside the menu.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("Try-On")
	systray.SetTooltip("Eyewear virtual try-on")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(toggleTitle(t.controller.Running()), "Start or stop the camera try-on")
	systray.AddSeparator()

	t.menuStatus = systray.AddMenuItem("Status: "+t.status, "Session state")
	t.menuStatus.Disable()
	t.menuOverlay = systray.AddMenuItem(overlayTitle(t.overlay), "Selected overlay")
	t.menuOverlay.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuOpen := systray.AddMenuItem("Open Try-On...", "Open the try-on page in a browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit Try-On")

	// Handle menu item clicks in a separate goroutine
	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuOpen.ClickedCh:
				t.handleOpenUI()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

// onExit is called when the system tray is about to exit.
func (t *Tray) onExit() {
	t.controller.Stop()
}

// handleToggle starts a session when none is running and stops it otherwise.
func (t *Tray) handleToggle() {
	running := t.controller.Running()
	if running {
		t.controller.Stop()
	} else {
		t.controller.Start()
	}

	t.mu.Lock()
	if running {
		t.status = "stopped"
	} else {
		t.status = "loading"
	}
	t.refresh(!running)
	t.mu.Unlock()
}

// handleOpenUI handles the open menu item click.
func (t *Tray) handleOpenUI() {
	t.mu.RLock()
	callback := t.onOpenUI
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// Watch follows session events and keeps the status line current until ctx
// is done or the channel closes.
func (t *Tray) Watch(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			t.apply(e)
		}
	}
}

func (t *Tray) apply(e events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Type {
	case events.TypeLoading:
		t.status = "loading"
	case events.TypeTrackingAcquired:
		t.status = "tracking"
	case events.TypeUnavailable:
		t.status = "unavailable"
		if e.Error != "" {
			t.status += " (" + e.Error + ")"
		}
	case events.TypeClosed:
		// Keep the unavailable reason visible after the session closes.
		if strings.HasPrefix(t.status, "unavailable") {
			break
		}
		t.status = "stopped"
	case events.TypeOverlay:
		if e.Error == "" {
			t.overlay = e.Overlay
		}
	default:
		return
	}
	t.refresh(t.controller.Running())
}

// refresh updates menu titles. Callers hold t.mu.
func (t *Tray) refresh(running bool) {
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(running))
	}
	if t.menuStatus != nil {
		t.menuStatus.SetTitle("Status: " + t.status)
	}
	if t.menuOverlay != nil {
		t.menuOverlay.SetTitle(overlayTitle(t.overlay))
	}
}

// Status returns the status line text.
func (t *Tray) Status() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Overlay returns the last successfully loaded overlay.
func (t *Tray) Overlay() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.overlay
}

func toggleTitle(running bool) string {
	if running {
		return "■ Stop Try-On"
	}
	return "▶ Start Try-On"
}

func overlayTitle(overlay string) string {
	if overlay == "" {
		return "Overlay: none"
	}
	return "Overlay: " + overlay
}
