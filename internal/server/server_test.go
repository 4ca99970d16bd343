package server

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ayusman/tryon/internal/events"
	"github.com/ayusman/tryon/internal/pose"
	"github.com/ayusman/tryon/internal/scene"
)

func TestServer_Health(t *testing.T) {
	s := New(Config{})

	t.Run("returns 200 with JSON response", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		rec := httptest.NewRecorder()

		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
		}

		contentType := rec.Header().Get("Content-Type")
		if contentType != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", contentType)
		}

		var response map[string]interface{}
		if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		if response["status"] != "ok" {
			t.Errorf("expected status 'ok', got %v", response["status"])
		}

		if _, exists := response["uptime"]; !exists {
			t.Error("expected 'uptime' field in response")
		}
	})

	t.Run("only allows GET method", func(t *testing.T) {
		methods := []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}

		for _, method := range methods {
			req := httptest.NewRequest(method, "/api/health", nil)
			rec := httptest.NewRecorder()

			s.ServeHTTP(rec, req)

			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("method %s: expected status %d, got %d", method, http.StatusMethodNotAllowed, rec.Code)
			}
		}
	})
}

func TestServer_NotFound(t *testing.T) {
	s := New(Config{})

	paths := []string{"/api/nonexistent", "/api/overlays", "/api/session", "/api/events", "/api/stream"}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()

		s.ServeHTTP(rec, req)

		// Routes are only mounted when their dependency is configured.
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected status %d, got %d", path, http.StatusNotFound, rec.Code)
		}
	}
}

func TestServer_StaticFiles(t *testing.T) {
	tmpDir := t.TempDir()

	testContent := "<html><body>Try on</body></html>"
	if err := os.WriteFile(filepath.Join(tmpDir, "index.html"), []byte(testContent), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	cssContent := "body { color: red; }"
	if err := os.WriteFile(filepath.Join(tmpDir, "style.css"), []byte(cssContent), 0644); err != nil {
		t.Fatalf("failed to create test CSS file: %v", err)
	}

	s := New(Config{StaticDir: tmpDir})

	t.Run("serves index.html at root path", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if rec.Body.String() != testContent {
			t.Errorf("expected body %q, got %q", testContent, rec.Body.String())
		}
	})

	t.Run("serves static files from configured directory", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/style.css", nil)
		rec := httptest.NewRecorder()

		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if rec.Body.String() != cssContent {
			t.Errorf("expected body %q, got %q", cssContent, rec.Body.String())
		}
	})

	t.Run("returns 404 for non-existent static files", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/nonexistent.html", nil)
		rec := httptest.NewRecorder()

		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("creates server with config", func(t *testing.T) {
		cfg := Config{StaticDir: "/some/path"}
		s := New(cfg)

		if s == nil {
			t.Fatal("expected non-nil server")
		}
		if s.config.StaticDir != cfg.StaticDir {
			t.Errorf("expected StaticDir %s, got %s", cfg.StaticDir, s.config.StaticDir)
		}
	})

	t.Run("server implements http.Handler", func(t *testing.T) {
		s := New(Config{})
		var _ http.Handler = s
	})
}

func TestServer_ListenAndServeShutdown(t *testing.T) {
	s := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func dialEvents(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, bus *events.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", n, bus.Subscribers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsHandler(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantType int
		decode   func([]byte, any) error
	}{
		{name: "json", wantType: websocket.TextMessage, decode: json.Unmarshal},
		{name: "msgpack", query: "?format=msgpack", wantType: websocket.BinaryMessage, decode: msgpack.Unmarshal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := events.NewBus(nil)
			defer bus.Close()

			ts := httptest.NewServer(New(Config{Events: bus}))
			defer ts.Close()

			conn := dialEvents(t, ts.URL+"/api/events"+tt.query)
			waitSubscribers(t, bus, 1)

			tr := pose.Transform{X: 0.1, Y: 0.095, Z: 1, Scale: 0.5}
			bus.Publish(events.Event{Type: events.TypeTransform, SessionID: "s1", Transform: &tr})

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if msgType != tt.wantType {
				t.Errorf("message type = %d, want %d", msgType, tt.wantType)
			}

			var got events.Event
			if err := tt.decode(data, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Type != events.TypeTransform || got.SessionID != "s1" {
				t.Errorf("event = %+v", got)
			}
			if got.Transform == nil || *got.Transform != tr {
				t.Errorf("transform = %+v, want %+v", got.Transform, tr)
			}
		})
	}
}

func TestEventsHandler_UnsubscribesOnClose(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()

	ts := httptest.NewServer(New(Config{Events: bus}))
	defer ts.Close()

	conn := dialEvents(t, ts.URL+"/api/events")
	waitSubscribers(t, bus, 1)

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not removed, have %d", bus.Subscribers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// sequenceFrames returns a new solid frame on every call.
type sequenceFrames struct {
	seq atomic.Uint64
}

func (f *sequenceFrames) Latest() (scene.RenderedFrame, bool) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.SetRGBA(0, 0, color.RGBA{A: 255})
	return scene.RenderedFrame{Seq: f.seq.Add(1), Time: time.Now(), Image: img}, true
}

type emptyFrames struct{}

func (emptyFrames) Latest() (scene.RenderedFrame, bool) { return scene.RenderedFrame{}, false }

func TestStreamHandler(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping OpenCV test in short mode")
	}

	ts := httptest.NewServer(NewStreamHandler(&sequenceFrames{}, 5*time.Millisecond))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("content type = %q, %v", resp.Header.Get("Content-Type"), err)
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 2; i++ {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part %d content type = %q", i, ct)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("part %d read: %v", i, err)
		}
		// JPEG start-of-image marker.
		if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
			t.Errorf("part %d is not a JPEG", i)
		}
	}
}

func TestStreamHandler_NoFrames(t *testing.T) {
	ts := httptest.NewServer(NewStreamHandler(emptyFrames{}, 5*time.Millisecond))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	// Nothing is written until a frame exists; the read ends with the context.
	data, _ := io.ReadAll(resp.Body)
	if len(data) != 0 {
		t.Errorf("expected no frames, got %d bytes", len(data))
	}
}

func TestStreamHandler_MethodNotAllowed(t *testing.T) {
	h := NewStreamHandler(emptyFrames{}, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/stream", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}
