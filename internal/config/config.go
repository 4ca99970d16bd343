// Package config loads the try-on service configuration from YAML, .env and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ayusman/tryon/internal/logging"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "TRYON_"

// Config is the complete service configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Model       ModelConfig       `yaml:"model"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Render      RenderConfig      `yaml:"render"`
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Overlays    OverlaysConfig    `yaml:"overlays"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Log         logging.Config    `yaml:"log"`
}

// CameraConfig describes the requested capture device.
type CameraConfig struct {
	DeviceID   int    `yaml:"device_id" validate:"gte=0"`
	Width      int    `yaml:"width" validate:"gt=0"`
	Height     int    `yaml:"height" validate:"gt=0"`
	FPS        int    `yaml:"fps" validate:"gt=0,lte=120"`
	FacingMode string `yaml:"facing_mode" validate:"oneof=user environment"`
}

// ModelConfig configures the landmark model.
type ModelConfig struct {
	IrisRefinement bool          `yaml:"iris_refinement"`
	MaxFaces       int           `yaml:"max_faces" validate:"gte=1"`
	Script         string        `yaml:"script"`
	Python         string        `yaml:"python"`
	LoadTimeout    time.Duration `yaml:"load_timeout" validate:"gt=0"`
}

// TrackingConfig configures the tracking scheduler.
type TrackingConfig struct {
	Period          time.Duration `yaml:"period" validate:"gt=0"`
	SkipStillFrames bool          `yaml:"skip_still_frames"`
	StillThreshold  float64       `yaml:"still_threshold" validate:"gte=0,lte=100"`
}

// CalibrationConfig holds the default pose calibration. Overlays may override it.
type CalibrationConfig struct {
	ReferenceEyeDistance float64 `yaml:"reference_eye_distance" validate:"gt=0"`
	ScaleX               float64 `yaml:"scale_x"`
	ScaleY               float64 `yaml:"scale_y"`
	OffsetX              float64 `yaml:"offset_x"`
	OffsetY              float64 `yaml:"offset_y"`
	Depth                float64 `yaml:"depth"`
}

// RenderConfig configures the scene renderer.
type RenderConfig struct {
	Width      int     `yaml:"width" validate:"gt=0"`
	Height     int     `yaml:"height" validate:"gt=0"`
	RefreshHz  int     `yaml:"refresh_hz" validate:"gt=0,lte=240"`
	FOV        float64 `yaml:"fov" validate:"gt=0,lt=180"`
	CameraZ    float64 `yaml:"camera_z" validate:"gt=0"`
	Background bool    `yaml:"background"`
	Mirror     bool    `yaml:"mirror"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr      string `yaml:"addr" validate:"required"`
	StaticDir string `yaml:"static_dir"`
	UploadDir string `yaml:"upload_dir"`
}

// StoreConfig configures the overlay catalog database.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// OverlaysConfig configures the watched overlay directory.
type OverlaysConfig struct {
	Dir     string `yaml:"dir"`
	Default string `yaml:"default"`
	Watch   bool   `yaml:"watch"`
}

// MQTTConfig configures optional event publication.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos" validate:"lte=2"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		Camera: CameraConfig{
			DeviceID:   0,
			Width:      800,
			Height:     800,
			FPS:        30,
			FacingMode: "user",
		},
		Model: ModelConfig{
			IrisRefinement: true,
			MaxFaces:       1,
			LoadTimeout:    30 * time.Second,
		},
		Tracking: TrackingConfig{
			Period:         100 * time.Millisecond,
			StillThreshold: 0.5,
		},
		Calibration: CalibrationConfig{
			ReferenceEyeDistance: 160,
			ScaleX:               -0.01,
			ScaleY:               -0.01,
			OffsetX:              0,
			OffsetY:              -0.005,
			Depth:                1,
		},
		Render: RenderConfig{
			Width:      800,
			Height:     800,
			RefreshHz:  60,
			FOV:        75,
			CameraZ:    5,
			Background: true,
			Mirror:     true,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Store: StoreConfig{
			Path: "tryon.db",
		},
		MQTT: MQTTConfig{
			ClientID:    "tryon",
			TopicPrefix: "tryon",
		},
		Log: logging.Config{
			Level: "info",
		},
	}
}

// Load reads a YAML file on top of the defaults, applies .env and environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv overrides selected fields from TRYON_* variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("SERVER_ADDR", &cfg.Server.Addr)
	str("STORE_PATH", &cfg.Store.Path)
	str("OVERLAYS_DIR", &cfg.Overlays.Dir)
	str("MODEL_SCRIPT", &cfg.Model.Script)
	str("MODEL_PYTHON", &cfg.Model.Python)
	str("MQTT_BROKER", &cfg.MQTT.Broker)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FILE", &cfg.Log.File)

	if err := num("CAMERA_DEVICE", &cfg.Camera.DeviceID); err != nil {
		return err
	}

	if v, ok := lookup(EnvPrefix + "TRACKING_PERIOD"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sTRACKING_PERIOD: %w", EnvPrefix, err)
		}
		cfg.Tracking.Period = d
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Model.MaxFaces != 1 {
		return fmt.Errorf("model.max_faces must be 1, got %d (single-face tracking only)", cfg.Model.MaxFaces)
	}
	if cfg.Overlays.Watch && cfg.Overlays.Dir == "" {
		return errors.New("overlays.watch requires overlays.dir")
	}
	return nil
}
