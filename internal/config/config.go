// Package config loads and validates the looping engine's configuration
// surface: the handful of options that are fixed once at initialize time
// (ring capacity, hold-duration floor, grid geometry, watchdog timeout,
// default frame duration, output framerate) plus logging and concurrency
// limits.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// CellRect describes one compositor cell's geometry in the output frame.
type CellRect struct {
	X      int     `mapstructure:"x"`
	Y      int     `mapstructure:"y"`
	Width  int     `mapstructure:"width"`
	Height int     `mapstructure:"height"`
	ZOrder int     `mapstructure:"z_order"`
	Alpha  float64 `mapstructure:"alpha"`
}

// GridLayout is the fixed cell geometry for the live cell plus up to 50
// loop cells, set once at Initialize and never mutated afterward.
type GridLayout struct {
	OutputWidth  int        `mapstructure:"output_width"`
	OutputHeight int        `mapstructure:"output_height"`
	Live         CellRect   `mapstructure:"live"`
	Loop         []CellRect `mapstructure:"loop"` // indexed by layer 0..49
}

// Config is the full configuration surface for the engine.
type Config struct {
	// Recording / playback surface, fixed at initialize time.
	RingCapacityFrames     int   `mapstructure:"ring_capacity_frames"`
	MinHoldDurationNS      int64 `mapstructure:"min_hold_duration_ns"`
	StateChangeTimeoutNS   int64 `mapstructure:"state_change_timeout_ns"`
	DefaultFrameDurationNS int64 `mapstructure:"default_frame_duration_ns"`
	OutputFramerate        int   `mapstructure:"output_framerate"`

	Grid GridLayout `mapstructure:"grid_layout"`

	// Logging configuration.
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Concurrency limits. OpQueueSize bounds the dispatcher's event
	// queue; MaxConcurrentOps is validated but not read by any component.
	MaxConcurrentOps int `mapstructure:"max_concurrent_ops"`
	OpQueueSize      int `mapstructure:"op_queue_size"`
}

const (
	defaultRingCapacityFrames     = 60 // ~2s at 30fps
	defaultMinHoldDurationNS      = int64(33_333_333)
	defaultStateChangeTimeoutNS   = int64(10 * time.Second)
	defaultDefaultFrameDurationNS = int64(33_333_333)
	defaultOutputFramerate        = 120
)

// Default returns the engine's default configuration.
func Default() *Config {
	return &Config{
		RingCapacityFrames:     defaultRingCapacityFrames,
		MinHoldDurationNS:      defaultMinHoldDurationNS,
		StateChangeTimeoutNS:   defaultStateChangeTimeoutNS,
		DefaultFrameDurationNS: defaultDefaultFrameDurationNS,
		OutputFramerate:        defaultOutputFramerate,

		Grid: defaultGrid(),

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		MaxConcurrentOps: 8,
		OpQueueSize:      256,
	}
}

// defaultGrid lays out a simple 1 (live) + 50 (loop, 10x5) grid at 1920x1080.
func defaultGrid() GridLayout {
	const (
		outW, outH = 1920, 1080
		cols, rows = 10, 5
		cellW      = outW / (cols + 2) // leave room for the live cell column
		cellH      = outH / rows
	)
	loop := make([]CellRect, 0, 50)
	for layer := 0; layer < 50; layer++ {
		col := layer % cols
		row := layer / cols
		loop = append(loop, CellRect{
			X:      cellW*2 + col*cellW,
			Y:      row * cellH,
			Width:  cellW,
			Height: cellH,
			ZOrder: 1,
			Alpha:  1.0,
		})
	}
	return GridLayout{
		OutputWidth:  outW,
		OutputHeight: outH,
		Live:         CellRect{X: 0, Y: 0, Width: cellW * 2, Height: outH, ZOrder: 0, Alpha: 1.0},
		Loop:         loop,
	}
}

// Load reads configuration from cfgFile (or the platform default search
// path), applies defaults for anything unset, and validates the result.
// Every problem Validate finds comes back in the warnings slice for the
// caller to log (clampable values are already clamped in place); the
// error return is used only when the config file cannot be read or
// unmarshalled.
func Load(cfgFile string) (*Config, []error, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("loopengine")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("LOOPENGINE")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}

	warnings := cfg.Validate()
	return cfg, warnings, nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "LoopEngine")
	case "darwin":
		return "/Library/Application Support/LoopEngine"
	default:
		return "/etc/loopengine"
	}
}
