package config

import "fmt"

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

const (
	minRingCapacity = 1
	maxRingCapacity = 3600 // 2 minutes at 30fps; generous upper bound on memory

	minFramerate = 1
	maxFramerate = 240

	minStateChangeTimeoutNS = int64(100 * 1_000_000) // 100ms
)

// Validate checks the config for invalid values and returns one
// warning-level error per problem found. Out-of-range numeric values,
// a grid without exactly 50 loop cells, and zero concurrency limits are
// clamped or replaced in place; an unknown log level or log format is
// reported and left as-is.
func (c *Config) Validate() []error {
	var errs []error

	if c.RingCapacityFrames < minRingCapacity {
		errs = append(errs, fmt.Errorf("ring_capacity_frames %d is below minimum %d, clamping", c.RingCapacityFrames, minRingCapacity))
		c.RingCapacityFrames = defaultRingCapacityFrames
	} else if c.RingCapacityFrames > maxRingCapacity {
		errs = append(errs, fmt.Errorf("ring_capacity_frames %d exceeds maximum %d, clamping", c.RingCapacityFrames, maxRingCapacity))
		c.RingCapacityFrames = maxRingCapacity
	}

	if c.MinHoldDurationNS <= 0 {
		errs = append(errs, fmt.Errorf("min_hold_duration_ns %d must be positive, using default", c.MinHoldDurationNS))
		c.MinHoldDurationNS = defaultMinHoldDurationNS
	}

	if c.StateChangeTimeoutNS < minStateChangeTimeoutNS {
		errs = append(errs, fmt.Errorf("state_change_timeout_ns %d is below minimum %d, clamping", c.StateChangeTimeoutNS, minStateChangeTimeoutNS))
		c.StateChangeTimeoutNS = defaultStateChangeTimeoutNS
	}

	if c.DefaultFrameDurationNS <= 0 {
		errs = append(errs, fmt.Errorf("default_frame_duration_ns %d must be positive, using default", c.DefaultFrameDurationNS))
		c.DefaultFrameDurationNS = defaultDefaultFrameDurationNS
	}

	if c.OutputFramerate < minFramerate {
		errs = append(errs, fmt.Errorf("output_framerate %d is below minimum %d, clamping", c.OutputFramerate, minFramerate))
		c.OutputFramerate = defaultOutputFramerate
	} else if c.OutputFramerate > maxFramerate {
		errs = append(errs, fmt.Errorf("output_framerate %d exceeds maximum %d, clamping", c.OutputFramerate, maxFramerate))
		c.OutputFramerate = maxFramerate
	}

	if len(c.Grid.Loop) != 50 {
		errs = append(errs, fmt.Errorf("grid_layout.loop has %d cells, need exactly 50, using default grid", len(c.Grid.Loop)))
		c.Grid = defaultGrid()
	}

	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.MaxConcurrentOps < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_ops %d is below minimum 1, clamping", c.MaxConcurrentOps))
		c.MaxConcurrentOps = 1
	}

	if c.OpQueueSize < 1 {
		errs = append(errs, fmt.Errorf("op_queue_size %d is below minimum 1, clamping", c.OpQueueSize))
		c.OpQueueSize = 1
	}

	return errs
}
