package jobs

import (
	"fmt"
	"time"
)

// ResourceLimits bound a single execution. Zero values mean "use default".
type ResourceLimits struct {
	TimeoutSeconds int  `json:"timeout_seconds"`
	MaxMemoryMB    int  `json:"max_memory_mb"`
	MaxOutputLines int  `json:"max_output_lines"`
	MaxOutputBytes int  `json:"max_output_bytes"`
	AllowNetwork   bool `json:"allow_network"`
}

const (
	DefaultTimeoutSeconds = 30
	DefaultMaxMemoryMB    = 100
	DefaultMaxOutputLines = 1000
	DefaultMaxOutputBytes = 64 << 10
)

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		TimeoutSeconds: DefaultTimeoutSeconds,
		MaxMemoryMB:    DefaultMaxMemoryMB,
		MaxOutputLines: DefaultMaxOutputLines,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

// Maxima is the enforced ceiling for per-job overrides.
type Maxima struct {
	TimeoutSeconds int
	MaxMemoryMB    int
	MaxOutputLines int
	MaxOutputBytes int
	// AllowNetwork=false forbids any job from requesting network access.
	AllowNetwork bool
}

func DefaultMaxima() Maxima {
	return Maxima{
		TimeoutSeconds: 300,
		MaxMemoryMB:    512,
		MaxOutputLines: 10000,
		MaxOutputBytes: 1 << 20,
		AllowNetwork:   true,
	}
}

// Normalize fills zero fields from def.
func (l ResourceLimits) Normalize(def ResourceLimits) ResourceLimits {
	if l.TimeoutSeconds == 0 {
		l.TimeoutSeconds = def.TimeoutSeconds
	}
	if l.MaxMemoryMB == 0 {
		l.MaxMemoryMB = def.MaxMemoryMB
	}
	if l.MaxOutputLines == 0 {
		l.MaxOutputLines = def.MaxOutputLines
	}
	if l.MaxOutputBytes == 0 {
		l.MaxOutputBytes = def.MaxOutputBytes
	}
	return l
}

// Validate rejects negative values and values above max.
func (l ResourceLimits) Validate(max Maxima) error {
	check := func(field string, v, ceil int) error {
		if v < 0 {
			return &ValidationError{Field: field, Reason: "must not be negative"}
		}
		if ceil > 0 && v > ceil {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("%d exceeds maximum %d", v, ceil)}
		}
		return nil
	}
	if err := check("limits.timeout_seconds", l.TimeoutSeconds, max.TimeoutSeconds); err != nil {
		return err
	}
	if err := check("limits.max_memory_mb", l.MaxMemoryMB, max.MaxMemoryMB); err != nil {
		return err
	}
	if err := check("limits.max_output_lines", l.MaxOutputLines, max.MaxOutputLines); err != nil {
		return err
	}
	if err := check("limits.max_output_bytes", l.MaxOutputBytes, max.MaxOutputBytes); err != nil {
		return err
	}
	if l.AllowNetwork && !max.AllowNetwork {
		return &ValidationError{Field: "limits.allow_network", Reason: "network access is disabled on this host"}
	}
	return nil
}

func (l ResourceLimits) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

func (l ResourceLimits) MemoryBytes() uint64 {
	if l.MaxMemoryMB <= 0 {
		return 0
	}
	return uint64(l.MaxMemoryMB) << 20
}
