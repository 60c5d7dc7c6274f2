// Package ttakcfg holds the environment-style tunables named in the
// specification's configuration section: GC sweep cadence, garbage
// pressure threshold, and the progress-reporting quantum. Configuration is
// expressed with the functional-options pattern, mirroring the teacher's
// eventloop.LoopOption.
package ttakcfg

import "time"

// GC holds the adaptive sweeper cadence bounds and pressure threshold
// consumed by lifecycle.ConfigureGC.
type GC struct {
	MinInterval            time.Duration
	MaxInterval            time.Duration
	PressureThresholdBytes uint64
}

// gcOptionFunc implements Option for GC.
type gcOptionFunc func(*GC)

func (f gcOptionFunc) applyGC(c *GC) { f(c) }

// Option configures a GC value via NewGC.
type Option interface {
	applyGC(*GC)
}

// WithMinInterval sets the fastest cadence the sweeper will back down to
// under pressure.
func WithMinInterval(d time.Duration) Option {
	return gcOptionFunc(func(c *GC) { c.MinInterval = d })
}

// WithMaxInterval sets the most relaxed cadence the sweeper idles at.
func WithMaxInterval(d time.Duration) Option {
	return gcOptionFunc(func(c *GC) { c.MaxInterval = d })
}

// WithPressureThreshold sets the cumulative garbage byte count above which
// the sweeper runs at MinInterval.
func WithPressureThreshold(bytes uint64) Option {
	return gcOptionFunc(func(c *GC) { c.PressureThresholdBytes = bytes })
}

// defaults mirror a conservative, low-overhead sweep cadence.
const (
	defaultMinInterval            = 10 * time.Millisecond
	defaultMaxInterval            = 2 * time.Second
	defaultPressureThresholdBytes = 4 << 20 // 4 MiB
)

// NewGC builds a GC config from options, applying defaults for anything
// unset.
func NewGC(opts ...Option) GC {
	cfg := GC{
		MinInterval:            defaultMinInterval,
		MaxInterval:            defaultMaxInterval,
		PressureThresholdBytes: defaultPressureThresholdBytes,
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.applyGC(&cfg)
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	return cfg
}

// NextInterval computes the sweeper's next cadence given the current
// cumulative garbage pressure estimate, per spec.md §4.1's ConfigureGC:
// above threshold, back down to MinInterval; below, relax proportionally
// toward MaxInterval.
func (c GC) NextInterval(pressureBytes uint64) time.Duration {
	if c.PressureThresholdBytes == 0 || pressureBytes >= c.PressureThresholdBytes {
		return c.MinInterval
	}
	// Linear relaxation: interval grows from MinInterval to MaxInterval as
	// pressureBytes falls from threshold to 0.
	ratio := float64(pressureBytes) / float64(c.PressureThresholdBytes)
	span := float64(c.MaxInterval - c.MinInterval)
	return c.MinInterval + time.Duration(span*(1-ratio))
}

// ProgressQuantum is the progress-reporting quantum (§6): a positive
// integer, capped by a block size.
type ProgressQuantum int

// Clamp bounds q to [1, blockSize].
func (q ProgressQuantum) Clamp(blockSize int) ProgressQuantum {
	if q < 1 {
		return 1
	}
	if int(q) > blockSize {
		return ProgressQuantum(blockSize)
	}
	return q
}
