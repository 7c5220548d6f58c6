package queue

import (
	"time"

	"github.com/leynos/wildside-sub000/pkg/core"
	"github.com/leynos/wildside-sub000/pkg/security"
)

// Default values.
var (
	DefaultMaxAttempts = 3
	DefaultLane        = core.LaneRouteGeneration
)

// Options holds configuration for job registration and enqueueing.
// Options given at Register become the kind's defaults; options given at
// Enqueue override them for one job.
type Options struct {
	Lane        string
	Priority    int
	MaxAttempts int
	Timeout     time.Duration
	Delay       time.Duration
	RunAt       *time.Time
	UniqueKey   string
	TraceID     string
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Lane:        DefaultLane,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// Lane sets the lane a job is delivered on.
func Lane(name string) Option {
	return optionFunc(func(o *Options) {
		o.Lane = name
	})
}

// Priority sets the job priority within its lane (higher runs first).
func Priority(p int) Option {
	return optionFunc(func(o *Options) {
		o.Priority = p
	})
}

// MaxAttempts sets the delivery budget including the first attempt.
// Values are clamped to [1, 100].
func MaxAttempts(n int) Option {
	return optionFunc(func(o *Options) {
		o.MaxAttempts = security.ClampAttempts(n)
	})
}

// Timeout bounds one execution of the handler.
func Timeout(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Timeout = d
	})
}

// Delay schedules the job to run after a duration.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
	})
}

// At schedules the job to run at a specific time.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}

// Unique rejects the job while another with the same key is pending or running.
func Unique(key string) Option {
	return optionFunc(func(o *Options) {
		o.UniqueKey = key
	})
}

// TraceID attaches a correlation id that follows the job into logs and events.
func TraceID(id string) Option {
	return optionFunc(func(o *Options) {
		o.TraceID = id
	})
}
