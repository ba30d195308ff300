// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// DefaultScanInterval is the period of the notification timer.
const DefaultScanInterval = 100 * time.Millisecond

type options struct {
	logger       zerolog.Logger
	scanInterval time.Duration
	workers      int
	metrics      *Metrics
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		logger:       zerolog.Nop(),
		scanInterval: DefaultScanInterval,
		workers:      runtime.GOMAXPROCS(0),
		now:          time.Now,
	}
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithScanInterval sets the period of the notification timer.
func WithScanInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.scanInterval = d
		}
	}
}

// WithWorkers bounds the parallelism of the due check and dispatch.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithMetrics enables metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock replaces time.Now for due checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
