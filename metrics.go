// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects client statistics. A nil *Metrics records nothing.
type Metrics struct {
	scans               *prometheus.CounterVec
	scanDuration        prometheus.Histogram
	sumReads            prometheus.Counter
	sumItems            *prometheus.CounterVec
	notifications       prometheus.Counter
	callbackFailures    prometheus.Counter
	droppedSubscription prometheus.Counter
	stateChanges        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "notification",
			Name:      "scans_total",
			Help:      "Notification scans by outcome.",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ads",
			Subsystem: "notification",
			Name:      "scan_duration_seconds",
			Help:      "Duration of the read phase of a notification scan.",
			Buckets:   prometheus.DefBuckets,
		}),
		sumReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "sum_read",
			Name:      "requests_total",
			Help:      "Sum read requests sent.",
		}),
		sumItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "sum_read",
			Name:      "items_total",
			Help:      "Sum read items by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "notification",
			Name:      "dispatched_total",
			Help:      "Change callbacks invoked.",
		}),
		callbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "notification",
			Name:      "callback_failures_total",
			Help:      "Change callbacks that panicked or failed to decode.",
		}),
		droppedSubscription: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "notification",
			Name:      "dropped_variables_total",
			Help:      "Variables removed because they no longer resolve after a reconnect.",
		}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "transport",
			Name:      "state_changes_total",
			Help:      "Connection state transitions by new state.",
		}, []string{"state"}),
	}
	for _, c := range []prometheus.Collector{
		m.scans, m.scanDuration, m.sumReads, m.sumItems,
		m.notifications, m.callbackFailures, m.droppedSubscription, m.stateChanges,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) scan(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	if ok {
		m.scans.WithLabelValues("ok").Inc()
	} else {
		m.scans.WithLabelValues("failed").Inc()
	}
	m.scanDuration.Observe(d.Seconds())
}

func (m *Metrics) sumRead() {
	if m == nil {
		return
	}
	m.sumReads.Inc()
}

func (m *Metrics) sumReadItems(ok, failed int) {
	if m == nil {
		return
	}
	m.sumItems.WithLabelValues("ok").Add(float64(ok))
	m.sumItems.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) notification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Metrics) callbackFailure() {
	if m == nil {
		return
	}
	m.callbackFailures.Inc()
}

func (m *Metrics) droppedVariable() {
	if m == nil {
		return
	}
	m.droppedSubscription.Inc()
}

func (m *Metrics) stateChange(s ConnectionState) {
	if m == nil {
		return
	}
	m.stateChanges.WithLabelValues(s.String()).Inc()
}
