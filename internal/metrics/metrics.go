// Package metrics exports daemon bus health as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beacon-wallet/daemonbus/internal/bus"
)

var connStates = []bus.ConnState{
	bus.StateDisconnected,
	bus.StateConnecting,
	bus.StateConnected,
	bus.StateAuthenticated,
	bus.StateClosing,
}

// Bus implements bus.Observer. Install with Client.SetObserver and serve
// Handler somewhere.
type Bus struct {
	reg *prometheus.Registry

	requests   *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inflight   prometheus.Gauge
	events     *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	state      *prometheus.GaugeVec
	reconnects prometheus.Counter
}

func New(reg *prometheus.Registry) *Bus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	b := &Bus{
		reg: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daemonbus_requests_total",
			Help: "Correlated requests sent, by destination service and command.",
		}, []string{"destination", "command"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daemonbus_request_failures_total",
			Help: "Correlated requests that failed, by failure kind.",
		}, []string{"destination", "command", "kind"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "daemonbus_request_duration_seconds",
			Help:    "Round-trip time of correlated requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"destination", "command"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "daemonbus_requests_inflight",
			Help: "Correlated requests currently awaiting a response.",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daemonbus_events_total",
			Help: "Unsolicited envelopes received, by origin service and command.",
		}, []string{"origin", "command"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daemonbus_frames_dropped_total",
			Help: "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "daemonbus_connection_state",
			Help: "Connection lifecycle position; the current state is 1.",
		}, []string{"state"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "daemonbus_reconnects_total",
			Help: "Successful reconnections after a dropped session.",
		}),
	}
	b.StateChanged(bus.StateDisconnected)
	return b
}

// Handler serves the metrics in Prometheus exposition format.
func (b *Bus) Handler() http.Handler {
	return promhttp.HandlerFor(b.reg, promhttp.HandlerOpts{})
}

// Reconnected records one successful reconnection; wire it to the
// reconnect policy's OnRecovered callback.
func (b *Bus) Reconnected() { b.reconnects.Inc() }

func (b *Bus) RequestStarted(destination, command string) {
	b.requests.WithLabelValues(destination, command).Inc()
}

func (b *Bus) RequestFinished(destination, command string, elapsed time.Duration, err error) {
	b.duration.WithLabelValues(destination, command).Observe(elapsed.Seconds())
	if err != nil {
		b.failures.WithLabelValues(destination, command, failureKind(err)).Inc()
	}
}

func (b *Bus) EventReceived(origin, command string) {
	b.events.WithLabelValues(origin, command).Inc()
}

func (b *Bus) FrameDropped(reason string) {
	b.dropped.WithLabelValues(reason).Inc()
}

func (b *Bus) StateChanged(state bus.ConnState) {
	for _, s := range connStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		b.state.WithLabelValues(string(s)).Set(v)
	}
}

func (b *Bus) BusyChanged(count int) {
	b.inflight.Set(float64(count))
}

func failureKind(err error) string {
	var remote *bus.RemoteError
	switch {
	case errors.Is(err, bus.ErrTimeout):
		return "timeout"
	case errors.Is(err, bus.ErrConnectionClosed):
		return "connection_closed"
	case errors.As(err, &remote):
		return "remote"
	default:
		return "other"
	}
}
