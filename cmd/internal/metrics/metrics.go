// Package metrics exports device events as Prometheus metrics.
package metrics

import (
	"net/http"

	"usbstick/cmd/internal/device"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "usbstick"

// Recorder is a device.EventSink that updates counters and gauges. Every metric carries a
// "device" label so several devices can share one registry.
type Recorder struct {
	opens       *prometheus.CounterVec
	busy        *prometheus.CounterVec
	releases    *prometheus.CounterVec
	written     *prometheus.CounterVec
	read        *prometheus.CounterVec
	discarded   *prometheus.CounterVec
	waits       *prometheus.CounterVec
	interrupts  *prometheus.CounterVec
	occupancy   *prometheus.GaugeVec
	sessionOpen *prometheus.GaugeVec
	shift       *prometheus.GaugeVec
	present     *prometheus.GaugeVec
}

// NewRecorder creates the metrics and registers them on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, append([]string{"device"}, labels...))
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, []string{"device"})
	}

	r := &Recorder{
		opens:       counter("sessions_opened_total", "Sessions opened."),
		busy:        counter("open_busy_total", "Opens refused because a session was active."),
		releases:    counter("sessions_released_total", "Sessions released."),
		written:     counter("bytes_written_total", "Bytes accepted by writes."),
		read:        counter("bytes_read_total", "Bytes returned by reads."),
		discarded:   counter("bytes_discarded_total", "Bytes dropped by truncating reads and releases."),
		waits:       counter("waits_total", "Times a caller blocked on a wait queue.", "queue"),
		interrupts:  counter("interrupts_total", "Blocked calls cancelled before data moved.", "queue"),
		occupancy:   gauge("buffer_occupancy_bytes", "Unread bytes in the buffer."),
		sessionOpen: gauge("session_open", "1 while a session is active."),
		shift:       gauge("cipher_shift", "Current cipher shift."),
		present:     gauge("plugged_in", "1 while a matching USB device is attached."),
	}

	reg.MustRegister(
		r.opens, r.busy, r.releases,
		r.written, r.read, r.discarded,
		r.waits, r.interrupts,
		r.occupancy, r.sessionOpen, r.shift, r.present,
	)
	return r
}

// Record implements device.EventSink.
func (r *Recorder) Record(ev device.Event) {
	d := ev.Device

	switch ev.Kind {
	case device.EventOpen:
		r.opens.WithLabelValues(d).Inc()
		r.sessionOpen.WithLabelValues(d).Set(1)
		r.occupancy.WithLabelValues(d).Set(0)
	case device.EventBusy:
		r.busy.WithLabelValues(d).Inc()
	case device.EventRelease:
		r.releases.WithLabelValues(d).Inc()
		r.discarded.WithLabelValues(d).Add(float64(ev.Discarded))
		r.sessionOpen.WithLabelValues(d).Set(0)
		r.occupancy.WithLabelValues(d).Set(0)
	case device.EventWrite:
		r.written.WithLabelValues(d).Add(float64(ev.Bytes))
		r.occupancy.WithLabelValues(d).Set(float64(ev.Occupancy))
	case device.EventRead:
		r.read.WithLabelValues(d).Add(float64(ev.Bytes))
		r.discarded.WithLabelValues(d).Add(float64(ev.Discarded))
		r.occupancy.WithLabelValues(d).Set(0)
	case device.EventWait:
		r.waits.WithLabelValues(d, ev.Queue).Inc()
	case device.EventInterrupted:
		r.interrupts.WithLabelValues(d, ev.Queue).Inc()
	case device.EventShift:
		r.shift.WithLabelValues(d).Set(float64(ev.Shift))
	case device.EventPresence:
		r.present.WithLabelValues(d).Set(boolGauge(ev.Present))
	case device.EventClose:
		r.sessionOpen.WithLabelValues(d).Set(0)
		r.occupancy.WithLabelValues(d).Set(0)
	}
}

// Seed sets the gauges from a status snapshot so they are meaningful before the first event.
func (r *Recorder) Seed(st device.Status) {
	r.occupancy.WithLabelValues(st.Name).Set(float64(st.Occupancy))
	r.sessionOpen.WithLabelValues(st.Name).Set(boolGauge(st.SessionOpen))
	r.shift.WithLabelValues(st.Name).Set(float64(st.Shift))
	r.present.WithLabelValues(st.Name).Set(boolGauge(st.Present))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// NewRegistry returns a registry with the Go runtime and process collectors installed.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
