// Package castats collects server-wide counters for the Channel Access
// core: requests by command, claims, read/write errors, monitor events
// installed, and connected-client gauges, exported both as Prometheus
// metrics and as a JSON snapshot for ad hoc inspection.
//
// Grounded on the teacher's stats registry (stats/statsd, prometheus.go):
// the same pattern of a struct of pre-registered prometheus collectors
// behind simple Count* methods, using github.com/prometheus/client_golang
// exactly as the teacher does, plus github.com/json-iterator/go for the
// snapshot dump the teacher uses for its human-readable stats log line.
/*
 * Copyright (c) 2024, casrv authors.
 */
package castats

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oksanagit/casrv/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Stats is the server-wide counter set. A nil *Stats is valid and every
// method on it is a no-op, so collaborators can be constructed without a
// stats sink in tests without guarding every call site.
type Stats struct {
	requestsByCmd *prometheus.CounterVec
	claims        prometheus.Counter
	reads         prometheus.Counter
	readErrors    prometheus.Counter
	writes        prometheus.Counter
	writeErrors   prometheus.Counter
	monitors      prometheus.Counter
	clients       prometheus.Gauge

	mu       sync.Mutex // guards snapshot, incremented from every client's goroutine
	snapshot snapshotState
}

// snapshotState mirrors the counters in plain int64s purely so Snapshot can
// render a JSON view without scraping the prometheus registry back out.
type snapshotState struct {
	requests      map[string]*int64
	claimsN       int64
	readsN        int64
	readErrorsN   int64
	writesN       int64
	writeErrorsN  int64
	monitorsN     int64
}

// New constructs a Stats and registers its collectors with reg. Passing a
// fresh prometheus.NewRegistry() is normal for tests; production wiring
// uses prometheus.DefaultRegisterer (spec.md §11 domain stack).
func New(reg prometheus.Registerer) *Stats {
	s := &Stats{
		requestsByCmd: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casrv",
			Name:      "requests_total",
			Help:      "Requests processed, by command.",
		}, []string{"command"}),
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casrv", Name: "claims_total", Help: "Channel claims completed.",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casrv", Name: "reads_total", Help: "Reads completed.",
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casrv", Name: "read_errors_total", Help: "Reads that failed.",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casrv", Name: "writes_total", Help: "Writes completed.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casrv", Name: "write_errors_total", Help: "Writes that failed.",
		}),
		monitors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "casrv", Name: "monitors_installed_total", Help: "Monitors installed.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "casrv", Name: "clients_connected", Help: "Currently connected clients.",
		}),
	}
	s.snapshot.requests = make(map[string]*int64)
	if reg != nil {
		reg.MustRegister(s.requestsByCmd, s.claims, s.reads, s.readErrors, s.writes, s.writeErrors, s.monitors, s.clients)
	}
	return s
}

func (s *Stats) CountRequest(cmd wire.Command) {
	if s == nil {
		return
	}
	s.requestsByCmd.WithLabelValues(cmd.String()).Inc()
	s.mu.Lock()
	n := s.snapshot.requests[cmd.String()]
	if n == nil {
		var zero int64
		n = &zero
		s.snapshot.requests[cmd.String()] = n
	}
	*n++
	s.mu.Unlock()
}

func (s *Stats) CountClaim() {
	if s == nil {
		return
	}
	s.claims.Inc()
	s.mu.Lock()
	s.snapshot.claimsN++
	s.mu.Unlock()
}

func (s *Stats) CountRead() {
	if s == nil {
		return
	}
	s.reads.Inc()
	s.mu.Lock()
	s.snapshot.readsN++
	s.mu.Unlock()
}

func (s *Stats) CountReadError() {
	if s == nil {
		return
	}
	s.readErrors.Inc()
	s.mu.Lock()
	s.snapshot.readErrorsN++
	s.mu.Unlock()
}

func (s *Stats) CountWrite() {
	if s == nil {
		return
	}
	s.writes.Inc()
	s.mu.Lock()
	s.snapshot.writesN++
	s.mu.Unlock()
}

func (s *Stats) CountWriteError() {
	if s == nil {
		return
	}
	s.writeErrors.Inc()
	s.mu.Lock()
	s.snapshot.writeErrorsN++
	s.mu.Unlock()
}

func (s *Stats) CountMonitorInstalled() {
	if s == nil {
		return
	}
	s.monitors.Inc()
	s.mu.Lock()
	s.snapshot.monitorsN++
	s.mu.Unlock()
}

func (s *Stats) ClientConnected() {
	if s == nil {
		return
	}
	s.clients.Inc()
}

func (s *Stats) ClientDisconnected() {
	if s == nil {
		return
	}
	s.clients.Dec()
}

// Snapshot renders the counters as a JSON object, for a log line or an
// admin endpoint (spec.md §11 domain stack: "a human-readable stats dump").
func (s *Stats) Snapshot() string {
	if s == nil {
		return "{}"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	view := struct {
		Requests     map[string]int64 `json:"requests"`
		Claims       int64             `json:"claims"`
		Reads        int64             `json:"reads"`
		ReadErrors   int64             `json:"read_errors"`
		Writes       int64             `json:"writes"`
		WriteErrors  int64             `json:"write_errors"`
		Monitors     int64             `json:"monitors_installed"`
	}{
		Requests:    make(map[string]int64, len(s.snapshot.requests)),
		Claims:      s.snapshot.claimsN,
		Reads:       s.snapshot.readsN,
		ReadErrors:  s.snapshot.readErrorsN,
		Writes:      s.snapshot.writesN,
		WriteErrors: s.snapshot.writeErrorsN,
		Monitors:    s.snapshot.monitorsN,
	}
	for cmd, n := range s.snapshot.requests {
		view.Requests[cmd] = *n
	}
	b, err := json.Marshal(view)
	if err != nil {
		return "{}"
	}
	return string(b)
}
