// Package metrics is a small Prometheus-text collector for the client's
// transport, cache, mutation and suggestion activity.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Since observes the seconds elapsed since start.
func (h *Histogram) Since(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns or creates a counter. labels is the raw label set, e.g.
// `op="send"`.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	bs := append([]float64(nil), buckets...)
	sort.Float64s(bs)
	hb := make([]histBucket, len(bs))
	for i, b := range bs {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// sortedKeys returns the map keys in order so the exposition is stable.
func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// Handler renders all metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}

func (c *MetricsCollector) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP teamwire_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE teamwire_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "teamwire_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	for _, key := range sortedKeys(&c.counters) {
		v, _ := c.counters.Load(key)
		ctr := v.(*Counter)
		if !helpWritten[ctr.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
			fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
			helpWritten[ctr.name] = true
		}
		fmt.Fprintf(&sb, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
	}

	for _, key := range sortedKeys(&c.gauges) {
		v, _ := c.gauges.Load(key)
		g := v.(*Gauge)
		if !helpWritten[g.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
			helpWritten[g.name] = true
		}
		fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels), g.Value())
	}

	for _, key := range sortedKeys(&c.histograms) {
		v, _ := c.histograms.Load(key)
		h := v.(*Histogram)
		h.mu.Lock()
		if !helpWritten[h.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
			fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
			helpWritten[h.name] = true
		}
		sep := ""
		if h.labels != "" {
			sep = ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%s_bucket{%s%sle=\"%s\"} %d\n", h.name, h.labels, sep, le, b.count)
		}
		fmt.Fprintf(&sb, "%s_bucket{%s%sle=\"+Inf\"} %d\n", h.name, h.labels, sep, h.count)
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(&sb, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}

	return sb.String()
}

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

var (
	EnvelopesSent     = Collector.Counter("teamwire_envelopes_sent_total", "Envelopes written to the transport", "")
	EnvelopesReceived = Collector.Counter("teamwire_envelopes_received_total", "Envelopes read from the transport", "")
	EnvelopesDropped  = Collector.Counter("teamwire_envelopes_dropped_total", "Inbound envelopes dropped on a full queue", "")
	Reconnects        = Collector.Counter("teamwire_reconnects_total", "Successful transport reconnects", "")
	Connected         = Collector.Gauge("teamwire_connected", "1 while the transport is connected", "")

	CacheFetches       = Collector.Counter("teamwire_cache_fetches_total", "Conversation fetches issued by the cache", "")
	CacheInvalidations = Collector.Counter("teamwire_cache_invalidations_total", "Conversation invalidations requested", "")
	CachePartitions    = Collector.Gauge("teamwire_cache_partitions", "Conversations currently loaded", "")

	TypingBroadcasts = Collector.Counter("teamwire_typing_broadcasts_total", "Typing start/stop envelopes emitted", "")

	SuggestionsRequested = Collector.Counter("teamwire_suggestions_total", "Suggestion outcomes", `outcome="requested"`)
	SuggestionsThrottled = Collector.Counter("teamwire_suggestions_total", "Suggestion outcomes", `outcome="throttled"`)
	SuggestionsFailed    = Collector.Counter("teamwire_suggestions_total", "Suggestion outcomes", `outcome="failed"`)
	SuggestionsStale     = Collector.Counter("teamwire_suggestions_total", "Suggestion outcomes", `outcome="stale"`)
	SuggestionsShown     = Collector.Counter("teamwire_suggestions_total", "Suggestion outcomes", `outcome="shown"`)
	SuggestionsAccepted  = Collector.Counter("teamwire_suggestions_total", "Suggestion outcomes", `outcome="accepted"`)

	SuggestionLatency = Collector.Histogram("teamwire_suggestion_latency_seconds", "Completer round-trip latency", "", latencyBuckets)
)

// Mutation returns the request counter for a mutation op (send, edit, delete,
// react, upload).
func Mutation(op string) *Counter {
	return Collector.Counter("teamwire_mutations_total", "Mutation requests issued", `op="`+op+`"`)
}

// MutationError counts failed mutations by op and error class.
func MutationError(op, class string) *Counter {
	return Collector.Counter("teamwire_mutation_errors_total", "Mutation requests that failed", `op="`+op+`",class="`+class+`"`)
}

func MutationLatency(op string) *Histogram {
	return Collector.Histogram("teamwire_mutation_latency_seconds", "Mutation request latency", `op="`+op+`"`, latencyBuckets)
}
