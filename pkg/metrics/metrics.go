package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	throttled       map[string]int64
	authFailure     map[string]int64
	decisionMissing map[string]int64
	decisionCited   int64
	storeDegraded   int64
	gauges          map[string]float64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Throttled       map[string]int64        `json:"throttled_by_scope"`
	AuthFailures    map[string]int64        `json:"auth_failures"`
	DecisionMissing map[string]int64        `json:"decisions_missing"`
	DecisionCited   int64                   `json:"decisions_cited_total"`
	StoreDegraded   int64                   `json:"counter_store_degraded_total"`
	Gauges          map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:        map[string]*EndpointStat{},
		throttled:       map[string]int64{},
		authFailure:     map[string]int64{},
		decisionMissing: map[string]int64{},
		gauges:          map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncThrottled(scope string) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return
	}
	r.mu.Lock()
	r.throttled[scope]++
	r.mu.Unlock()
}

func (r *Registry) IncAuthFailure(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = "UNKNOWN"
	}
	r.mu.Lock()
	r.authFailure[code]++
	r.mu.Unlock()
}

func (r *Registry) IncDecisionMissing(entity string) {
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return
	}
	r.mu.Lock()
	r.decisionMissing[entity]++
	r.mu.Unlock()
}

func (r *Registry) IncDecisionCited() {
	r.mu.Lock()
	r.decisionCited++
	r.mu.Unlock()
}

func (r *Registry) IncStoreDegraded() {
	r.mu.Lock()
	r.storeDegraded++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Throttled:       make(map[string]int64, len(r.throttled)),
		AuthFailures:    make(map[string]int64, len(r.authFailure)),
		DecisionMissing: make(map[string]int64, len(r.decisionMissing)),
		DecisionCited:   r.decisionCited,
		StoreDegraded:   r.storeDegraded,
		Gauges:          make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.throttled {
		out.Throttled[k] = v
	}
	for k, v := range r.authFailure {
		out.AuthFailures[k] = v
	}
	for k, v := range r.decisionMissing {
		out.DecisionMissing[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP nexus_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE nexus_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "nexus_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP nexus_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE nexus_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "nexus_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP nexus_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE nexus_endpoint_avg_millis gauge\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "nexus_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP nexus_throttled_total requests rejected by the rate limiter\n")
		b.WriteString("# TYPE nexus_throttled_total counter\n")
		for _, scope := range sortedKeys(snap.Throttled) {
			fmt.Fprintf(b, "nexus_throttled_total{scope=%q} %d\n", scope, snap.Throttled[scope])
		}
		b.WriteString("# HELP nexus_auth_failures_total authentication rejections by code\n")
		b.WriteString("# TYPE nexus_auth_failures_total counter\n")
		for _, code := range sortedKeys(snap.AuthFailures) {
			fmt.Fprintf(b, "nexus_auth_failures_total{code=%q} %d\n", code, snap.AuthFailures[code])
		}
		b.WriteString("# HELP nexus_decisions_missing_total mutations rejected for a missing decision reference\n")
		b.WriteString("# TYPE nexus_decisions_missing_total counter\n")
		for _, entity := range sortedKeys(snap.DecisionMissing) {
			fmt.Fprintf(b, "nexus_decisions_missing_total{entity=%q} %d\n", entity, snap.DecisionMissing[entity])
		}
		b.WriteString("# HELP nexus_decisions_cited_total governed mutations that carried a decision reference\n")
		b.WriteString("# TYPE nexus_decisions_cited_total counter\n")
		fmt.Fprintf(b, "nexus_decisions_cited_total %d\n", snap.DecisionCited)
		b.WriteString("# HELP nexus_counter_store_degraded_total limiter checks served by the in-process fallback\n")
		b.WriteString("# TYPE nexus_counter_store_degraded_total counter\n")
		fmt.Fprintf(b, "nexus_counter_store_degraded_total %d\n", snap.StoreDegraded)
		b.WriteString("# HELP nexus_gauge operational gauge metrics\n")
		b.WriteString("# TYPE nexus_gauge gauge\n")
		for _, name := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "nexus_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
