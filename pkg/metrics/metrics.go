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
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	decision       map[string]int64
	reason         map[string]int64
	decisionReason map[string]int64
	approvalState  map[string]int64
	execution      map[string]int64
	gauges         map[string]float64
	auditAppends   int64
	chainVerifies  int64
	evalLatency    EvalLatencyStat
	Latency        *LatencySet
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type EvalLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	Decisions         map[string]int64        `json:"decisions"`
	Reasons           map[string]int64        `json:"reasons"`
	DecisionReason    map[string]int64        `json:"decision_reason"`
	ApprovalTotals    map[string]int64        `json:"approval_totals"`
	ExecutionTotals   map[string]int64        `json:"execution_totals"`
	Gauges            map[string]float64      `json:"gauges"`
	AuditAppends      int64                   `json:"audit_appends_total"`
	ChainVerifies     int64                   `json:"chain_verifications_total"`
	PolicyEvalLatency EvalLatencyStat         `json:"policy_eval_latency_ms"`
	Latency           []LatencySnapshot       `json:"latency,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		decision:       map[string]int64{},
		reason:         map[string]int64{},
		decisionReason: map[string]int64{},
		approvalState:  map[string]int64{},
		execution:      map[string]int64{},
		gauges:         map[string]float64{},
		Latency:        NewLatencySet(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Latency.Observe(endpoint, d)
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

// IncDecision counts one evaluated action by outcome and first reason.
func (r *Registry) IncDecision(decision string, reasons []string) {
	decision = strings.TrimSpace(decision)
	if decision == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decision[decision]++
	for _, reason := range reasons {
		if reason = strings.TrimSpace(reason); reason != "" {
			r.reason[reason]++
		}
	}
	primary := "UNKNOWN"
	if len(reasons) > 0 && strings.TrimSpace(reasons[0]) != "" {
		primary = strings.TrimSpace(reasons[0])
	}
	r.decisionReason[decision+"|"+primary]++
}

func (r *Registry) IncApprovalState(state string) {
	state = strings.TrimSpace(strings.ToUpper(state))
	if state == "" {
		return
	}
	r.mu.Lock()
	r.approvalState[state]++
	r.mu.Unlock()
}

// IncExecution counts connector outcomes: ok, failed, or timeout.
func (r *Registry) IncExecution(outcome string) {
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.execution[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncAuditAppend() {
	r.mu.Lock()
	r.auditAppends++
	r.mu.Unlock()
}

func (r *Registry) IncChainVerification() {
	r.mu.Lock()
	r.chainVerifies++
	r.mu.Unlock()
}

func (r *Registry) ObserveEvalLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evalLatency.Count++
	r.evalLatency.TotalMS += ms
	r.evalLatency.LastMS = ms
	if ms > r.evalLatency.MaxMS {
		r.evalLatency.MaxMS = ms
	}
	r.evalLatency.AvgMS = float64(r.evalLatency.TotalMS) / float64(r.evalLatency.Count)
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
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:         make(map[string]int64, len(r.decision)),
		Reasons:           make(map[string]int64, len(r.reason)),
		DecisionReason:    make(map[string]int64, len(r.decisionReason)),
		ApprovalTotals:    make(map[string]int64, len(r.approvalState)),
		ExecutionTotals:   make(map[string]int64, len(r.execution)),
		Gauges:            make(map[string]float64, len(r.gauges)),
		AuditAppends:      r.auditAppends,
		ChainVerifies:     r.chainVerifies,
		PolicyEvalLatency: r.evalLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.decisionReason {
		out.DecisionReason[k] = v
	}
	for k, v := range r.approvalState {
		out.ApprovalTotals[k] = v
	}
	for k, v := range r.execution {
		out.ExecutionTotals[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Latency = r.Latency.Snapshots()
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
		b.WriteString("# HELP uapk_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE uapk_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "uapk_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP uapk_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE uapk_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "uapk_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP uapk_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE uapk_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "uapk_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP uapk_decision_total total decisions by outcome\n")
		b.WriteString("# TYPE uapk_decision_total counter\n")
		for _, d := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "uapk_decision_total{decision=%q} %d\n", d, snap.Decisions[d])
		}
		b.WriteString("# HELP uapk_reason_total total decisions by reason code\n")
		b.WriteString("# TYPE uapk_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "uapk_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP uapk_decision_reason_total decisions by outcome and primary reason\n")
		b.WriteString("# TYPE uapk_decision_reason_total counter\n")
		for _, key := range SortedKeys(snap.DecisionReason) {
			parts := strings.SplitN(key, "|", 2)
			reason := "UNKNOWN"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "uapk_decision_reason_total{decision=%q,reason=%q} %d\n", parts[0], reason, snap.DecisionReason[key])
		}
		b.WriteString("# HELP uapk_approval_total approvals by state\n")
		b.WriteString("# TYPE uapk_approval_total counter\n")
		for _, state := range SortedKeys(snap.ApprovalTotals) {
			fmt.Fprintf(b, "uapk_approval_total{state=%q} %d\n", state, snap.ApprovalTotals[state])
		}
		b.WriteString("# HELP uapk_execution_total connector executions by outcome\n")
		b.WriteString("# TYPE uapk_execution_total counter\n")
		for _, outcome := range SortedKeys(snap.ExecutionTotals) {
			fmt.Fprintf(b, "uapk_execution_total{outcome=%q} %d\n", outcome, snap.ExecutionTotals[outcome])
		}
		b.WriteString("# HELP uapk_audit_appends_total audit records appended\n")
		b.WriteString("# TYPE uapk_audit_appends_total counter\n")
		fmt.Fprintf(b, "uapk_audit_appends_total %d\n", snap.AuditAppends)
		b.WriteString("# HELP uapk_chain_verifications_total audit chain verifications\n")
		b.WriteString("# TYPE uapk_chain_verifications_total counter\n")
		fmt.Fprintf(b, "uapk_chain_verifications_total %d\n", snap.ChainVerifies)
		b.WriteString("# HELP uapk_gauge operational gauge metrics\n")
		b.WriteString("# TYPE uapk_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "uapk_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP uapk_policy_eval_latency_ms policy evaluation latency in ms\n")
		b.WriteString("# TYPE uapk_policy_eval_latency_ms gauge\n")
		fmt.Fprintf(b, "uapk_policy_eval_latency_ms{stat=%q} %d\n", "last", snap.PolicyEvalLatency.LastMS)
		fmt.Fprintf(b, "uapk_policy_eval_latency_ms{stat=%q} %.3f\n", "avg", snap.PolicyEvalLatency.AvgMS)
		fmt.Fprintf(b, "uapk_policy_eval_latency_ms{stat=%q} %d\n", "max", snap.PolicyEvalLatency.MaxMS)
		for _, h := range snap.Latency {
			b.WriteString("# HELP uapk_latency_seconds latency histogram\n")
			b.WriteString("# TYPE uapk_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "uapk_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Endpoint, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "uapk_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Endpoint, h.Count)
			fmt.Fprintf(b, "uapk_latency_seconds_sum{endpoint=%q} %.6f\n", h.Endpoint, h.Sum)
			fmt.Fprintf(b, "uapk_latency_seconds_count{endpoint=%q} %d\n", h.Endpoint, h.Count)
			fmt.Fprintf(b, "uapk_latency_p50_seconds{endpoint=%q} %.6f\n", h.Endpoint, h.P50)
			fmt.Fprintf(b, "uapk_latency_p95_seconds{endpoint=%q} %.6f\n", h.Endpoint, h.P95)
			fmt.Fprintf(b, "uapk_latency_p99_seconds{endpoint=%q} %.6f\n", h.Endpoint, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

// SortedKeys returns map keys in stable order for deterministic output.
func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
