// Package metrics aggregates per-call results by operation and partition phase.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Phase places a call relative to the injected partition.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseDuring Phase = "during"
	PhaseAfter  Phase = "after"
)

// Phases in reporting order.
var Phases = []Phase{PhaseBefore, PhaseDuring, PhaseAfter}

// Operations in reporting order.
const (
	OpTransfer = "transfer"
	OpBalance  = "balance"
	OpHistory  = "history"
	OpPayment  = "payment"
)

var Operations = []string{OpTransfer, OpBalance, OpHistory, OpPayment}

// NormalizePhase maps free-form labels such as "during_partition" to a Phase.
// Unknown labels count as before.
func NormalizePhase(label string) Phase {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "before"):
		return PhaseBefore
	case strings.Contains(l, "during"):
		return PhaseDuring
	case strings.Contains(l, "after"):
		return PhaseAfter
	}
	return PhaseBefore
}

// Recorder receives one flattened result per call.
type Recorder interface {
	Record(operation, phase string, result map[string]interface{})
}

type sample struct {
	success   bool
	latencyMS float64
}

// Collector is an in-memory Recorder for one strategy run.
type Collector struct {
	Strategy string

	mu      sync.RWMutex
	samples map[string]map[Phase][]sample
}

func NewCollector(strategy string) *Collector {
	return &Collector{
		Strategy: strategy,
		samples:  make(map[string]map[Phase][]sample),
	}
}

func (c *Collector) Record(operation, phase string, result map[string]interface{}) {
	s := sample{}
	if v, ok := result["success"].(bool); ok {
		s.success = v
	}
	switch v := result["latency_ms"].(type) {
	case float64:
		s.latencyMS = v
	case int:
		s.latencyMS = float64(v)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	byPhase, ok := c.samples[operation]
	if !ok {
		byPhase = make(map[Phase][]sample)
		c.samples[operation] = byPhase
	}
	p := NormalizePhase(phase)
	byPhase[p] = append(byPhase[p], s)
}

// Count returns the number of recorded calls.
func (c *Collector) Count(operation string, phase Phase) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.samples[operation][phase])
}

// Availability is the success percentage, 0 when nothing was recorded.
func (c *Collector) Availability(operation string, phase Phase) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	samples := c.samples[operation][phase]
	if len(samples) == 0 {
		return 0
	}
	ok := 0
	for _, s := range samples {
		if s.success {
			ok++
		}
	}
	return float64(ok) / float64(len(samples)) * 100
}

// AverageLatency averages successful calls only.
func (c *Collector) AverageLatency(operation string, phase Phase) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var sum float64
	n := 0
	for _, s := range c.samples[operation][phase] {
		if s.success {
			sum += s.latencyMS
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Row is one line of a summary.
type Row struct {
	Operation    string  `json:"operation"`
	Phase        Phase   `json:"phase"`
	Availability float64 `json:"availability"`
	LatencyMS    float64 `json:"avg_latency_ms"`
	Count        int     `json:"count"`
}

// Summary lists every operation and phase, known operations first.
func (c *Collector) Summary() []Row {
	var rows []Row
	for _, op := range c.operations() {
		for _, p := range Phases {
			rows = append(rows, Row{
				Operation:    op,
				Phase:        p,
				Availability: c.Availability(op, p),
				LatencyMS:    c.AverageLatency(op, p),
				Count:        c.Count(op, p),
			})
		}
	}
	return rows
}

func (c *Collector) operations() []string {
	c.mu.RLock()
	known := make(map[string]bool, len(Operations))
	out := append([]string(nil), Operations...)
	for _, op := range Operations {
		known[op] = true
	}
	var extra []string
	for op := range c.samples {
		if !known[op] {
			extra = append(extra, op)
		}
	}
	c.mu.RUnlock()
	sort.Strings(extra)
	return append(out, extra...)
}

// Export is the JSON-friendly form of a run.
type Export struct {
	Strategy     string                       `json:"strategy"`
	Availability map[string]map[Phase]float64 `json:"availability"`
	Latency      map[string]map[Phase]float64 `json:"latency"`
}

func (c *Collector) Export() Export {
	e := Export{
		Strategy:     c.Strategy,
		Availability: make(map[string]map[Phase]float64),
		Latency:      make(map[string]map[Phase]float64),
	}
	for _, row := range c.Summary() {
		if e.Availability[row.Operation] == nil {
			e.Availability[row.Operation] = make(map[Phase]float64)
			e.Latency[row.Operation] = make(map[Phase]float64)
		}
		e.Availability[row.Operation][row.Phase] = row.Availability
		e.Latency[row.Operation][row.Phase] = row.LatencyMS
	}
	return e
}

// WriteSummary prints the summary as a text table.
func (c *Collector) WriteSummary(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "METRICS - %s\n", c.Strategy); err != nil {
		return err
	}
	current := ""
	for _, row := range c.Summary() {
		if row.Operation != current {
			current = row.Operation
			if _, err := fmt.Fprintf(w, "%s:\n", strings.ToUpper(current)); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "  %-8s availability %5.1f%% | latency %6.0fms | count %d\n",
			row.Phase, row.Availability, row.LatencyMS, row.Count); err != nil {
			return err
		}
	}
	return nil
}
