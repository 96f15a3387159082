// Package network simulates the links between sites: per-pair latency with
// jitter, packet loss, and partitions.
package network

import (
	"context"
	"math"
	"sync"
	"time"

	"capsim/pkg/clock"
	"capsim/pkg/config"
	pkgerrors "capsim/pkg/errors"
	"capsim/pkg/logger"
)

// Message types exchanged between sites.
const (
	MsgPrepare          = "prepare"
	MsgCommit           = "commit"
	MsgBalanceQuery     = "balance_query"
	MsgPaymentReplicate = "payment_replicate"
	MsgHeartbeat        = "heartbeat"
)

const jitterSpread = 0.2

// Random is the source of loss and jitter draws, uniform in [0, 1).
type Random interface {
	Float64() float64
}

// Deliverer is the part of the link the coordinator services depend on.
type Deliverer interface {
	Deliver(ctx context.Context, from, to, msgType string, payload map[string]interface{}) *Response
}

// Response is what a delivered message returns.
type Response struct {
	Status    string                 `json:"status"`
	LatencyMS float64                `json:"latency_ms"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// LogEntry records one delivery attempt.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      string    `json:"type"`
	Success   bool      `json:"success"`
	LatencyMS float64   `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
}

// Stats summarizes the communication log.
type Stats struct {
	TotalMessages int     `json:"total_messages"`
	Successful    int     `json:"successful"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
	MinLatencyMS  float64 `json:"min_latency_ms"`
	MaxLatencyMS  float64 `json:"max_latency_ms"`
}

// Link is shared by every coordinator service and the partition controller.
type Link struct {
	mu          sync.Mutex
	cfg         config.NetworkConfig
	mode        string
	latencies   map[config.PairKey]float64
	packetLoss  float64
	partitioned map[config.PairKey]bool
	rng         Random
	clock       clock.Clock
	logger      logger.Logger

	history     []LogEntry
	subscribers map[int]chan LogEntry
	nextSub     int
}

// NewLink builds a link in cfg.Mode.
func NewLink(cfg config.NetworkConfig, clk clock.Clock, rng Random, log logger.Logger) (*Link, error) {
	l := &Link{
		cfg:         cfg,
		partitioned: make(map[config.PairKey]bool),
		rng:         rng,
		clock:       clk,
		logger:      log,
		subscribers: make(map[int]chan LogEntry),
	}
	if err := l.SetMode(cfg.Mode); err != nil {
		return nil, err
	}
	return l, nil
}

// Mode returns the current network mode.
func (l *Link) Mode() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// SetMode swaps the latency table and loss rate. Active partitions survive
// the switch.
func (l *Link) SetMode(mode string) error {
	table, ok := l.cfg.LatencyTable(mode)
	if !ok {
		return pkgerrors.Wrap(pkgerrors.ErrUnknownMode, mode)
	}

	l.mu.Lock()
	l.mode = mode
	l.latencies = table
	l.packetLoss = l.cfg.PacketLoss[mode]
	for pair := range l.partitioned {
		l.latencies[pair] = config.Unreachable
	}
	l.mu.Unlock()

	l.logger.Info("Network mode changed", map[string]interface{}{"mode": mode})
	return nil
}

// BaseLatency returns the configured latency (ms) for the unordered pair.
func (l *Link) BaseLatency(from, to string) float64 {
	if from == to {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baseLatencyLocked(from, to)
}

func (l *Link) baseLatencyLocked(from, to string) float64 {
	if v, ok := l.latencies[config.Pair(from, to)]; ok {
		return v
	}
	return l.cfg.DefaultLatency
}

// Deliver sends a message and returns the response, or nil when the message
// was lost, the pair is partitioned, or the context deadline passed first.
// A nil response is a failed call, not an error.
func (l *Link) Deliver(ctx context.Context, from, to, msgType string, payload map[string]interface{}) *Response {
	start := l.clock.Now()

	l.mu.Lock()
	lost := l.rng.Float64()*100 < l.packetLoss
	var latency float64
	if !lost && from != to {
		base := l.baseLatencyLocked(from, to)
		jitter := (l.rng.Float64()*2 - 1) * jitterSpread
		latency = math.Max(0, base*(1+jitter))
	}
	l.mu.Unlock()

	if lost {
		l.logger.Warn("Packet lost", map[string]interface{}{"from": from, "to": to, "type": msgType})
		l.record(LogEntry{Timestamp: start, From: from, To: to, Type: msgType, Error: "packet lost"})
		return nil
	}

	if math.IsInf(latency, 1) {
		// A cut link never answers; only the caller's deadline ends the wait.
		if deadline, ok := ctx.Deadline(); ok {
			_ = l.clock.Sleep(ctx, deadline.Sub(start))
		}
		l.logger.Warn("Destination unreachable", map[string]interface{}{"from": from, "to": to, "type": msgType})
		l.record(LogEntry{Timestamp: start, From: from, To: to, Type: msgType, Error: "unreachable"})
		return nil
	}

	if err := l.clock.Sleep(ctx, time.Duration(latency*float64(time.Millisecond))); err != nil {
		l.logger.Warn("Delivery timed out", map[string]interface{}{"from": from, "to": to, "type": msgType})
		l.record(LogEntry{Timestamp: start, From: from, To: to, Type: msgType, Error: "deadline exceeded"})
		return nil
	}

	actual := float64(l.clock.Now().Sub(start).Microseconds()) / 1000.0
	l.record(LogEntry{Timestamp: start, From: from, To: to, Type: msgType, Success: true, LatencyMS: actual})
	l.logger.Debug("Message delivered", map[string]interface{}{
		"from": from, "to": to, "type": msgType, "latency_ms": actual,
	})

	return &Response{Status: "success", LatencyMS: actual, Payload: payload}
}

// SetPartition cuts the pair in both directions.
func (l *Link) SetPartition(a, b string) {
	pair := config.Pair(a, b)
	l.mu.Lock()
	l.partitioned[pair] = true
	l.latencies[pair] = config.Unreachable
	l.mu.Unlock()

	l.logger.Warn("Partition created", map[string]interface{}{"a": a, "b": b})
}

// HealPartition restores the pair to its normal-mode latency, whatever the
// current mode.
func (l *Link) HealPartition(a, b string) {
	pair := config.Pair(a, b)
	normal, _ := l.cfg.LatencyTable(config.ModeNormal)

	l.mu.Lock()
	delete(l.partitioned, pair)
	if v, ok := normal[pair]; ok {
		l.latencies[pair] = v
	} else {
		delete(l.latencies, pair)
	}
	l.mu.Unlock()

	l.logger.Info("Partition healed", map[string]interface{}{"a": a, "b": b})
}

// Partitioned reports whether the pair is currently cut.
func (l *Link) Partitioned(a, b string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.partitioned[config.Pair(a, b)]
}

func (l *Link) record(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history, e)
	for _, ch := range l.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Log returns a copy of the communication log.
func (l *Link) Log() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.history))
	copy(out, l.history)
	return out
}

// Subscribe streams new log entries. Slow subscribers miss entries rather
// than block delivery.
func (l *Link) Subscribe(buffer int) (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subscribers, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Statistics summarizes the log. Latency figures cover successful messages only.
func (l *Link) Statistics() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s Stats
	s.TotalMessages = len(l.history)
	if s.TotalMessages == 0 {
		return s
	}

	var sum float64
	s.MinLatencyMS = math.Inf(1)
	for _, e := range l.history {
		if !e.Success {
			s.Failed++
			continue
		}
		s.Successful++
		sum += e.LatencyMS
		s.MinLatencyMS = math.Min(s.MinLatencyMS, e.LatencyMS)
		s.MaxLatencyMS = math.Max(s.MaxLatencyMS, e.LatencyMS)
	}
	s.SuccessRate = float64(s.Successful) / float64(s.TotalMessages) * 100
	if s.Successful > 0 {
		s.AvgLatencyMS = sum / float64(s.Successful)
	} else {
		s.MinLatencyMS = 0
	}
	return s
}
