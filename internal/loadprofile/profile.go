// Package loadprofile replays a day of traffic using the hour-of-day load and
// latency tables.
package loadprofile

import (
	"context"

	"capsim/internal/domain"
	"capsim/pkg/config"
	"capsim/pkg/logger"
)

// CAP positions.
const (
	PositionCA = "CA"
	PositionAP = "AP"
	PositionCP = "CP"
)

// Executor runs the i-th sample call of hour.
type Executor func(ctx context.Context, hour, i int) *domain.Result

// HourResult aggregates the sample calls of one hour.
type HourResult struct {
	Hour           int     `json:"hour"`
	ExpectedLoad   int     `json:"expected_load"`
	NetworkLatency float64 `json:"network_latency"`
	Position       string  `json:"cap_position"`
	SuccessCount   int     `json:"success_count"`
	FailureCount   int     `json:"failure_count"`
	SuccessRate    float64 `json:"success_rate"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
}

type Profile struct {
	cfg    config.LoadProfileConfig
	logger logger.Logger
}

func New(cfg config.LoadProfileConfig, log logger.Logger) *Profile {
	return &Profile{cfg: cfg, logger: log}
}

// Load is the expected transactions per second at hour.
func (p *Profile) Load(hour int) int {
	if v, ok := p.cfg.HourlyLoad[hour]; ok {
		return v
	}
	return p.cfg.DefaultLoad
}

// Latency is the expected network latency (ms) at hour.
func (p *Profile) Latency(hour int) float64 {
	if v, ok := p.cfg.HourlyLatency[hour]; ok {
		return v
	}
	return p.cfg.DefaultLatency
}

// CAPPosition is CA in the night trough, AP at the evening peak and CP otherwise.
func (p *Profile) CAPPosition(hour int) string {
	switch {
	case hour >= 2 && hour <= 5:
		return PositionCA
	case hour >= 17 && hour <= 19:
		return PositionAP
	default:
		return PositionCP
	}
}

// Simulate24h runs perHour sample calls for each hour of the day.
func (p *Profile) Simulate24h(ctx context.Context, exec Executor, perHour int) []HourResult {
	out := make([]HourResult, 0, 24)
	for hour := 0; hour < 24; hour++ {
		if ctx.Err() != nil {
			break
		}
		hr := HourResult{
			Hour:           hour,
			ExpectedLoad:   p.Load(hour),
			NetworkLatency: p.Latency(hour),
			Position:       p.CAPPosition(hour),
		}

		var total float64
		for i := 0; i < perHour; i++ {
			res := exec(ctx, hour, i)
			if res != nil && res.Success {
				hr.SuccessCount++
				total += res.LatencyMS
			} else {
				hr.FailureCount++
			}
		}
		if n := hr.SuccessCount + hr.FailureCount; n > 0 {
			hr.SuccessRate = float64(hr.SuccessCount) / float64(n) * 100
		}
		if hr.SuccessCount > 0 {
			hr.AvgLatencyMS = total / float64(hr.SuccessCount)
		}

		p.logger.Debug("Hour simulated", map[string]interface{}{
			"hour": hour, "load": hr.ExpectedLoad, "success_rate": hr.SuccessRate,
		})
		out = append(out, hr)
	}
	return out
}
