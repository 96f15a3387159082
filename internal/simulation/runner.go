package simulation

import (
	"context"
	"time"

	"capsim/internal/domain"
	"capsim/internal/loadprofile"
	"capsim/internal/metrics"
	"capsim/internal/strategy"
	"capsim/pkg/config"
	"capsim/pkg/logger"

	"github.com/shopspring/decimal"
)

const (
	settleDelay   = time.Second
	partitionHold = 2 * time.Second
)

// Report is the outcome of a strategy comparison.
type Report struct {
	Strict   *metrics.Collector
	Adaptive *metrics.Collector
}

// Collectors returns the collectors in reporting order.
func (r *Report) Collectors() []*metrics.Collector {
	return []*metrics.Collector{r.Strict, r.Adaptive}
}

type Runner struct {
	cfg    *config.Config
	opts   Options
	logger logger.Logger
}

func NewRunner(cfg *config.Config, opts Options, log logger.Logger) *Runner {
	return &Runner{cfg: cfg, opts: opts, logger: log}
}

// Compare runs the partition scenario once per strategy, each on a fresh
// platform.
func (r *Runner) Compare(ctx context.Context) (*Report, error) {
	report := &Report{}
	for _, kind := range []string{config.StrategyStrict, config.StrategyAdaptive} {
		env, err := NewEnvironment(r.cfg, kind, r.opts, r.logger)
		if err != nil {
			return nil, err
		}
		c, err := r.RunScenario(ctx, env)
		if err != nil {
			return nil, err
		}
		if kind == config.StrategyStrict {
			report.Strict = c
		} else {
			report.Adaptive = c
		}
	}
	return report, nil
}

// RunScenario plays the reference workload before, during and after a
// DAKAR-ZIGUINCHOR partition. Before the partition requests enter at
// SAINT_LOUIS; afterwards they enter at ZIGUINCHOR.
func (r *Runner) RunScenario(ctx context.Context, env *Environment) (*metrics.Collector, error) {
	c := metrics.NewCollector(env.Name)
	r.logger.Info("Scenario started", map[string]interface{}{"strategy": env.Name})

	if err := r.phase(ctx, env, c, metrics.PhaseBefore, config.NodeSaintLouis, "user_001", "user_002", 3000); err != nil {
		return nil, err
	}

	if err := env.Controller.CreatePartition(config.NodeDakar, config.NodeZiguinchor); err != nil {
		return nil, err
	}
	_ = env.Clock.Sleep(ctx, settleDelay)

	if err := r.phase(ctx, env, c, metrics.PhaseDuring, config.NodeZiguinchor, "user_003", "user_004", 2000); err != nil {
		return nil, err
	}

	_ = env.Clock.Sleep(ctx, partitionHold)
	if err := env.Controller.HealPartition(ctx, config.NodeDakar, config.NodeZiguinchor); err != nil {
		return nil, err
	}

	if err := r.phase(ctx, env, c, metrics.PhaseAfter, config.NodeZiguinchor, "user_003", "user_004", 2000); err != nil {
		return nil, err
	}

	r.logger.Info("Scenario finished", map[string]interface{}{"strategy": env.Name})
	return c, nil
}

func (r *Runner) phase(ctx context.Context, env *Environment, rec metrics.Recorder, phase metrics.Phase, originID, from, to string, amount int64) error {
	origin, err := env.Node(originID)
	if err != nil {
		return err
	}

	ops := []struct {
		name string
		run  func() *domain.Result
	}{
		{metrics.OpTransfer, func() *domain.Result {
			return env.Strategy.ExecuteTransfer(ctx, origin, strategy.TransferRequest{From: from, To: to, Amount: decimal.NewFromInt(amount)})
		}},
		{metrics.OpBalance, func() *domain.Result {
			return env.Strategy.ExecuteBalanceQuery(ctx, origin, strategy.BalanceRequest{User: from, Context: strategy.ContextDisplay})
		}},
		{metrics.OpHistory, func() *domain.Result {
			return env.Strategy.ExecuteHistoryQuery(ctx, origin, strategy.HistoryRequest{User: from})
		}},
		{metrics.OpPayment, func() *domain.Result {
			return env.Strategy.ExecutePayment(ctx, origin, strategy.PaymentRequest{User: from, Provider: "SENELEC", Amount: decimal.NewFromInt(6000)})
		}},
	}

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		env.Controller.Heartbeat(ctx)
		res := op.run()
		rec.Record(op.name, string(phase), res.Fields())
		r.logger.Info("Operation recorded", map[string]interface{}{
			"strategy":   env.Name,
			"operation":  op.name,
			"phase":      string(phase),
			"origin":     originID,
			"success":    res.Success,
			"latency_ms": res.LatencyMS,
			"error":      res.Error,
		})
	}
	return nil
}

// Replay24h drives the adaptive strategy through a day of the load profile,
// rotating transfer, balance and history calls from SAINT_LOUIS.
func (r *Runner) Replay24h(ctx context.Context, perHour int) ([]loadprofile.HourResult, error) {
	env, err := NewEnvironment(r.cfg, config.StrategyAdaptive, r.opts, r.logger)
	if err != nil {
		return nil, err
	}
	origin, err := env.Node(config.NodeSaintLouis)
	if err != nil {
		return nil, err
	}

	exec := func(ctx context.Context, hour, i int) *domain.Result {
		env.Controller.Heartbeat(ctx)
		switch i % 3 {
		case 0:
			return env.Strategy.ExecuteTransfer(ctx, origin, strategy.TransferRequest{
				From: "user_001", To: "user_002", Amount: decimal.NewFromInt(1000),
			})
		case 1:
			return env.Strategy.ExecuteBalanceQuery(ctx, origin, strategy.BalanceRequest{
				User: "user_001", Context: strategy.ContextDisplay,
			})
		default:
			return env.Strategy.ExecuteHistoryQuery(ctx, origin, strategy.HistoryRequest{User: "user_001"})
		}
	}

	profile := loadprofile.New(r.cfg.Load, r.logger)
	return profile.Simulate24h(ctx, exec, perHour), nil
}
