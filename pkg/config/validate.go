package config

import (
	"fmt"
	"strings"
)

// ValidateCore ensures the tables the simulator depends on are coherent.
func (c *Config) ValidateCore() error {
	var problems []string

	if _, ok := c.Network.Latencies[c.Network.Mode]; !ok {
		problems = append(problems, fmt.Sprintf("NETWORK_MODE %q has no latency table", c.Network.Mode))
	}
	if _, ok := c.Network.Latencies[ModeNormal]; !ok {
		problems = append(problems, "normal latency table is required for partition healing")
	}
	for mode, loss := range c.Network.PacketLoss {
		if loss < 0 || loss > 100 {
			problems = append(problems, fmt.Sprintf("packet loss for %s must be within [0,100]", mode))
		}
	}
	primaries := 0
	for _, n := range c.Network.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			problems = append(problems, "node id is required")
		}
		if n.Role == "master" {
			primaries++
		}
	}
	if primaries != 1 {
		problems = append(problems, fmt.Sprintf("exactly one master node is required, got %d", primaries))
	}
	if c.Timeouts.Transfer <= 0 || c.Timeouts.Payment <= 0 || c.Timeouts.Balance <= 0 ||
		c.Timeouts.History <= 0 || c.Timeouts.Heartbeat <= 0 {
		problems = append(problems, "operation timeouts must be positive")
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		problems = append(problems, fmt.Sprintf("CACHE_BACKEND %q must be memory or redis", c.Cache.Backend))
	}
	if c.Cache.Backend == "redis" && strings.TrimSpace(c.Redis.URL) == "" {
		problems = append(problems, "REDIS_URL")
	}
	if c.Payment.ProviderSuccess < 0 || c.Payment.ProviderSuccess > 1 {
		problems = append(problems, "PROVIDER_SUCCESS_RATE must be within [0,1]")
	}
	if c.Payment.ProviderMaxLatency < c.Payment.ProviderMinLatency {
		problems = append(problems, "PROVIDER_MAX_LATENCY must not be below PROVIDER_MIN_LATENCY")
	}
	if c.Simulation.Strategy != StrategyStrict && c.Simulation.Strategy != StrategyAdaptive {
		problems = append(problems, fmt.Sprintf("SIM_STRATEGY %q must be strict or adaptive", c.Simulation.Strategy))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, ", "))
	}

	return nil
}
