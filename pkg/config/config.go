// Package config holds the immutable simulation configuration: topology,
// network tables, timeouts, cache TTLs and the daily load profile.
package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Network modes.
const (
	ModeNormal      = "normal"
	ModeCongested   = "congested"
	ModePartitioned = "partitioned"
)

// Node identifiers of the reference topology.
const (
	NodeDakar      = "DAKAR"
	NodeSaintLouis = "SAINT_LOUIS"
	NodeZiguinchor = "ZIGUINCHOR"
)

// Unreachable is the latency of a cut link.
var Unreachable = math.Inf(1)

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Logging    LoggingConfig
	Network    NetworkConfig
	Timeouts   TimeoutConfig
	Cache      CacheConfig
	Payment    PaymentConfig
	Load       LoadProfileConfig
	Simulation SimulationConfig
}

type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	// RateLimit is requests per RateWindow per client; zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type LoggingConfig struct {
	Level string
}

// NodeSpec describes one site of the platform.
type NodeSpec struct {
	ID       string
	Name     string
	Role     string
	Lat      float64
	Lon      float64
	Capacity int
}

// PairKey is an unordered endpoint pair, stored with the smaller id first.
type PairKey struct {
	A string
	B string
}

// Pair normalizes (a, b) so that Pair(a, b) == Pair(b, a).
func Pair(a, b string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

// NetworkConfig holds per-mode latency tables (milliseconds) and packet loss (percent).
type NetworkConfig struct {
	Mode           string
	Nodes          []NodeSpec
	Latencies      map[string]map[PairKey]float64
	PacketLoss     map[string]float64
	DefaultLatency float64
}

// LatencyTable returns a copy of the table for mode.
func (n NetworkConfig) LatencyTable(mode string) (map[PairKey]float64, bool) {
	src, ok := n.Latencies[mode]
	if !ok {
		return nil, false
	}
	out := make(map[PairKey]float64, len(src))
	for k, v := range src {
		out[Pair(k.A, k.B)] = v
	}
	return out, true
}

// TimeoutConfig holds per-operation deadlines.
type TimeoutConfig struct {
	Transfer  time.Duration
	Payment   time.Duration
	Balance   time.Duration
	History   time.Duration
	Heartbeat time.Duration
}

// CacheConfig holds per-resource TTLs and the cache backend.
type CacheConfig struct {
	Backend    string // memory|redis
	BalanceTTL time.Duration
	HistoryTTL time.Duration
}

// PaymentConfig parameterizes the provider stub and the adaptive threshold.
type PaymentConfig struct {
	QueueThreshold     decimal.Decimal
	ProviderSuccess    float64
	ProviderMinLatency time.Duration
	ProviderMaxLatency time.Duration
}

// LoadProfileConfig maps hour of day to expected load (tx/s) and latency (ms).
type LoadProfileConfig struct {
	HourlyLoad     map[int]int
	HourlyLatency  map[int]float64
	DefaultLoad    int
	DefaultLatency float64
}

// Consistency strategies.
const (
	StrategyStrict   = "strict"
	StrategyAdaptive = "adaptive"
)

// SimulationConfig tunes the simulated timeline.
type SimulationConfig struct {
	Strategy          string
	RealTime          bool
	// ParallelFanout sends prepare and commit messages concurrently. On the
	// virtual clock concurrent deliveries still advance one shared timeline,
	// so a phase costs the sum of its latencies rather than the maximum.
	ParallelFanout    bool
	HeartbeatStale    time.Duration
	HeartbeatInterval time.Duration
	ResyncDelay       time.Duration
	ReplicaReadDelay  time.Duration
	HistoryReadDelay  time.Duration
	PartitionDuration time.Duration
	Seed              int64
	AccountsPath      string
	TransactionsPath  string
}

// Default returns the built-in tables without reading the environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         "8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateWindow:   time.Minute,
		},
		Redis:   RedisConfig{URL: "localhost:6379"},
		Logging: LoggingConfig{Level: "info"},
		Network: NetworkConfig{
			Mode: ModeNormal,
			Nodes: []NodeSpec{
				{ID: NodeDakar, Name: "Dakar", Role: "master", Lat: 14.7167, Lon: -17.4677, Capacity: 10000},
				{ID: NodeSaintLouis, Name: "Saint-Louis", Role: "replica_rw", Lat: 16.0179, Lon: -16.5119, Capacity: 5000},
				{ID: NodeZiguinchor, Name: "Ziguinchor", Role: "replica_analytics", Lat: 12.5833, Lon: -16.2667, Capacity: 3000},
			},
			Latencies: map[string]map[PairKey]float64{
				ModeNormal: {
					Pair(NodeDakar, NodeSaintLouis):      50,
					Pair(NodeDakar, NodeZiguinchor):      150,
					Pair(NodeSaintLouis, NodeZiguinchor): 200,
				},
				ModeCongested: {
					Pair(NodeDakar, NodeSaintLouis):      200,
					Pair(NodeDakar, NodeZiguinchor):      600,
					Pair(NodeSaintLouis, NodeZiguinchor): 800,
				},
				ModePartitioned: {
					Pair(NodeDakar, NodeZiguinchor):      Unreachable,
					Pair(NodeDakar, NodeSaintLouis):      50,
					Pair(NodeSaintLouis, NodeZiguinchor): Unreachable,
				},
			},
			PacketLoss: map[string]float64{
				ModeNormal:      0.1,
				ModeCongested:   5.0,
				ModePartitioned: 100.0,
			},
			DefaultLatency: 100,
		},
		Timeouts: TimeoutConfig{
			Transfer:  5000 * time.Millisecond,
			Payment:   10000 * time.Millisecond,
			Balance:   2000 * time.Millisecond,
			History:   3000 * time.Millisecond,
			Heartbeat: 1000 * time.Millisecond,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			BalanceTTL: 60 * time.Second,
			HistoryTTL: 300 * time.Second,
		},
		Payment: PaymentConfig{
			QueueThreshold:     decimal.NewFromInt(5000),
			ProviderSuccess:    0.95,
			ProviderMinLatency: 2 * time.Second,
			ProviderMaxLatency: 3 * time.Second,
		},
		Load: LoadProfileConfig{
			HourlyLoad: map[int]int{
				0: 10, 1: 8, 2: 5, 3: 5, 4: 5, 5: 8, 6: 50, 7: 200, 8: 500, 9: 800, 10: 600, 11: 700,
				12: 900, 13: 800, 14: 600, 15: 700, 16: 800, 17: 1000, 18: 5000, 19: 4000, 20: 2000,
				21: 800, 22: 400, 23: 100,
			},
			HourlyLatency: map[int]float64{
				0: 20, 2: 15, 8: 50, 12: 100, 18: 800, 20: 200, 23: 30,
			},
			DefaultLoad:    100,
			DefaultLatency: 50,
		},
		Simulation: SimulationConfig{
			Strategy:          StrategyAdaptive,
			HeartbeatStale:    3 * time.Second,
			HeartbeatInterval: time.Second,
			ResyncDelay:       500 * time.Millisecond,
			ReplicaReadDelay:  50 * time.Millisecond,
			HistoryReadDelay:  150 * time.Millisecond,
			PartitionDuration: 10 * time.Second,
			Seed:              1,
		},
	}
}

// Load overlays the environment (and an optional .env file) on Default().
func Load() *Config {
	_ = godotenv.Load()

	cfg := Default()

	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("SERVER_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getDurationEnv("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.AllowedOrigins = getListEnv("CORS_ALLOWED_ORIGINS")
	cfg.Server.RateLimit = getIntEnv("RATE_LIMIT", cfg.Server.RateLimit)
	cfg.Server.RateWindow = getDurationEnv("RATE_LIMIT_WINDOW", cfg.Server.RateWindow)

	cfg.Redis.URL = normalizeRedisURL(getEnv("REDIS_URL", cfg.Redis.URL))
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getIntEnv("REDIS_DB", 0)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)

	cfg.Network.Mode = getEnv("NETWORK_MODE", cfg.Network.Mode)
	cfg.Network.PacketLoss[ModeNormal] = getFloatEnv("PACKET_LOSS_NORMAL", cfg.Network.PacketLoss[ModeNormal])
	cfg.Network.PacketLoss[ModeCongested] = getFloatEnv("PACKET_LOSS_CONGESTED", cfg.Network.PacketLoss[ModeCongested])
	cfg.Network.DefaultLatency = getFloatEnv("DEFAULT_LATENCY_MS", cfg.Network.DefaultLatency)

	cfg.Timeouts.Transfer = getDurationEnv("TRANSFER_TIMEOUT", cfg.Timeouts.Transfer)
	cfg.Timeouts.Payment = getDurationEnv("PAYMENT_TIMEOUT", cfg.Timeouts.Payment)
	cfg.Timeouts.Balance = getDurationEnv("BALANCE_TIMEOUT", cfg.Timeouts.Balance)
	cfg.Timeouts.History = getDurationEnv("HISTORY_TIMEOUT", cfg.Timeouts.History)
	cfg.Timeouts.Heartbeat = getDurationEnv("HEARTBEAT_TIMEOUT", cfg.Timeouts.Heartbeat)

	cfg.Cache.Backend = strings.ToLower(getEnv("CACHE_BACKEND", cfg.Cache.Backend))
	cfg.Cache.BalanceTTL = getDurationEnv("CACHE_TTL_BALANCE", cfg.Cache.BalanceTTL)
	cfg.Cache.HistoryTTL = getDurationEnv("CACHE_TTL_HISTORY", cfg.Cache.HistoryTTL)

	cfg.Payment.QueueThreshold = getDecimalEnv("PAYMENT_QUEUE_THRESHOLD", cfg.Payment.QueueThreshold)
	cfg.Payment.ProviderSuccess = getFloatEnv("PROVIDER_SUCCESS_RATE", cfg.Payment.ProviderSuccess)
	cfg.Payment.ProviderMinLatency = getDurationEnv("PROVIDER_MIN_LATENCY", cfg.Payment.ProviderMinLatency)
	cfg.Payment.ProviderMaxLatency = getDurationEnv("PROVIDER_MAX_LATENCY", cfg.Payment.ProviderMaxLatency)

	cfg.Simulation.Strategy = strings.ToLower(getEnv("SIM_STRATEGY", cfg.Simulation.Strategy))
	cfg.Simulation.RealTime = getBoolEnv("SIM_REAL_TIME", cfg.Simulation.RealTime)
	cfg.Simulation.ParallelFanout = getBoolEnv("SIM_PARALLEL_FANOUT", cfg.Simulation.ParallelFanout)
	cfg.Simulation.HeartbeatStale = getDurationEnv("HEARTBEAT_STALE_AFTER", cfg.Simulation.HeartbeatStale)
	cfg.Simulation.HeartbeatInterval = getDurationEnv("HEARTBEAT_INTERVAL", cfg.Simulation.HeartbeatInterval)
	cfg.Simulation.ResyncDelay = getDurationEnv("RESYNC_DELAY", cfg.Simulation.ResyncDelay)
	cfg.Simulation.PartitionDuration = getDurationEnv("PARTITION_DURATION", cfg.Simulation.PartitionDuration)
	cfg.Simulation.Seed = int64(getIntEnv("SIM_SEED", int(cfg.Simulation.Seed)))
	cfg.Simulation.AccountsPath = getEnv("SEED_ACCOUNTS_PATH", "")
	cfg.Simulation.TransactionsPath = getEnv("SEED_TRANSACTIONS_PATH", "")

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDecimalEnv(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}
