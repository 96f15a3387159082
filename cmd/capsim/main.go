// ==============================================================================
// CAP SIMULATION DRIVER - cmd/capsim/main.go
// ==============================================================================
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"capsim/internal/loadprofile"
	"capsim/internal/metrics"
	"capsim/internal/seed"
	"capsim/internal/simulation"
	"capsim/pkg/cache"
	"capsim/pkg/config"
	"capsim/pkg/logger"
)

var runModes = []string{"compare", "daily", "all"}

// checkRun rejects -run values main would silently ignore.
func checkRun(mode string) error {
	for _, m := range runModes {
		if mode == m {
			return nil
		}
	}
	return fmt.Errorf("unknown -run %q: want one of %s", mode, strings.Join(runModes, ", "))
}

func main() {
	cfg := config.Load()
	var (
		run      = flag.String("run", "compare", "what to run: compare, daily or all")
		perHour  = flag.Int("per-hour", 5, "sample calls per hour in the daily replay")
		realTime = flag.Bool("real-time", cfg.Simulation.RealTime, "sleep on the wall clock instead of a virtual one")
		asJSON   = flag.Bool("json", false, "print results as JSON instead of text tables")
	)
	flag.Parse()
	if err := checkRun(*run); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	cfg.Simulation.RealTime = *realTime

	log := logger.NewWithLevel("capsim", logger.ParseLevel(cfg.Logging.Level), os.Stderr)
	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	ds, err := seed.Load(cfg.Simulation, time.Now())
	if err != nil {
		log.Fatal("Failed to load seed data", map[string]interface{}{"error": err.Error()})
	}
	opts := simulation.Options{Dataset: &ds}

	if cfg.Cache.Backend == "redis" {
		client, err := cache.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
		}
		defer client.Close()
		opts.Redis = client
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := simulation.NewRunner(cfg, opts, log)

	if *run == "compare" || *run == "all" {
		report, err := runner.Compare(ctx)
		if err != nil {
			log.Fatal("Comparison failed", map[string]interface{}{"error": err.Error()})
		}
		if err := printReport(report, *asJSON); err != nil {
			log.Fatal("Failed to print report", map[string]interface{}{"error": err.Error()})
		}
	}

	if *run == "daily" || *run == "all" {
		hours, err := runner.Replay24h(ctx, *perHour)
		if err != nil {
			log.Fatal("Daily replay failed", map[string]interface{}{"error": err.Error()})
		}
		if err := printHours(hours, *asJSON); err != nil {
			log.Fatal("Failed to print replay", map[string]interface{}{"error": err.Error()})
		}
	}
}

func printReport(report *simulation.Report, asJSON bool) error {
	if asJSON {
		exports := make([]metrics.Export, 0, 2)
		for _, c := range report.Collectors() {
			exports = append(exports, c.Export())
		}
		return json.NewEncoder(os.Stdout).Encode(exports)
	}
	for _, c := range report.Collectors() {
		if err := c.WriteSummary(os.Stdout); err != nil {
			return err
		}
		fmt.Println()
	}
	return nil
}

func printHours(hours []loadprofile.HourResult, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(hours)
	}
	fmt.Println("CAP EVOLUTION OVER 24 HOURS")
	for _, h := range hours {
		fmt.Printf("  %02dh  %-2s  load %5d tx/s | net %5.0fms | success %5.1f%% | latency %7.1fms\n",
			h.Hour, h.Position, h.ExpectedLoad, h.NetworkLatency, h.SuccessRate, h.AvgLatencyMS)
	}
	return nil
}
