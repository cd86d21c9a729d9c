package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/fieldcrypt/internal/loadtest"
)

func main() {
	var (
		targetURL      = flag.String("target-url", "http://localhost:8080", "Field encryption service URL")
		workloads      = flag.String("workloads", "roundtrip", "Comma separated workloads: encrypt, roundtrip, hmac")
		keyID          = flag.String("key-id", "", "Encryption key ID (defaults to the current key)")
		duration       = flag.Duration("duration", 30*time.Second, "Test duration per workload")
		workers        = flag.Int("workers", 5, "Number of worker goroutines")
		qps            = flag.Int("qps", 25, "Queries per second per worker")
		payloadSize    = flag.Int("payload-size", 256, "Plaintext size in bytes")
		baselineDir    = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		prometheusURL  = flag.String("prometheus-url", "", "Prometheus URL for service metrics")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
		updateBaseline = flag.Bool("update-baseline", false, "Update baseline files instead of checking regression")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("=== Field Encryption Load Test Runner ===")
	fmt.Printf("Target URL: %s\n", *targetURL)
	fmt.Printf("Workloads: %s\n", *workloads)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("QPS per Worker: %d\n", *qps)
	fmt.Printf("Regression Threshold: %.1f%%\n", *threshold)

	exitCode := 0
	started := time.Now()
	for _, workload := range strings.Split(*workloads, ",") {
		workload = strings.TrimSpace(workload)
		cfg := loadtest.Config{
			TargetURL:   strings.TrimRight(*targetURL, "/"),
			Workload:    workload,
			KeyID:       *keyID,
			NumWorkers:  *workers,
			Duration:    *duration,
			QPS:         *qps,
			PayloadSize: *payloadSize,
		}
		baselineFile := filepath.Join(*baselineDir, workload+"_baseline.json")
		if err := runWorkload(ctx, cfg, baselineFile, *threshold, *updateBaseline, logger); err != nil {
			logger.WithError(err).WithField("workload", workload).Error("Load test failed")
			exitCode = 1
		}
		if ctx.Err() != nil {
			break
		}
	}

	if *prometheusURL != "" {
		results, err := loadtest.QueryPrometheus(ctx, *prometheusURL, time.Now())
		if err != nil {
			logger.WithError(err).Warn("Failed to query Prometheus metrics")
		} else {
			fmt.Println("\n--- Prometheus Metrics ---")
			for name, value := range results {
				fmt.Printf("%s: %v\n", name, value)
			}
		}
	}

	fmt.Printf("\n=== Load Tests Complete (Total Time: %v) ===\n", time.Since(started).Round(time.Millisecond))
	if exitCode != 0 {
		fmt.Println("Some tests failed or regressions detected")
	} else {
		fmt.Println("All tests passed")
	}
	stop()
	os.Exit(exitCode)
}

func runWorkload(ctx context.Context, cfg loadtest.Config, baselineFile string, threshold float64, updateBaseline bool, logger *logrus.Logger) error {
	fmt.Printf("\n--- Running %s workload ---\n", cfg.Workload)
	results, err := loadtest.Run(ctx, cfg, logger)
	if err != nil {
		return err
	}
	loadtest.PrintResults(os.Stdout, results)

	if updateBaseline {
		if err := loadtest.SaveBaseline(results, baselineFile); err != nil {
			return err
		}
		fmt.Printf("Baseline updated: %s\n", baselineFile)
		return nil
	}

	baseline, err := loadtest.LoadBaseline(baselineFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("No baseline found, run with -update-baseline to create one")
			return nil
		}
		return err
	}
	regression := loadtest.AnalyzeRegression(results, baseline, threshold)
	loadtest.PrintRegression(os.Stdout, regression)
	if regression.SignificantRegression {
		return fmt.Errorf("significant regression detected")
	}
	return nil
}
