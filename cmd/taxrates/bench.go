package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"pulsegrade/taxrates/cache"
	"pulsegrade/taxrates/models"

	"github.com/spf13/cobra"
)

// benchConfig holds the options for a benchmark run
type benchConfig struct {
	NumRequests  int
	Concurrency  int
	Warm         bool
	Verbose      bool
	OutputFormat string
}

// lookupResult is the outcome of a single GetRates call
type lookupResult struct {
	Query    models.TaxRateQuery
	Duration time.Duration
	Cached   bool
	Source   string
	Error    error
}

// benchResults summarizes an entire run
type benchResults struct {
	TotalRequests      int            `json:"totalRequests"`
	SuccessfulRequests int            `json:"successfulRequests"`
	FailedRequests     int            `json:"failedRequests"`
	CacheHits          int            `json:"cacheHits"`
	CacheHitRate       float64        `json:"cacheHitRate"`
	TotalDuration      time.Duration  `json:"totalDurationNs"`
	MinDuration        time.Duration  `json:"minDurationNs"`
	MaxDuration        time.Duration  `json:"maxDurationNs"`
	AvgDuration        time.Duration  `json:"avgDurationNs"`
	P50                time.Duration  `json:"p50Ns"`
	P90                time.Duration  `json:"p90Ns"`
	P99                time.Duration  `json:"p99Ns"`
	RequestsPerSecond  float64        `json:"requestsPerSecond"`
	Sources            map[string]int `json:"sources"`
}

// benchAddresses are spread across the jurisdictions in the bundled rate table
var benchAddresses = []models.Address{
	{Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701"},
	{Line1: "500 Congress Ave", City: "Austin", State: "TX", PostalCode: "78701"},
	{Line1: "1500 Marilla St", City: "Dallas", State: "TX", PostalCode: "75201"},
	{Line1: "200 N Spring St", City: "Los Angeles", State: "CA", PostalCode: "90012"},
	{Line1: "1 Dr Carlton B Goodlett Pl", City: "San Francisco", State: "CA", PostalCode: "94102"},
	{Line1: "City Hall Park", City: "New York", State: "NY", PostalCode: "10007"},
	{Line1: "65 Niagara Sq", City: "Buffalo", State: "NY", PostalCode: "14202"},
}

func benchCmd() *cobra.Command {
	var cfg benchConfig
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive concurrent rate lookups through the service and report latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queries := benchQueries(cfg.NumRequests, rand.New(rand.NewSource(time.Now().UnixNano())))
			w := cmd.OutOrStdout()

			if cfg.Warm {
				n, err := rt.cache.Preload(cmd.Context(), uniqueQueries(queries), cache.FetchFunc(rt.service.GetRates))
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warm-up incomplete: %v\n", err)
				}
				fmt.Fprintf(w, "Preloaded %d entries\n", n)
			}

			fmt.Fprintf(w, "Running %d lookups with %d concurrent workers\n", cfg.NumRequests, cfg.Concurrency)
			results := runBenchmark(cmd.Context(), cfg, queries, rt.service.GetRates, w)

			if cfg.OutputFormat == "json" || jsonOutput {
				return printJSON(w, results)
			}
			outputText(w, results)
			return nil
		},
	}
	cmd.Flags().IntVarP(&cfg.NumRequests, "requests", "n", 100, "total number of lookups")
	cmd.Flags().IntVarP(&cfg.Concurrency, "concurrency", "c", 10, "number of concurrent workers")
	cmd.Flags().BoolVar(&cfg.Warm, "warm", false, "preload the cache before measuring")
	cmd.Flags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "print every lookup")
	cmd.Flags().StringVarP(&cfg.OutputFormat, "output", "o", "text", "output format: text or json")
	return cmd
}

func benchQueries(n int, r *rand.Rand) []models.TaxRateQuery {
	queries := make([]models.TaxRateQuery, n)
	for i := range queries {
		queries[i] = models.TaxRateQuery{Address: benchAddresses[r.Intn(len(benchAddresses))]}
	}
	return queries
}

func uniqueQueries(queries []models.TaxRateQuery) []models.TaxRateQuery {
	seen := make(map[string]bool)
	var out []models.TaxRateQuery
	for _, q := range queries {
		k := cache.Key(q)
		if !seen[k] {
			seen[k] = true
			out = append(out, q)
		}
	}
	return out
}

type fetchFunc func(ctx context.Context, q models.TaxRateQuery) (*models.TaxRateResponse, error)

func runBenchmark(ctx context.Context, cfg benchConfig, queries []models.TaxRateQuery, fetch fetchFunc, verbose io.Writer) benchResults {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	results := make(chan lookupResult, len(queries))
	jobs := make(chan models.TaxRateQuery, len(queries))
	var wg sync.WaitGroup

	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go worker(ctx, fetch, jobs, results, &wg)
	}

	startTime := time.Now()
	for _, q := range queries {
		jobs <- q
	}
	close(jobs)

	wg.Wait()
	close(results)
	totalDuration := time.Since(startTime)

	bench := benchResults{
		TotalRequests: len(queries),
		TotalDuration: totalDuration,
		Sources:       make(map[string]int),
	}

	durations := make([]time.Duration, 0, len(queries))
	var sum time.Duration
	for result := range results {
		if result.Error == nil {
			bench.SuccessfulRequests++
			bench.Sources[result.Source]++
			if result.Cached {
				bench.CacheHits++
			}
		} else {
			bench.FailedRequests++
		}
		sum += result.Duration
		durations = append(durations, result.Duration)

		if cfg.Verbose && verbose != nil {
			if result.Error != nil {
				fmt.Fprintf(verbose, "%s, %s error: %s (%s)\n", result.Query.Address.City, result.Query.Address.State, result.Error, result.Duration)
			} else {
				fmt.Fprintf(verbose, "%s, %s: %s cached=%v (%s)\n", result.Query.Address.City, result.Query.Address.State, result.Source, result.Cached, result.Duration)
			}
		}
	}

	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		bench.MinDuration = durations[0]
		bench.MaxDuration = durations[len(durations)-1]
		bench.AvgDuration = sum / time.Duration(len(durations))
		bench.P50 = percentile(durations, 50)
		bench.P90 = percentile(durations, 90)
		bench.P99 = percentile(durations, 99)
	}
	if bench.SuccessfulRequests > 0 {
		bench.CacheHitRate = float64(bench.CacheHits) / float64(bench.SuccessfulRequests)
	}
	if secs := totalDuration.Seconds(); secs > 0 {
		bench.RequestsPerSecond = float64(bench.TotalRequests) / secs
	}
	return bench
}

func worker(ctx context.Context, fetch fetchFunc, jobs <-chan models.TaxRateQuery, results chan<- lookupResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for q := range jobs {
		start := time.Now()
		resp, err := fetch(ctx, q)
		result := lookupResult{Query: q, Duration: time.Since(start), Error: err}
		if err == nil {
			result.Cached = resp.Cached
			result.Source = resp.Source
		}
		results <- result
	}
}

// percentile uses nearest-rank on an ascending slice
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	rank = max(rank, 1)
	return sorted[min(rank, len(sorted))-1]
}

func outputText(w io.Writer, results benchResults) {
	total := max(results.TotalRequests, 1)
	fmt.Fprintln(w, "\n--- Benchmark Results ---")
	fmt.Fprintf(w, "Total Lookups:        %d\n", results.TotalRequests)
	fmt.Fprintf(w, "Successful Lookups:   %d (%.1f%%)\n", results.SuccessfulRequests, float64(results.SuccessfulRequests)*100/float64(total))
	fmt.Fprintf(w, "Failed Lookups:       %d (%.1f%%)\n", results.FailedRequests, float64(results.FailedRequests)*100/float64(total))
	fmt.Fprintf(w, "Cache Hit Rate:       %.1f%%\n", results.CacheHitRate*100)
	fmt.Fprintf(w, "Total Duration:       %s\n", results.TotalDuration)
	fmt.Fprintf(w, "Average Lookup:       %s\n", results.AvgDuration)
	fmt.Fprintf(w, "Min / Max Lookup:     %s / %s\n", results.MinDuration, results.MaxDuration)
	fmt.Fprintf(w, "p50 / p90 / p99:      %s / %s / %s\n", results.P50, results.P90, results.P99)
	fmt.Fprintf(w, "Lookups Per Second:   %.2f\n", results.RequestsPerSecond)

	sources := make([]string, 0, len(results.Sources))
	for s := range results.Sources {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	fmt.Fprintln(w, "\nServed By:")
	for _, s := range sources {
		fmt.Fprintf(w, "  %-12s %d\n", s, results.Sources[s])
	}
}
