package main

import (
	"fmt"
	"sort"

	"pulsegrade/taxrates/models"

	"github.com/spf13/cobra"
)

type healthReport struct {
	Providers map[string]models.ProviderHealth       `json:"providers"`
	Circuits  map[string]models.CircuitState         `json:"circuits"`
	Configs   map[string]models.ProviderConfig       `json:"configs"`
	Caps      map[string]models.ProviderCapabilities `json:"capabilities"`
	Cache     models.CacheStats                      `json:"cache"`
	Metrics   models.ServiceMetrics                  `json:"metrics"`
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check every provider and print health, circuit and cache state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := healthReport{
				Providers: rt.service.CheckProviderHealth(cmd.Context()),
				Circuits:  rt.service.GetCircuitStates(),
				Configs:   make(map[string]models.ProviderConfig),
				Caps:      make(map[string]models.ProviderCapabilities),
				Cache:     rt.service.GetCacheStats(),
			}
			rt.service.SampleMemory()
			report.Metrics = rt.service.GetMetrics()
			for _, p := range rt.registry.GetAll() {
				report.Configs[p.Name()] = p.GetConfig()
				report.Caps[p.Name()] = p.GetCapabilities()
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Providers:")
			for _, name := range rt.registry.Names() {
				h := report.Providers[name]
				status := "healthy"
				if !h.Healthy {
					status = "UNHEALTHY"
				}
				fmt.Fprintf(w, "  %-12s %-9s %8s  failures=%d", name, status, h.LastResponseTime, h.ConsecutiveFailures)
				if h.LastError != "" {
					fmt.Fprintf(w, "  last error: %s", h.LastError)
				}
				fmt.Fprintln(w)
			}

			origins := make([]string, 0, len(report.Circuits))
			for origin := range report.Circuits {
				origins = append(origins, origin)
			}
			sort.Strings(origins)
			fmt.Fprintln(w, "\nCircuits:")
			for _, origin := range origins {
				fmt.Fprintf(w, "  %-40s %s\n", origin, report.Circuits[origin])
			}

			c := report.Cache
			fmt.Fprintf(w, "\nCache: %d/%d entries, policy %s, hit rate %.1f%%\n", c.Size, c.MaxSize, c.EvictionPolicy, c.HitRate*100)
			fmt.Fprintf(w, "Memory: %.1f MB heap\n", float64(report.Metrics.MemoryUsage)/(1024*1024))
			return nil
		},
	}
}
