package main

import (
	"github.com/sells-group/recherche-engine/internal/config"
	"github.com/sells-group/recherche-engine/internal/model"
	"github.com/sells-group/recherche-engine/internal/provider"
	"github.com/sells-group/recherche-engine/internal/resilience"
	"github.com/sells-group/recherche-engine/pkg/dataforseo"
	"github.com/sells-group/recherche-engine/pkg/google"
)

// buildProviders registers every provider that has credentials. Each one
// gets its own rate limiter, retry policy and circuit breaker.
func buildProviders(c *config.Config) *provider.Registry {
	reg := provider.NewRegistry()

	if c.Google.Enabled() {
		var opts []google.Option
		if c.Google.BaseURL != "" {
			opts = append(opts, google.WithBaseURL(c.Google.BaseURL))
		}
		reg.Register(provider.NewGooglePlaces(
			google.NewClient(c.Google.Key, opts...),
			resilience.NewGuard(model.SourceGooglePlaces, c.Google.Guard),
			c.Google.CostPerRequestUSD,
		))
	}

	if c.DataForSEO.Enabled() {
		var opts []dataforseo.Option
		if c.DataForSEO.BaseURL != "" {
			opts = append(opts, dataforseo.WithBaseURL(c.DataForSEO.BaseURL))
		}
		reg.Register(provider.NewDataForSEO(
			dataforseo.NewClient(c.DataForSEO.Login, c.DataForSEO.Password, opts...),
			resilience.NewGuard(model.SourceDataForSEO, c.DataForSEO.Guard),
		))
	}

	return reg
}
