package config

import (
	"strings"
	"testing"
	"time"

	"github.com/eternisai/seo-research/internal/research"
)

const sampleOrchestration = `
orchestration:
  providers:
    - name: dataforseo
      base_url: https://api.dataforseo.example/v3
      api_key_env_var: TEST_DATAFORSEO_KEY
      rate_limit_max: 30
      prices:
        - query_type: serp_snapshot
          per_request: 0.0006
  query_types:
    - type: serp_snapshot
      provider: dataforseo
      endpoint: /serp/google/organic/task_post
      max_items: 100
      max_concurrent_tasks: 10
    - type: keyword_discovery
      provider: dataforseo
      endpoint: /keywords/ideas/task_post
  roles:
    - name: analyst
      limit: 100
      max_query_cost: 5
  cache_ttl:
    serp: 2h
`

func TestLoadOrchestrationConfig(t *testing.T) {
	t.Setenv("TEST_DATAFORSEO_KEY", "secret")

	var cfg Config
	if err := LoadConfigFile(strings.NewReader(sampleOrchestration), &cfg); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	o := cfg.Orchestration

	if got := o.Providers[0].APIKey; got != "secret" {
		t.Errorf("APIKey = %q, want value from environment", got)
	}
	if !o.Providers[0].IsPollable() {
		t.Error("providers are pollable unless configured otherwise")
	}
	if window, max := o.Providers[0].RateLimit(time.Minute, 120); window != time.Minute || max != 30 {
		t.Errorf("RateLimit = %v/%d, want default window with the provider's 30 calls", window, max)
	}

	kw, ok := o.QueryType(research.QueryTypeKeywordDiscovery)
	if !ok {
		t.Fatal("keyword_discovery route missing")
	}
	if kw.MaxConcurrentTasks != DefaultMaxConcurrentTasks {
		t.Errorf("MaxConcurrentTasks = %d, want default %d", kw.MaxConcurrentTasks, DefaultMaxConcurrentTasks)
	}

	role, ok := o.Role("analyst")
	if !ok {
		t.Fatal("analyst role missing")
	}
	if role.Period != research.PeriodMonthly || role.Unit != DefaultBudgetUnit {
		t.Errorf("role defaults = %s/%s, want monthly/USD", role.Period, role.Unit)
	}

	if o.OverageTolerance != DefaultOverageTolerance {
		t.Errorf("OverageTolerance = %v, want %v", o.OverageTolerance, DefaultOverageTolerance)
	}

	ttl := o.CacheTTL.ByKind()
	if ttl[research.KindSERP] != 2*time.Hour {
		t.Errorf("serp TTL = %v, want 2h", ttl[research.KindSERP])
	}
	if ttl[research.KindKeywords] != DefaultKeywordsTTL {
		t.Errorf("keywords TTL = %v, want default", ttl[research.KindKeywords])
	}
}

func TestOrchestrationConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown provider",
			yaml: `
orchestration:
  providers:
    - name: a
      base_url: https://a.example
  query_types:
    - type: serp_snapshot
      provider: b
      endpoint: /serp
  roles:
    - name: analyst
      limit: 10
`,
		},
		{
			name: "unknown query type",
			yaml: `
orchestration:
  providers:
    - name: a
      base_url: https://a.example
  query_types:
    - type: rank_tracking
      provider: a
      endpoint: /rank
  roles:
    - name: analyst
      limit: 10
`,
		},
		{
			name: "duplicate role",
			yaml: `
orchestration:
  providers:
    - name: a
      base_url: https://a.example
  query_types:
    - type: serp_snapshot
      provider: a
      endpoint: /serp
  roles:
    - name: analyst
      limit: 10
    - name: analyst
      limit: 20
`,
		},
		{
			name: "bad period",
			yaml: `
orchestration:
  providers:
    - name: a
      base_url: https://a.example
  query_types:
    - type: serp_snapshot
      provider: a
      endpoint: /serp
  roles:
    - name: analyst
      limit: 10
      period: hourly
`,
		},
		{
			name: "bad provider url",
			yaml: `
orchestration:
  providers:
    - name: a
      base_url: ftp://a.example
  query_types:
    - type: serp_snapshot
      provider: a
      endpoint: /serp
  roles:
    - name: analyst
      limit: 10
`,
		},
		{
			name: "missing section",
			yaml: "port: \"9090\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			if err := LoadConfigFile(strings.NewReader(tt.yaml), &cfg); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
