package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/eternisai/seo-research/internal/research"
)

// Default cache lifetimes per data kind. SERP data is volatile, keyword
// volumes are stable.
const (
	DefaultSERPTTL        = 6 * time.Hour
	DefaultKeywordsTTL    = 30 * 24 * time.Hour
	DefaultCompetitorsTTL = 7 * 24 * time.Hour
	DefaultBacklinksTTL   = 7 * 24 * time.Hour
	DefaultOnPageTTL      = 24 * time.Hour

	DefaultOverageTolerance   = 0.1
	DefaultMaxConcurrentTasks = 5
	DefaultBudgetUnit         = "USD"
)

// OrchestrationConfig contains everything the research engine needs to route,
// price and admit queries.
type OrchestrationConfig struct {
	// Providers contain configuration for external data providers.
	Providers []ProviderConfig `yaml:"providers"`

	// QueryTypes map each supported query type to a provider endpoint and its caps.
	QueryTypes []QueryTypeConfig `yaml:"query_types"`

	// Roles contain per-role budgets.
	Roles []RoleConfig `yaml:"roles"`

	// CacheTTL contains per-kind cache lifetimes.
	CacheTTL CacheTTLConfig `yaml:"cache_ttl"`

	// OverageTolerance is the fraction by which an actual cost may exceed its
	// estimate before the charge is rejected. Defaults to 0.1.
	OverageTolerance float64 `yaml:"overage_tolerance,omitempty"`
}

// Validate performs validation of an OrchestrationConfig value:
// - Checks that provider, query type and role lists are not empty
// - Checks that query types reference known providers
// - Checks for duplicates in every list
// - Fills in defaults for cache TTLs and the overage tolerance
func (cfg *OrchestrationConfig) Validate() error {
	if len(cfg.Providers) == 0 {
		return errors.New("no providers specified in orchestration configuration")
	}

	providers := make(map[string]struct{}, len(cfg.Providers))
	for _, provider := range cfg.Providers {
		if _, exists := providers[provider.Name]; exists {
			return fmt.Errorf("duplicate configuration entry for provider %v", provider.Name)
		}

		providers[provider.Name] = struct{}{}
	}

	if len(cfg.QueryTypes) == 0 {
		return errors.New("no query types specified in orchestration configuration")
	}

	types := make(map[research.QueryType]struct{}, len(cfg.QueryTypes))
	for _, qt := range cfg.QueryTypes {
		if _, providerExists := providers[qt.Provider]; !providerExists {
			return fmt.Errorf("unknown provider %v specified for query type %v", qt.Provider, qt.Type)
		}

		if _, typeExists := types[qt.Type]; typeExists {
			return fmt.Errorf("duplicate configuration entry for query type %v", qt.Type)
		}

		types[qt.Type] = struct{}{}
	}

	if len(cfg.Roles) == 0 {
		return errors.New("no roles specified in orchestration configuration")
	}

	roles := make(map[string]struct{}, len(cfg.Roles))
	for _, role := range cfg.Roles {
		if _, exists := roles[role.Name]; exists {
			return fmt.Errorf("duplicate configuration entry for role %v", role.Name)
		}

		roles[role.Name] = struct{}{}
	}

	if cfg.OverageTolerance < 0 {
		return fmt.Errorf("overage tolerance must not be negative, got %v", cfg.OverageTolerance)
	}
	if cfg.OverageTolerance == 0 {
		cfg.OverageTolerance = DefaultOverageTolerance
	}

	cfg.CacheTTL.applyDefaults()

	return nil
}

// QueryType returns the configuration of t, if present.
func (cfg *OrchestrationConfig) QueryType(t research.QueryType) (QueryTypeConfig, bool) {
	for _, qt := range cfg.QueryTypes {
		if qt.Type == t {
			return qt, true
		}
	}
	return QueryTypeConfig{}, false
}

// Role returns the configuration of the named role, if present.
func (cfg *OrchestrationConfig) Role(name string) (RoleConfig, bool) {
	for _, r := range cfg.Roles {
		if r.Name == name {
			return r, true
		}
	}
	return RoleConfig{}, false
}

// unmarshalOrchestrationConfig implements a custom YAML unmarshaler for OrchestrationConfig.
// Validates the value after unmarshaling.
func unmarshalOrchestrationConfig(value *OrchestrationConfig, data []byte) error {
	type Aux OrchestrationConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = OrchestrationConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// ProviderConfig contains basic configuration of a data provider.
type ProviderConfig struct {
	// Name identifies the provider in query type routes and on persisted tasks.
	Name string `yaml:"name"`

	// BaseURL is the base URL of the provider's task API.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnvVar is the name of the environment variable that contains the API key.
	APIKeyEnvVar string `yaml:"api_key_env_var,omitempty"`

	// APIKey is extracted from the environment using APIKeyEnvVar. Explicit
	// config values are ignored.
	APIKey string `yaml:"-"`

	// Pollable reports whether the provider exposes a task status endpoint.
	// Tasks of non-pollable providers only end through the task timeout.
	// Defaults to true.
	Pollable *bool `yaml:"pollable,omitempty"`

	// Timeout bounds a single HTTP call to the provider. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Prices is the provider's price table used to estimate task cost.
	Prices []PriceConfig `yaml:"prices,omitempty"`

	// RateLimitWindow and RateLimitMax set this provider's own outbound
	// limit. Zero values fall back to the process-wide defaults.
	RateLimitWindow time.Duration `yaml:"rate_limit_window,omitempty"`
	RateLimitMax    int           `yaml:"rate_limit_max,omitempty"`
}

// Validate performs validation of a ProviderConfig value:
// - Checks that the name is not empty
// - Verifies BaseURL is a valid URL
// - Fetches APIKey value from the environment using APIKeyEnvVar
func (cfg *ProviderConfig) Validate() error {
	if cfg.Name == "" {
		return errors.New("provider name must be specified in provider configuration")
	}

	if cfg.BaseURL == "" {
		return fmt.Errorf("base_url must be specified for provider %v", cfg.Name)
	}

	if err := validateURLString(cfg.BaseURL); err != nil {
		return err
	}

	if cfg.APIKeyEnvVar != "" {
		cfg.APIKey = os.Getenv(cfg.APIKeyEnvVar)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	if cfg.RateLimitWindow < 0 || cfg.RateLimitMax < 0 {
		return fmt.Errorf("negative rate limit for provider %v", cfg.Name)
	}

	for _, price := range cfg.Prices {
		if !price.QueryType.Valid() {
			return fmt.Errorf("unknown query type %q in price table of provider %v", price.QueryType, cfg.Name)
		}
		if price.PerRequest < 0 || price.PerItem < 0 {
			return fmt.Errorf("negative price for %v in price table of provider %v", price.QueryType, cfg.Name)
		}
	}

	return nil
}

// RateLimit returns the provider's outbound window and call count, using
// the given defaults for unset values.
func (cfg *ProviderConfig) RateLimit(defaultWindow time.Duration, defaultMax int) (time.Duration, int) {
	window, max := cfg.RateLimitWindow, cfg.RateLimitMax
	if window == 0 {
		window = defaultWindow
	}
	if max == 0 {
		max = defaultMax
	}
	return window, max
}

// IsPollable returns the effective Pollable setting.
func (cfg *ProviderConfig) IsPollable() bool {
	return cfg.Pollable == nil || *cfg.Pollable
}

// unmarshalProviderConfig implements a custom YAML unmarshaler for ProviderConfig.
// Validates the value after unmarshaling.
func unmarshalProviderConfig(value *ProviderConfig, data []byte) error {
	type Aux ProviderConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = ProviderConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// PriceConfig is one row of a provider price table, in the budget unit.
type PriceConfig struct {
	QueryType research.QueryType `yaml:"query_type"`

	// PerRequest is charged once per provider task.
	PerRequest float64 `yaml:"per_request"`

	// PerItem is charged for every requested item (keyword ideas, SERP
	// results, backlinks).
	PerItem float64 `yaml:"per_item,omitempty"`
}

// QueryTypeConfig routes a query type to a provider endpoint and sets its
// admission caps.
type QueryTypeConfig struct {
	Type research.QueryType `yaml:"type"`

	// Provider is the name of a provider defined in Providers.
	Provider string `yaml:"provider"`

	// Endpoint is the provider path tasks of this type are submitted to.
	Endpoint string `yaml:"endpoint"`

	// MaxItems caps the volume of a single query (keywords, targets, URLs).
	// Zero disables the cap.
	MaxItems int `yaml:"max_items,omitempty"`

	// MaxConcurrentTasks caps how many tasks of one query may be in flight.
	// Defaults to 5.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks,omitempty"`
}

// Validate performs validation of a QueryTypeConfig value:
// - Checks that the type is known and a provider and endpoint are set
// - Sets the default concurrency ceiling
func (cfg *QueryTypeConfig) Validate() error {
	if !cfg.Type.Valid() {
		return fmt.Errorf("unknown query type %q", cfg.Type)
	}

	if cfg.Provider == "" {
		return fmt.Errorf("provider must be specified for query type %v", cfg.Type)
	}

	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint must be specified for query type %v", cfg.Type)
	}

	if cfg.MaxItems < 0 {
		return fmt.Errorf("max_items must not be negative for query type %v", cfg.Type)
	}

	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}

	return nil
}

// unmarshalQueryTypeConfig implements a custom YAML unmarshaler for QueryTypeConfig.
// Validates the value after unmarshaling.
func unmarshalQueryTypeConfig(value *QueryTypeConfig, data []byte) error {
	type Aux QueryTypeConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = QueryTypeConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// RoleConfig contains the spending policy of one role.
type RoleConfig struct {
	Name string `yaml:"name"`

	// Unit is the budget currency. Defaults to USD.
	Unit string `yaml:"unit,omitempty"`

	// Period is the budget recurrence. Defaults to monthly.
	Period research.Period `yaml:"period,omitempty"`

	// Limit is the spending ceiling per period.
	Limit float64 `yaml:"limit"`

	// MaxQueryCost caps the estimated cost of a single query. Zero disables the cap.
	MaxQueryCost float64 `yaml:"max_query_cost,omitempty"`
}

// Validate performs validation of a RoleConfig value:
// - Checks that the name is set and the limit is positive
// - Sets the default unit and period
func (cfg *RoleConfig) Validate() error {
	if cfg.Name == "" {
		return errors.New("role name must be specified in role configuration")
	}

	if cfg.Limit <= 0 {
		return fmt.Errorf("limit must be positive for role %v", cfg.Name)
	}

	if cfg.MaxQueryCost < 0 {
		return fmt.Errorf("max_query_cost must not be negative for role %v", cfg.Name)
	}

	if cfg.Unit == "" {
		cfg.Unit = DefaultBudgetUnit
	}

	if cfg.Period == "" {
		cfg.Period = research.PeriodMonthly
	}

	return cfg.Period.Validate()
}

// unmarshalRoleConfig implements a custom YAML unmarshaler for RoleConfig.
// Validates the value after unmarshaling.
func unmarshalRoleConfig(value *RoleConfig, data []byte) error {
	type Aux RoleConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = RoleConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// CacheTTLConfig contains cache lifetimes per data kind.
type CacheTTLConfig struct {
	SERP        time.Duration `yaml:"serp,omitempty"`
	Keywords    time.Duration `yaml:"keywords,omitempty"`
	Competitors time.Duration `yaml:"competitors,omitempty"`
	Backlinks   time.Duration `yaml:"backlinks,omitempty"`
	OnPage      time.Duration `yaml:"onpage,omitempty"`
}

func (cfg *CacheTTLConfig) applyDefaults() {
	if cfg.SERP <= 0 {
		cfg.SERP = DefaultSERPTTL
	}
	if cfg.Keywords <= 0 {
		cfg.Keywords = DefaultKeywordsTTL
	}
	if cfg.Competitors <= 0 {
		cfg.Competitors = DefaultCompetitorsTTL
	}
	if cfg.Backlinks <= 0 {
		cfg.Backlinks = DefaultBacklinksTTL
	}
	if cfg.OnPage <= 0 {
		cfg.OnPage = DefaultOnPageTTL
	}
}

// ByKind returns the TTLs keyed by data kind.
func (cfg CacheTTLConfig) ByKind() map[research.DataKind]time.Duration {
	cfg.applyDefaults()
	return map[research.DataKind]time.Duration{
		research.KindSERP:        cfg.SERP,
		research.KindKeywords:    cfg.Keywords,
		research.KindCompetitors: cfg.Competitors,
		research.KindBacklinks:   cfg.Backlinks,
		research.KindOnPage:      cfg.OnPage,
	}
}

func init() {
	// Register unmarshalers of custom types with the YAML library
	yaml.RegisterCustomUnmarshaler[OrchestrationConfig](unmarshalOrchestrationConfig)
	yaml.RegisterCustomUnmarshaler[ProviderConfig](unmarshalProviderConfig)
	yaml.RegisterCustomUnmarshaler[QueryTypeConfig](unmarshalQueryTypeConfig)
	yaml.RegisterCustomUnmarshaler[RoleConfig](unmarshalRoleConfig)
}

// validateURLString performs basic sanity checks of a string that should contain a valid URL.
// Empty strings are ignored.
func validateURLString(str string) error {
	if str == "" {
		return nil
	}

	u, err := url.Parse(str)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL does not contain a hostname")
	}

	return nil
}
