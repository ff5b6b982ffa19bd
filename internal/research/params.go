package research

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Defaults applied by Normalize.
const (
	DefaultLocation      = "us"
	DefaultLanguage      = "en"
	DefaultDevice        = "desktop"
	DefaultSERPDepth     = 100
	DefaultKeywordLimit  = 100
	DefaultBacklinkLimit = 1000
)

// ErrInvalidParams is returned when query parameters fail validation.
var ErrInvalidParams = errors.New("invalid query parameters")

// Params is the type-specific parameter payload of a query. Exactly one
// implementation exists per QueryType.
type Params interface {
	Type() QueryType
	// Normalize returns a canonical copy: trimmed, case-folded, sorted and
	// deduplicated, with defaults filled in.
	Normalize() Params
	Validate() error
	// Volume is the item count checked against per-type volume caps.
	Volume() int
	// SubRequests lists the provider calls the query implies, in a stable order.
	SubRequests() []SubRequest

	sealed()
}

// SubRequest is one provider call implied by a query.
type SubRequest struct {
	Key      string
	Payload  json.RawMessage
	Location string
	Language string
	Device   string
}

// KeywordDiscoveryParams asks for keyword ideas around seed terms.
type KeywordDiscoveryParams struct {
	Seeds    []string `json:"seeds"`
	Location string   `json:"location,omitempty"`
	Language string   `json:"language,omitempty"`
	// Limit is the number of keyword ideas requested per seed.
	Limit int `json:"limit,omitempty"`
}

// SERPSnapshotParams asks for a search results page per keyword.
type SERPSnapshotParams struct {
	Keywords []string `json:"keywords"`
	Location string   `json:"location,omitempty"`
	Language string   `json:"language,omitempty"`
	Device   string   `json:"device,omitempty"`
	Depth    int      `json:"depth,omitempty"`
}

// CompetitorOverviewParams compares a domain against its competitors.
type CompetitorOverviewParams struct {
	Domain      string   `json:"domain"`
	Competitors []string `json:"competitors,omitempty"`
	Location    string   `json:"location,omitempty"`
	Language    string   `json:"language,omitempty"`
}

// BacklinkCheckParams asks for the backlink profile of each target.
type BacklinkCheckParams struct {
	Targets []string `json:"targets"`
	Limit   int      `json:"limit,omitempty"`
}

// OnPageCheckParams asks for an on-page audit of each URL.
type OnPageCheckParams struct {
	URLs   []string `json:"urls"`
	Device string   `json:"device,omitempty"`
}

func (KeywordDiscoveryParams) sealed()   {}
func (SERPSnapshotParams) sealed()       {}
func (CompetitorOverviewParams) sealed() {}
func (BacklinkCheckParams) sealed()      {}
func (OnPageCheckParams) sealed()        {}

func (KeywordDiscoveryParams) Type() QueryType   { return QueryTypeKeywordDiscovery }
func (SERPSnapshotParams) Type() QueryType       { return QueryTypeSERPSnapshot }
func (CompetitorOverviewParams) Type() QueryType { return QueryTypeCompetitorOverview }
func (BacklinkCheckParams) Type() QueryType      { return QueryTypeBacklinkCheck }
func (OnPageCheckParams) Type() QueryType        { return QueryTypeOnPageCheck }

func (p KeywordDiscoveryParams) Normalize() Params {
	p.Seeds = normalizeTerms(p.Seeds)
	p.Location = orDefault(fold(p.Location), DefaultLocation)
	p.Language = orDefault(fold(p.Language), DefaultLanguage)
	if p.Limit <= 0 {
		p.Limit = DefaultKeywordLimit
	}
	return p
}

func (p KeywordDiscoveryParams) Validate() error {
	if len(p.Seeds) == 0 {
		return fmt.Errorf("%w: at least one seed keyword is required", ErrInvalidParams)
	}
	if p.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidParams)
	}
	return nil
}

func (p KeywordDiscoveryParams) Volume() int {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultKeywordLimit
	}
	return len(p.Seeds) * limit
}

func (p KeywordDiscoveryParams) SubRequests() []SubRequest {
	subs := make([]SubRequest, 0, len(p.Seeds))
	for _, seed := range p.Seeds {
		subs = append(subs, SubRequest{
			Key: seed,
			Payload: mustJSON(map[string]any{
				"seed":     seed,
				"limit":    p.Limit,
				"location": p.Location,
				"language": p.Language,
			}),
			Location: p.Location,
			Language: p.Language,
		})
	}
	return subs
}

func (p SERPSnapshotParams) Normalize() Params {
	p.Keywords = normalizeTerms(p.Keywords)
	p.Location = orDefault(fold(p.Location), DefaultLocation)
	p.Language = orDefault(fold(p.Language), DefaultLanguage)
	p.Device = orDefault(fold(p.Device), DefaultDevice)
	if p.Depth <= 0 {
		p.Depth = DefaultSERPDepth
	}
	return p
}

func (p SERPSnapshotParams) Validate() error {
	if len(p.Keywords) == 0 {
		return fmt.Errorf("%w: at least one keyword is required", ErrInvalidParams)
	}
	if p.Device != "" && p.Device != "desktop" && p.Device != "mobile" {
		return fmt.Errorf("%w: device must be desktop or mobile", ErrInvalidParams)
	}
	return nil
}

func (p SERPSnapshotParams) Volume() int { return len(p.Keywords) }

func (p SERPSnapshotParams) SubRequests() []SubRequest {
	subs := make([]SubRequest, 0, len(p.Keywords))
	for _, kw := range p.Keywords {
		subs = append(subs, SubRequest{
			Key: kw,
			Payload: mustJSON(map[string]any{
				"keyword":  kw,
				"depth":    p.Depth,
				"location": p.Location,
				"language": p.Language,
				"device":   p.Device,
			}),
			Location: p.Location,
			Language: p.Language,
			Device:   p.Device,
		})
	}
	return subs
}

func (p CompetitorOverviewParams) Normalize() Params {
	p.Domain = normalizeDomain(p.Domain)
	competitors := make([]string, 0, len(p.Competitors))
	for _, c := range p.Competitors {
		if d := normalizeDomain(c); d != "" && d != p.Domain {
			competitors = append(competitors, d)
		}
	}
	p.Competitors = sortedUnique(competitors)
	p.Location = orDefault(fold(p.Location), DefaultLocation)
	p.Language = orDefault(fold(p.Language), DefaultLanguage)
	return p
}

func (p CompetitorOverviewParams) Validate() error {
	if strings.TrimSpace(p.Domain) == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidParams)
	}
	return nil
}

func (p CompetitorOverviewParams) Volume() int { return 1 + len(p.Competitors) }

func (p CompetitorOverviewParams) SubRequests() []SubRequest {
	domains := append([]string{p.Domain}, p.Competitors...)
	subs := make([]SubRequest, 0, len(domains))
	for _, d := range domains {
		subs = append(subs, SubRequest{
			Key: d,
			Payload: mustJSON(map[string]any{
				"domain":   d,
				"location": p.Location,
				"language": p.Language,
			}),
			Location: p.Location,
			Language: p.Language,
		})
	}
	return subs
}

func (p BacklinkCheckParams) Normalize() Params {
	targets := make([]string, 0, len(p.Targets))
	for _, t := range p.Targets {
		if d := normalizeDomain(t); d != "" {
			targets = append(targets, d)
		}
	}
	p.Targets = sortedUnique(targets)
	if p.Limit <= 0 {
		p.Limit = DefaultBacklinkLimit
	}
	return p
}

func (p BacklinkCheckParams) Validate() error {
	if len(p.Targets) == 0 {
		return fmt.Errorf("%w: at least one target is required", ErrInvalidParams)
	}
	return nil
}

func (p BacklinkCheckParams) Volume() int { return len(p.Targets) }

func (p BacklinkCheckParams) SubRequests() []SubRequest {
	subs := make([]SubRequest, 0, len(p.Targets))
	for _, t := range p.Targets {
		subs = append(subs, SubRequest{
			Key:     t,
			Payload: mustJSON(map[string]any{"target": t, "limit": p.Limit}),
		})
	}
	return subs
}

func (p OnPageCheckParams) Normalize() Params {
	urls := make([]string, 0, len(p.URLs))
	for _, u := range p.URLs {
		if n := normalizeURL(u); n != "" {
			urls = append(urls, n)
		}
	}
	p.URLs = sortedUnique(urls)
	p.Device = orDefault(fold(p.Device), DefaultDevice)
	return p
}

func (p OnPageCheckParams) Validate() error {
	if len(p.URLs) == 0 {
		return fmt.Errorf("%w: at least one url is required", ErrInvalidParams)
	}
	for _, u := range p.URLs {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("%w: %q is not an absolute url", ErrInvalidParams, u)
		}
	}
	return nil
}

func (p OnPageCheckParams) Volume() int { return len(p.URLs) }

func (p OnPageCheckParams) SubRequests() []SubRequest {
	subs := make([]SubRequest, 0, len(p.URLs))
	for _, u := range p.URLs {
		subs = append(subs, SubRequest{
			Key:     u,
			Payload: mustJSON(map[string]any{"url": u, "device": p.Device}),
			Device:  p.Device,
		})
	}
	return subs
}

// envelope is the persisted and wire form of Params.
type envelope struct {
	Type   QueryType       `json:"type"`
	Params json.RawMessage `json:"params"`
}

// MarshalParams encodes p as {"type": ..., "params": {...}}.
func MarshalParams(p Params) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: p.Type(), Params: raw})
}

// UnmarshalParams decodes the envelope written by MarshalParams.
func UnmarshalParams(data []byte) (Params, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return DecodeParams(env.Type, env.Params)
}

// DecodeParams decodes the parameter object for the given query type.
func DecodeParams(t QueryType, raw json.RawMessage) (Params, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var (
		p   Params
		err error
	)
	switch t {
	case QueryTypeKeywordDiscovery:
		var v KeywordDiscoveryParams
		err = json.Unmarshal(raw, &v)
		p = v
	case QueryTypeSERPSnapshot:
		var v SERPSnapshotParams
		err = json.Unmarshal(raw, &v)
		p = v
	case QueryTypeCompetitorOverview:
		var v CompetitorOverviewParams
		err = json.Unmarshal(raw, &v)
		p = v
	case QueryTypeBacklinkCheck:
		var v BacklinkCheckParams
		err = json.Unmarshal(raw, &v)
		p = v
	case QueryTypeOnPageCheck:
		var v OnPageCheckParams
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown query type %q", ErrInvalidParams, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return p, nil
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// normalizeTerms folds whitespace and case so "  SEO Tools" and "seo  tools" collide.
func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if f := strings.Join(strings.Fields(fold(t)), " "); f != "" {
			out = append(out, f)
		}
	}
	return sortedUnique(out)
}

func normalizeDomain(d string) string {
	d = fold(d)
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return d
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

func sortedUnique(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, s := range in {
		if i > 0 && s == in[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("research: marshal sub-request payload: %v", err))
	}
	return b
}
