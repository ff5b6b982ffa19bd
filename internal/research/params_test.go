package research

import (
	"errors"
	"reflect"
	"testing"
)

func TestSERPSnapshotNormalizeCollides(t *testing.T) {
	a := SERPSnapshotParams{Keywords: []string{"  SEO Tools", "rank tracker", "seo  tools"}, Location: "US"}.Normalize()
	b := SERPSnapshotParams{Keywords: []string{"Rank Tracker", "seo tools"}, Device: "DESKTOP"}.Normalize()

	if !reflect.DeepEqual(a, b) {
		t.Fatalf("normalized params differ:\n a=%+v\n b=%+v", a, b)
	}

	got := a.(SERPSnapshotParams)
	want := []string{"rank tracker", "seo tools"}
	if !reflect.DeepEqual(got.Keywords, want) {
		t.Errorf("Keywords = %v, want %v", got.Keywords, want)
	}
	if got.Depth != DefaultSERPDepth || got.Device != DefaultDevice || got.Language != DefaultLanguage {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestSubRequestsPerType(t *testing.T) {
	tests := []struct {
		name     string
		params   Params
		wantKeys []string
		volume   int
	}{
		{
			name:     "serp one per keyword",
			params:   SERPSnapshotParams{Keywords: []string{"b", "a", "c"}},
			wantKeys: []string{"a", "b", "c"},
			volume:   3,
		},
		{
			name:     "keyword discovery volume is seeds times limit",
			params:   KeywordDiscoveryParams{Seeds: []string{"shoes", "boots"}, Limit: 50},
			wantKeys: []string{"boots", "shoes"},
			volume:   100,
		},
		{
			name:     "competitors include the domain first",
			params:   CompetitorOverviewParams{Domain: "https://www.Example.com/", Competitors: []string{"rival.io", "example.com"}},
			wantKeys: []string{"example.com", "rival.io"},
			volume:   2,
		},
		{
			name:     "backlinks dedupe targets",
			params:   BacklinkCheckParams{Targets: []string{"A.com", "a.com", "b.com"}},
			wantKeys: []string{"a.com", "b.com"},
			volume:   2,
		},
		{
			name:     "onpage canonical urls",
			params:   OnPageCheckParams{URLs: []string{"HTTPS://Example.com", "https://example.com/#top"}},
			wantKeys: []string{"https://example.com/"},
			volume:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.params.Normalize()
			if err := p.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if p.Volume() != tt.volume {
				t.Errorf("Volume = %d, want %d", p.Volume(), tt.volume)
			}
			var keys []string
			for _, sub := range p.SubRequests() {
				keys = append(keys, sub.Key)
				if len(sub.Payload) == 0 {
					t.Errorf("sub-request %q has empty payload", sub.Key)
				}
			}
			if !reflect.DeepEqual(keys, tt.wantKeys) {
				t.Errorf("keys = %v, want %v", keys, tt.wantKeys)
			}
		})
	}
}

func TestParamsEnvelope(t *testing.T) {
	in := BacklinkCheckParams{Targets: []string{"example.com"}, Limit: 10}

	data, err := MarshalParams(in)
	if err != nil {
		t.Fatalf("MarshalParams: %v", err)
	}
	out, err := UnmarshalParams(data)
	if err != nil {
		t.Fatalf("UnmarshalParams: %v", err)
	}
	if out.Type() != QueryTypeBacklinkCheck {
		t.Fatalf("Type = %s", out.Type())
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("got %+v, want %+v", out, in)
	}

	if _, err := DecodeParams("rank_everything", []byte(`{}`)); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("unknown type error = %v, want ErrInvalidParams", err)
	}
	if _, err := DecodeParams(QueryTypeSERPSnapshot, []byte(`{"keywords": 3}`)); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("bad payload error = %v, want ErrInvalidParams", err)
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	for _, p := range []Params{
		KeywordDiscoveryParams{},
		SERPSnapshotParams{},
		CompetitorOverviewParams{},
		BacklinkCheckParams{},
		OnPageCheckParams{URLs: []string{"not a url"}},
	} {
		if err := p.Normalize().Validate(); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("%s: Validate = %v, want ErrInvalidParams", p.Type(), err)
		}
	}
}
