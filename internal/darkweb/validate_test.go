package darkweb

import (
	"strings"
	"testing"
)

func TestValidateOnionURL(t *testing.T) {
	v3 := strings.Repeat("a", 56)
	v2 := strings.Repeat("b", 16)

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"v3 address", "http://" + v3 + ".onion", false},
		{"v3 with path", "http://" + v3 + ".onion/market/listing", false},
		{"v2 address", "https://" + v2 + ".onion", false},
		{"uppercase host", "http://" + strings.ToUpper(v3) + ".onion", false},
		{"empty", "", true},
		{"no scheme", v3 + ".onion", true},
		{"ftp scheme", "ftp://" + v3 + ".onion", true},
		{"clearnet host", "https://example.com", true},
		{"host too short", "http://" + strings.Repeat("a", 15) + ".onion", true},
		{"host too long", "http://" + strings.Repeat("a", 57) + ".onion", true},
		{"length between versions", "http://" + strings.Repeat("a", 30) + ".onion", true},
		{"invalid base32 chars", "http://" + strings.Repeat("a", 55) + "1.onion", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOnionURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOnionURL(%q) = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateQuery(t *testing.T) {
	if err := validateQuery("weather"); err != nil {
		t.Errorf("plain query rejected: %v", err)
	}
	if err := validateQuery(""); err == nil {
		t.Error("empty query accepted")
	}
	if err := validateQuery("   \t  "); err == nil {
		t.Error("whitespace-only query accepted")
	}
	if err := validateQuery(strings.Repeat("q", maxQueryLength+1)); err == nil {
		t.Error("oversized query accepted")
	}
}

func TestValidateExplore(t *testing.T) {
	for depth := minExploreDepth; depth <= maxExploreDepth; depth++ {
		if err := validateExplore("markets", depth); err != nil {
			t.Errorf("depth %d rejected: %v", depth, err)
		}
	}
	if err := validateExplore("markets", 0); err == nil {
		t.Error("depth 0 accepted")
	}
	if err := validateExplore("markets", 4); err == nil {
		t.Error("depth 4 accepted")
	}
	if err := validateExplore("", 1); err == nil {
		t.Error("empty topic accepted")
	}
}

func TestValidateJobSpec(t *testing.T) {
	onion := "http://" + strings.Repeat("c", 56) + ".onion"

	valid := JobSpec{URLs: []string{onion}, Depth: 1, Timeout: 30}
	if err := validateJobSpec(valid); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	zeroTimeout := valid
	zeroTimeout.Timeout = 0
	if err := validateJobSpec(zeroTimeout); err != nil {
		t.Errorf("zero timeout should defer to the default: %v", err)
	}

	tests := []struct {
		name string
		spec JobSpec
	}{
		{"no urls", JobSpec{Depth: 1}},
		{"too many urls", JobSpec{URLs: repeatURL(onion, 11), Depth: 1}},
		{"clearnet url", JobSpec{URLs: []string{"https://example.com"}, Depth: 1}},
		{"depth too low", JobSpec{URLs: []string{onion}, Depth: 0}},
		{"depth too high", JobSpec{URLs: []string{onion}, Depth: 4}},
		{"timeout too high", JobSpec{URLs: []string{onion}, Depth: 1, Timeout: 301}},
		{"negative timeout", JobSpec{URLs: []string{onion}, Depth: 1, Timeout: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateJobSpec(tt.spec); err == nil {
				t.Errorf("spec %+v accepted", tt.spec)
			}
		})
	}
}

func repeatURL(url string, n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = url
	}
	return urls
}

func TestValidateJobSpecAtURLLimit(t *testing.T) {
	onion := "http://" + strings.Repeat("d", 56) + ".onion"
	spec := JobSpec{URLs: repeatURL(onion, maxJobURLs), Depth: 2, Timeout: 60}
	if err := validateJobSpec(spec); err != nil {
		t.Fatalf("spec at the url limit rejected: %v", err)
	}
}
