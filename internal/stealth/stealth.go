// Package stealth produces randomized outbound request metadata so that
// repeated broker calls do not present a uniform client fingerprint.
package stealth

import (
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// Identity pairs a browser user-agent string with its selection weight.
// Weights across the default table sum to 100.
type Identity struct {
	UserAgent string
	Weight    int
}

// defaultIdentities skews toward the browsers most commonly observed in
// anonymized traffic, Firefox on desktop first.
var defaultIdentities = []Identity{
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/117.0", 20},
	{"Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/117.0", 15},
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36", 15},
	{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:109.0) Gecko/20100101 Firefox/117.0", 10},
	{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36", 10},
	{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36", 10},
	{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5.2 Safari/605.1.15", 8},
	{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Safari/537.36 Edg/116.0.1938.69", 7},
	{"Mozilla/5.0 (Android 13; Mobile; rv:109.0) Gecko/117.0 Firefox/117.0", 3},
	{"Mozilla/5.0 (iPhone; CPU iPhone OS 16_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5 Mobile/15E148 Safari/604.1", 2},
}

var defaultLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"en-CA,en;q=0.9,fr-CA;q=0.8,fr;q=0.7",
	"en;q=0.9",
	"de-DE,de;q=0.9,en-US;q=0.8,en;q=0.7",
	"fr-FR,fr;q=0.9,en-US;q=0.8,en;q=0.7",
	"es-ES,es;q=0.9,en-US;q=0.8,en;q=0.7",
	"zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.7",
	"ja-JP,ja;q=0.9,en-US;q=0.8,en;q=0.7",
	"ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7",
}

const acceptValue = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"

const (
	dntProbability       = 0.3
	keepAliveProbability = 0.2
)

// HeaderSet is one randomized outbound identity.
type HeaderSet struct {
	UserAgent      string
	AcceptLanguage string
	Accept         string
	Extra          map[string]string
}

// Apply copies the header set onto an outbound request header.
func (h HeaderSet) Apply(header http.Header) {
	header.Set("User-Agent", h.UserAgent)
	header.Set("Accept-Language", h.AcceptLanguage)
	header.Set("Accept", h.Accept)
	for k, v := range h.Extra {
		header.Set(k, v)
	}
}

// Randomizer draws header sets from the identity tables. It is safe for
// concurrent use.
type Randomizer struct {
	mu          sync.Mutex
	rng         *rand.Rand
	identities  []Identity
	languages   []string
	totalWeight int
}

// NewRandomizer returns a Randomizer seeded from the current time.
func NewRandomizer() *Randomizer {
	return NewRandomizerWithSeed(time.Now().UnixNano())
}

// NewRandomizerWithSeed returns a Randomizer with a fixed seed for tests.
func NewRandomizerWithSeed(seed int64) *Randomizer {
	total := 0
	for _, identity := range defaultIdentities {
		total += identity.Weight
	}
	return &Randomizer{
		rng:         rand.New(rand.NewSource(seed)),
		identities:  defaultIdentities,
		languages:   defaultLanguages,
		totalWeight: total,
	}
}

// Generate produces one randomized header set.
func (r *Randomizer) Generate() HeaderSet {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := HeaderSet{
		UserAgent:      r.pickIdentity(),
		AcceptLanguage: r.languages[r.rng.Intn(len(r.languages))],
		Accept:         acceptValue,
		Extra: map[string]string{
			"Sec-Fetch-Dest":            r.pickOne("document", "empty"),
			"Sec-Fetch-Mode":            r.pickOne("navigate", "cors"),
			"Sec-Fetch-Site":            r.pickOne("none", "same-origin"),
			"Sec-Fetch-User":            "?1",
			"Upgrade-Insecure-Requests": "1",
			"Pragma":                    "no-cache",
			"Cache-Control":             "no-cache",
		},
	}

	if r.rng.Float64() < dntProbability {
		set.Extra["DNT"] = "1"
	}
	if r.rng.Float64() < keepAliveProbability {
		set.Extra["Connection"] = "keep-alive"
	}

	return set
}

func (r *Randomizer) pickIdentity() string {
	roll := r.rng.Intn(r.totalWeight)
	for _, identity := range r.identities {
		roll -= identity.Weight
		if roll < 0 {
			return identity.UserAgent
		}
	}
	return r.identities[len(r.identities)-1].UserAgent
}

func (r *Randomizer) pickOne(options ...string) string {
	return options[r.rng.Intn(len(options))]
}

// Identities exposes the default identity table, mainly for validation in
// tests and for the settings UI to display.
func Identities() []Identity {
	out := make([]Identity, len(defaultIdentities))
	copy(out, defaultIdentities)
	return out
}

// Languages exposes the default accept-language table.
func Languages() []string {
	out := make([]string, len(defaultLanguages))
	copy(out, defaultLanguages)
	return out
}
