package darkweb

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	maxQueryLength  = 4096
	maxTopicLength  = 256
	minExploreDepth = 1
	maxExploreDepth = 3
	maxJobURLs      = 10
	maxJobTimeout   = 300
)

// onionHostPattern accepts v2 (exactly 16 char) and v3 (exactly 56 char)
// onion hostnames. Lengths in between are not valid addresses.
var onionHostPattern = regexp.MustCompile(`^(?:[a-z2-7]{16}|[a-z2-7]{56})\.onion$`)

// ValidateOnionURL checks that raw is an http(s) URL pointing at an onion
// service hostname.
func ValidateOnionURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("url must not be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url is not parseable: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	if !onionHostPattern.MatchString(host) {
		return fmt.Errorf("host %q is not an onion service address", host)
	}
	return nil
}

func validateQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("query must not be empty")
	}
	if len(trimmed) > maxQueryLength {
		return fmt.Errorf("query exceeds %d characters", maxQueryLength)
	}
	return nil
}

func validateExplore(topic string, depth int) error {
	trimmed := strings.TrimSpace(topic)
	if trimmed == "" {
		return fmt.Errorf("topic must not be empty")
	}
	if len(trimmed) > maxTopicLength {
		return fmt.Errorf("topic exceeds %d characters", maxTopicLength)
	}
	if depth < minExploreDepth || depth > maxExploreDepth {
		return fmt.Errorf("depth must be between %d and %d, got %d", minExploreDepth, maxExploreDepth, depth)
	}
	return nil
}

func validateJobSpec(spec JobSpec) error {
	if len(spec.URLs) == 0 {
		return fmt.Errorf("job needs at least one url")
	}
	if len(spec.URLs) > maxJobURLs {
		return fmt.Errorf("job accepts at most %d urls, got %d", maxJobURLs, len(spec.URLs))
	}
	for i, raw := range spec.URLs {
		if err := ValidateOnionURL(raw); err != nil {
			return fmt.Errorf("url %d: %w", i+1, err)
		}
	}
	if spec.Depth < minExploreDepth || spec.Depth > maxExploreDepth {
		return fmt.Errorf("depth must be between %d and %d, got %d", minExploreDepth, maxExploreDepth, spec.Depth)
	}
	if spec.Timeout < 0 || spec.Timeout > maxJobTimeout {
		return fmt.Errorf("timeout must be between 0 and %d seconds, got %d", maxJobTimeout, spec.Timeout)
	}
	return nil
}
