package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownGlobalKeys are the valid flat top-level keys in the config file.
var knownGlobalKeys = map[string]bool{
	// Endpoint
	"platform_origin": true, "graphql_path": true, "subscriptions_path": true,
	// Retry
	"retry_initial_delay": true, "retry_max_attempts": true, "retry_max_delay": true,
	// Stream
	"stream_retry_attempts": true, "stream_retry_wait": true, "stream_ack_timeout": true,
	"stream_lazy": true,
	// Cache
	"cache_enabled": true, "cache_ttl": true, "cache_path": true,
	// Auth
	"client_id": true, "token_url": true, "token_path": true, "unauthenticated_code": true,
	// Logging
	"log_level": true, "log_format": true,
	// Network
	"connect_timeout": true, "request_timeout": true, "user_agent": true,
}

// knownGlobalKeysList is the sorted slice form of knownGlobalKeys for
// Levenshtein matching. Sorted for deterministic suggestions when two
// candidates have the same edit distance.
var knownGlobalKeysList = func() []string {
	keys := make([]string, 0, len(knownGlobalKeys))
	for k := range knownGlobalKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	seen := make(map[string]bool)

	for _, key := range undecoded {
		// Tables report the table and every key inside it; one error per
		// top-level name is enough.
		topKey := strings.SplitN(key.String(), ".", 2)[0]
		if seen[topKey] {
			continue
		}

		seen[topKey] = true
		errs = append(errs, buildGlobalKeyError(topKey))
	}

	return errors.Join(errs...)
}

// buildGlobalKeyError creates a descriptive error for an unknown top-level
// key, suggesting the closest known key when one is near enough.
func buildGlobalKeyError(fieldName string) error {
	suggestion := closestMatch(fieldName, knownGlobalKeysList)
	if suggestion != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", fieldName, suggestion)
	}

	return fmt.Errorf("unknown config key %q", fieldName)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
