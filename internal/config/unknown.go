package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists every valid key by section; "" is the top level.
var knownKeys = map[string][]string{
	"":          {"backup_dir", "services", "username"},
	"transfers": {"bandwidth_limit", "concurrency"},
	"photos":    {"album_links", "albums", "max_page_errors", "page_size", "primary_album"},
	"logging":   {"log_file", "log_format", "log_level", "log_retention_days"},
	"network":   {"connect_timeout", "data_timeout", "user_agent"},
}

// sectionNames is the sorted list of table names.
var sectionNames = func() []string {
	names := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		if k != "" {
			names = append(names, k)
		}
	}

	slices.Sort(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each unknown key. Keys under an
// unknown table are reported once, through the table name.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	reported := make(map[string]bool)

	for _, key := range md.Undecoded() {
		if _, known := knownKeys[key[0]]; !known || len(key) == 1 {
			if reported[key[0]] {
				continue
			}

			reported[key[0]] = true
			candidates := append(slices.Clone(knownKeys[""]), sectionNames...)
			errs = append(errs, suggest(fmt.Sprintf("unknown config key %q", key[0]), key[0], candidates))

			continue
		}

		section, name := key[0], key[len(key)-1]
		errs = append(errs, suggest(fmt.Sprintf("unknown config key %q in [%s]", name, section), name, knownKeys[section]))
	}

	return errors.Join(errs...)
}

func suggest(msg, name string, candidates []string) error {
	if suggestion := closestMatch(name, candidates); suggestion != "" {
		return fmt.Errorf("%s; did you mean %q?", msg, suggestion)
	}

	return errors.New(msg)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(strings.ToLower(unknown), k); d < bestDist {
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
