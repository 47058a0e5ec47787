package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ParseDurationField parses an optional Go duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseDurationMap parses every value of m; keys are lowercased. All invalid
// entries are reported together, in key order.
func ParseDurationMap(path string, m map[string]string) (map[string]time.Duration, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]time.Duration, len(m))
	var errs []error
	for _, k := range keys {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			errs = append(errs, fmt.Errorf("%s: empty key", path))
			continue
		}
		d, err := ParseDurationField(path+"."+key, m[k])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s.%s: duration must be > 0", path, key))
			continue
		}
		out[key] = d
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
