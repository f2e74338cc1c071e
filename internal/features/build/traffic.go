package build

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloudctl/internal/cloudapi"
)

// ErrInvalidTraffic is returned for malformed or unbalanced traffic splits
var ErrInvalidTraffic = errors.New("invalid traffic split")

// ParseTraffic turns "name=weight" pairs into a traffic split. Weights are
// whole percentages and must add up to 100.
func ParseTraffic(pairs []string) ([]cloudapi.VersionFlow, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: no versions given", ErrInvalidTraffic)
	}

	flows := make([]cloudapi.VersionFlow, 0, len(pairs))
	seen := make(map[string]bool, len(pairs))
	total := 0
	for _, pair := range pairs {
		name, weight, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q is not version=weight", ErrInvalidTraffic, pair)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: version %s listed twice", ErrInvalidTraffic, name)
		}
		seen[name] = true

		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(weight, "%")))
		if err != nil || n < 0 || n > 100 {
			return nil, fmt.Errorf("%w: weight for %s must be 0-100", ErrInvalidTraffic, name)
		}
		total += n
		flows = append(flows, cloudapi.VersionFlow{VersionName: name, FlowRatio: n})
	}

	if total != 100 {
		return nil, fmt.Errorf("%w: weights add up to %d, not 100", ErrInvalidTraffic, total)
	}
	return flows, nil
}

// FormatTraffic renders a split the way ParseTraffic reads it
func FormatTraffic(flows []cloudapi.VersionFlow) string {
	parts := make([]string, len(flows))
	for i, f := range flows {
		parts[i] = fmt.Sprintf("%s=%d", f.VersionName, f.FlowRatio)
	}
	return strings.Join(parts, " ")
}
