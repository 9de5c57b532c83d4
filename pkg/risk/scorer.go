// Package risk derives the advisory 0-100 device risk score from
// telemetry rollup metrics. The score is a cache: authorization always
// reads the freshest persisted value, and high scores act as the final
// veto in policy evaluation.
package risk

import (
	"strconv"
	"strings"
)

// Score buckets cpu/ram/disk utilization into a bounded score. Values
// may arrive as numbers or percent-suffixed strings; unparseable
// metrics contribute nothing.
func Score(metrics map[string]any) float64 {
	score := 0.0
	for _, key := range []string{"cpu", "ram", "disk_usage"} {
		val, ok := toFloat(metrics[key])
		if !ok {
			continue
		}
		switch {
		case val > 90:
			score += 30
		case val > 75:
			score += 20
		case val > 50:
			score += 10
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(t), "%"), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
