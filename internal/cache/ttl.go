package cache

import "time"

// TTLClass maps a semantic duration class to a configured duration (spec §4.1).
type TTLClass int

const (
	Short TTLClass = iota
	Medium
	Long
	LlmDynamic
	LlmStable
)

func (c TTLClass) String() string {
	switch c {
	case Short:
		return "short"
	case Medium:
		return "medium"
	case Long:
		return "long"
	case LlmDynamic:
		return "llm_dynamic"
	case LlmStable:
		return "llm_stable"
	default:
		return "unknown"
	}
}

// Durations configures the concrete TTL for each class (config group "cache").
type Durations map[TTLClass]time.Duration

// DefaultDurations matches typical self-hosted deployment expectations.
func DefaultDurations() Durations {
	return Durations{
		Short:      30 * time.Second,
		Medium:      5 * time.Minute,
		Long:       1 * time.Hour,
		LlmDynamic: 2 * time.Minute,
		LlmStable:  24 * time.Hour,
	}
}

func (d Durations) Of(c TTLClass) time.Duration {
	if v, ok := d[c]; ok {
		return v
	}
	return 5 * time.Minute
}
