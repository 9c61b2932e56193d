package review

import (
	"math"
	"strings"
)

// OverrideType classifies how a curator departed from suggested era tags.
type OverrideType string

const (
	OverrideRemovedHighConfidence OverrideType = "removed_high_confidence"
	OverrideAddedAnachronistic    OverrideType = "added_anachronistic"
	OverrideAddedCustom           OverrideType = "added_custom"
)

// Confidence bounds used when classifying overrides. Suggestions at or above
// AcceptThreshold are the default selection.
const (
	HighConfidence  = 0.8
	AcceptThreshold = 0.5
)

// SuggestedTag is an era suggested for a work with its confidence.
type SuggestedTag struct {
	Name       string
	Confidence float64
}

// Override describes a curator's departure from the suggestion.
type Override struct {
	Type            OverrideType
	ConfidenceDelta float64
}

// EraOverride compares the selected era names with the suggestion. The
// second result is false when the selection equals the default selection.
//
// Removing a high-confidence tag outranks adding a low-confidence one,
// which outranks adding a tag that was never suggested. ConfidenceDelta is
// the mean confidence of the selection minus that of the default
// selection; unsuggested tags count as zero.
func EraOverride(suggested []SuggestedTag, selected []string) (Override, bool) {
	conf := make(map[string]float64, len(suggested))
	var defaults []string
	for _, s := range suggested {
		k := strings.ToLower(strings.TrimSpace(s.Name))
		conf[k] = s.Confidence
		if s.Confidence >= AcceptThreshold {
			defaults = append(defaults, k)
		}
	}
	picked := make(map[string]bool, len(selected))
	for _, s := range selected {
		picked[strings.ToLower(strings.TrimSpace(s))] = true
	}

	var removedHigh, addedLow, addedCustom bool
	for _, d := range defaults {
		if !picked[d] && conf[d] >= HighConfidence {
			removedHigh = true
		}
	}
	changed := false
	for p := range picked {
		c, suggestedTag := conf[p]
		switch {
		case !suggestedTag:
			addedCustom = true
			changed = true
		case c < AcceptThreshold:
			addedLow = true
			changed = true
		}
	}
	for _, d := range defaults {
		if !picked[d] {
			changed = true
		}
	}
	if !changed {
		return Override{}, false
	}

	ov := Override{ConfidenceDelta: round(mean(picked, conf) - meanList(defaults, conf))}
	switch {
	case removedHigh:
		ov.Type = OverrideRemovedHighConfidence
	case addedLow:
		ov.Type = OverrideAddedAnachronistic
	case addedCustom:
		ov.Type = OverrideAddedCustom
	default:
		// Only medium-confidence defaults were dropped.
		ov.Type = OverrideAddedCustom
	}
	return ov, true
}

func mean(set map[string]bool, conf map[string]float64) float64 {
	if len(set) == 0 {
		return 0
	}
	var sum float64
	for k := range set {
		sum += conf[k]
	}
	return sum / float64(len(set))
}

func meanList(keys []string, conf map[string]float64) float64 {
	if len(keys) == 0 {
		return 0
	}
	var sum float64
	for _, k := range keys {
		sum += conf[k]
	}
	return sum / float64(len(keys))
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
