package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type AlertKind string

const (
	AlertMin AlertKind = "min"
	AlertMax AlertKind = "max"
)

// CriticalAlert is derived on every evaluation and never stored.
type CriticalAlert struct {
	OrderAnalysisID int64     `json:"order_analysis_id"`
	ComponentID     int64     `json:"component_id"`
	ComponentName   string    `json:"component_name"`
	Value           string    `json:"value"`
	Kind            AlertKind `json:"kind"`
	Threshold       float64   `json:"threshold"`
}

// Thresholds are the alert bounds of one component. Nil means no bound.
type Thresholds struct {
	Name string
	Min  *float64
	Max  *float64
}

var (
	numericPattern   = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)
	thousandsPattern = regexp.MustCompile(`^[+-]?[1-9]\d{0,2}(,\d{3})+(\.\d+)?$`)
)

// ParseNumeric parses an entered value as a finite decimal number. Commas
// that group thousands ("150,000", "1,234.5") are dropped. Otherwise a single
// comma with no dot is the decimal separator ("4,5"). Textual results
// ("Negative", "<0.5", "1,2,3") are not numeric.
func ParseNumeric(v string) (float64, bool) {
	v = normalizeValue(v)
	switch {
	case thousandsPattern.MatchString(v):
		v = strings.ReplaceAll(v, ",", "")
	case strings.Count(v, ",") == 1 && !strings.Contains(v, "."):
		v = strings.Replace(v, ",", ".", 1)
	}
	if !numericPattern.MatchString(v) {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// EvaluateAlerts compares every numeric result with its component's
// thresholds. It is pure: results and thresholds are never modified, and the
// output is ordered by order analysis then component.
func EvaluateAlerts(results []*ComponentResult, thresholds map[int64]Thresholds) []CriticalAlert {
	alerts := []CriticalAlert{}
	for _, r := range results {
		th, ok := thresholds[r.ComponentID]
		if !ok || (th.Min == nil && th.Max == nil) {
			continue
		}
		value, numeric := ParseNumeric(r.Value)
		if !numeric {
			continue
		}
		name := th.Name
		if name == "" {
			name = r.Meta.Name
		}
		if th.Min != nil && value < *th.Min {
			alerts = append(alerts, CriticalAlert{
				OrderAnalysisID: r.OrderAnalysisID,
				ComponentID:     r.ComponentID,
				ComponentName:   name,
				Value:           normalizeValue(r.Value),
				Kind:            AlertMin,
				Threshold:       *th.Min,
			})
		}
		if th.Max != nil && value > *th.Max {
			alerts = append(alerts, CriticalAlert{
				OrderAnalysisID: r.OrderAnalysisID,
				ComponentID:     r.ComponentID,
				ComponentName:   name,
				Value:           normalizeValue(r.Value),
				Kind:            AlertMax,
				Threshold:       *th.Max,
			})
		}
	}
	sortAlerts(alerts)
	return alerts
}

func sortAlerts(alerts []CriticalAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if a.OrderAnalysisID != b.OrderAnalysisID {
			return a.OrderAnalysisID < b.OrderAnalysisID
		}
		if a.ComponentID != b.ComponentID {
			return a.ComponentID < b.ComponentID
		}
		return a.Kind < b.Kind
	})
}

// AlertFingerprint identifies an alert set. The approval confirmation echoes
// it back; a different fingerprint at confirm time means the operator
// acknowledged alerts that are no longer the current ones. An empty set has
// an empty fingerprint.
func AlertFingerprint(alerts []CriticalAlert) string {
	if len(alerts) == 0 {
		return ""
	}
	sorted := make([]CriticalAlert, len(alerts))
	copy(sorted, alerts)
	sortAlerts(sorted)

	h := sha256.New()
	for _, a := range sorted {
		h.Write([]byte(strconv.FormatInt(a.OrderAnalysisID, 10)))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(a.ComponentID, 10)))
		h.Write([]byte{0})
		h.Write([]byte(a.Kind))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatFloat(a.Threshold, 'g', -1, 64)))
		h.Write([]byte{0})
		h.Write([]byte(a.Value))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
