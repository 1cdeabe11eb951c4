// Package catalog is the read-only boundary to the lab catalog: component
// definitions (units, reference values, alert thresholds) and the component
// make-up of each analysis.
package catalog

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("catalog entry not found")

// ComponentDefinition is one measurable item of an analysis. A nil AlertMin
// or AlertMax means no bound on that side.
type ComponentDefinition struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Unit            string   `json:"unit,omitempty"`
	ReferenceValues []string `json:"reference_values,omitempty"`
	AlertMin        *float64 `json:"alert_min,omitempty"`
	AlertMax        *float64 `json:"alert_max,omitempty"`
	MethodName      string   `json:"method_name,omitempty"`
	AreaName        string   `json:"area_name,omitempty"`
	SampleType      string   `json:"sample_type,omitempty"`
}

// AnalysisDefinition lists the components an analysis is made of, in display order.
type AnalysisDefinition struct {
	ID           int64   `json:"id"`
	Code         string  `json:"code"`
	Name         string  `json:"name"`
	ComponentIDs []int64 `json:"component_ids"`
}

// Provider is consumed by the order engine. Implementations must not cache
// thresholds; callers rely on every call reflecting the current catalog.
type Provider interface {
	ComponentDefinition(ctx context.Context, componentID int64) (*ComponentDefinition, error)
	AnalysisDefinition(ctx context.Context, analysisID int64) (*AnalysisDefinition, error)
	Ping(ctx context.Context) error
}
