package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/domain/catalog"
	"github.com/labflow/labflow/internal/platform/auth"
	"github.com/labflow/labflow/internal/platform/events"
)

// Metrics receives lifecycle observations. metrics.Collector implements it.
type Metrics interface {
	ObserveTransition(from, to string)
	ObserveAlert(kind string)
	ObserveIngested(n int)
	ObserveApproval(outcome string)
	ObservePublishFailure(eventType string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(string, string) {}
func (nopMetrics) ObserveAlert(string)              {}
func (nopMetrics) ObserveIngested(int)              {}
func (nopMetrics) ObserveApproval(string)           {}
func (nopMetrics) ObservePublishFailure(string)     {}

// Approval outcomes reported to Metrics.
const (
	OutcomeConfirmed            = "confirmed"
	OutcomeDeclined             = "declined"
	OutcomeConfirmationRequired = "confirmation_required"
	OutcomeNoAlerts             = "no_alerts"
)

const defaultImportMaxRows = 500

type Service struct {
	repo          Repository
	catalog       catalog.Provider
	publisher     events.Publisher
	metrics       Metrics
	logger        zerolog.Logger
	importMaxRows int
	now           func() time.Time
}

func NewService(repo Repository, cat catalog.Provider) *Service {
	return &Service{
		repo:          repo,
		catalog:       cat,
		publisher:     events.NopPublisher{},
		metrics:       nopMetrics{},
		logger:        zerolog.Nop(),
		importMaxRows: defaultImportMaxRows,
		now:           time.Now,
	}
}

func (s *Service) SetPublisher(p events.Publisher) {
	if p != nil {
		s.publisher = p
	}
}

func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// SetLogger sets the fallback logger used when the context carries none.
func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

func (s *Service) SetImportMaxRows(n int) {
	if n > 0 {
		s.importMaxRows = n
	}
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

func authorize(actor auth.Actor, perms ...string) error {
	for _, p := range perms {
		if !actor.Can(p) {
			return &PermissionError{UserID: actor.UserID, Permission: p}
		}
	}
	return nil
}

// -- Registration --

func (s *Service) RegisterOrder(ctx context.Context, actor auth.Actor, req RegisterRequest) (*Snapshot, error) {
	if err := authorize(actor, auth.PermRegisterOrders); err != nil {
		return nil, err
	}

	var issues []string
	patient, site := strings.TrimSpace(req.PatientRef), strings.TrimSpace(req.SiteRef)
	if patient == "" {
		issues = append(issues, "patient_ref is required")
	}
	if site == "" {
		issues = append(issues, "site_ref is required")
	}
	if len(req.Analyses) == 0 {
		issues = append(issues, "at least one analysis is required")
	}

	seen := map[int64]bool{}
	analyses := make([]*OrderAnalysis, 0, len(req.Analyses))
	for i, ar := range req.Analyses {
		if seen[ar.AnalysisID] {
			issues = append(issues, fmt.Sprintf("analysis %d: requested more than once", ar.AnalysisID))
			continue
		}
		seen[ar.AnalysisID] = true
		if ar.Price < 0 || math.IsNaN(ar.Price) || math.IsInf(ar.Price, 0) {
			issues = append(issues, fmt.Sprintf("analyses[%d]: price must be a non-negative amount", i))
			continue
		}

		def, err := s.catalog.AnalysisDefinition(ctx, ar.AnalysisID)
		if errors.Is(err, catalog.ErrNotFound) {
			issues = append(issues, fmt.Sprintf("analysis %d: not in catalog", ar.AnalysisID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load analysis %d: %w", ar.AnalysisID, err)
		}
		components := uniqueIDs(def.ComponentIDs)
		if len(components) == 0 {
			issues = append(issues, fmt.Sprintf("analysis %d: has no components", ar.AnalysisID))
			continue
		}
		analyses = append(analyses, &OrderAnalysis{
			AnalysisID:   def.ID,
			AnalysisName: def.Name,
			Price:        ar.Price,
			ComponentIDs: components,
		})
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	now := s.now()
	o := &Order{
		State:        StateRegistered,
		PatientRef:   patient,
		SiteRef:      site,
		AgreementRef: req.AgreementRef,
		RegisteredAt: now,
		RegisteredBy: actor.UserID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateOrder(ctx, o, analyses); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.metrics.ObserveTransition("", string(StateRegistered))
	s.log(ctx).Info().
		Int64("order_id", o.ID).
		Int64("attention_number", o.AttentionNumber).
		Int("analyses", len(analyses)).
		Str("actor", actor.UserID).
		Msg("order registered")
	s.publish(ctx, events.TypeOrderRegistered, o, actor.UserID, nil)

	return s.repo.GetOrderWithResults(ctx, o.ID)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// -- Reads --

func (s *Service) GetOrder(ctx context.Context, actor auth.Actor, id int64) (*Snapshot, error) {
	if err := authorize(actor, auth.PermReadOrders); err != nil {
		return nil, err
	}
	return s.repo.GetOrderWithResults(ctx, id)
}

func (s *Service) ListOrdersByState(ctx context.Context, actor auth.Actor, state State, limit, offset int) ([]*Order, int, error) {
	if err := authorize(actor, auth.PermReadOrders); err != nil {
		return nil, 0, err
	}
	if state != "" {
		if _, err := ParseState(string(state)); err != nil {
			return nil, 0, newValidationError("%v", err)
		}
	}
	return s.repo.ListByState(ctx, state, limit, offset)
}

func (s *Service) GetTransitionHistory(ctx context.Context, actor auth.Actor, id int64) ([]*Transition, error) {
	if err := authorize(actor, auth.PermReadOrders); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetOrderWithResults(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListTransitions(ctx, id)
}

// GetApprovedSnapshot is the read-only view handed to the print and
// notification dispatcher.
func (s *Service) GetApprovedSnapshot(ctx context.Context, actor auth.Actor, id int64) (*Snapshot, error) {
	if err := authorize(actor, auth.PermPrintReports); err != nil {
		return nil, err
	}
	snap, err := s.repo.GetOrderWithResults(ctx, id)
	if err != nil {
		return nil, err
	}
	if !snap.Order.State.AtLeast(StateApproved) {
		return nil, &StateViolation{OrderID: id, State: snap.Order.State, Action: "release results", Reason: "order is not approved"}
	}
	return snap, nil
}

// EvaluateAlerts previews the current critical alerts without side effects.
func (s *Service) EvaluateAlerts(ctx context.Context, actor auth.Actor, id int64) ([]CriticalAlert, error) {
	if err := authorize(actor, auth.PermReadOrders); err != nil {
		return nil, err
	}
	snap, err := s.repo.GetOrderWithResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, snap)
}

// -- Result ingestion --

// SubmitBulkResults ingests a batch without any state transition.
func (s *Service) SubmitBulkResults(ctx context.Context, actor auth.Actor, id int64, entries []ResultEntry) (*Snapshot, error) {
	if err := authorize(actor, auth.PermWriteResults); err != nil {
		return nil, err
	}
	snap, err := s.repo.GetOrderWithResults(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.ingest(ctx, snap, entries); err != nil {
		return nil, err
	}
	return s.repo.GetOrderWithResults(ctx, id)
}

// SaveResults is the save-results trigger: ingest, then move a Registered
// order to HasResults once it holds at least one value.
func (s *Service) SaveResults(ctx context.Context, actor auth.Actor, id int64, entries []ResultEntry) (*Snapshot, error) {
	if err := authorize(actor, auth.PermWriteResults); err != nil {
		return nil, err
	}
	return s.save(ctx, actor, id, entries)
}

func (s *Service) save(ctx context.Context, actor auth.Actor, id int64, entries []ResultEntry) (*Snapshot, error) {
	snap, err := s.repo.GetOrderWithResults(ctx, id)
	if err != nil {
		return nil, err
	}
	n, err := s.ingest(ctx, snap, entries)
	if err != nil {
		return nil, err
	}
	if snap, err = s.repo.GetOrderWithResults(ctx, id); err != nil {
		return nil, err
	}

	moved := false
	if snap.Order.State == StateRegistered {
		if err := checkGuard(snap, TriggerSaveResults); err != nil {
			return nil, err
		}
		next, err := s.transition(ctx, snap, TriggerSaveResults, actor)
		if err != nil {
			return nil, err
		}
		snap.Order = next
		moved = true
	}
	if n > 0 || moved {
		s.publish(ctx, events.TypeResultsSaved, snap.Order, actor.UserID, map[string]int{"entries": n})
	}
	return snap, nil
}

// ingest validates and upserts one batch. Validation runs before any state
// check; it returns the number of values written.
func (s *Service) ingest(ctx context.Context, snap *Snapshot, entries []ResultEntry) (int, error) {
	batch, err := prepareBatch(snap, entries)
	if err != nil {
		return 0, err
	}
	o := snap.Order
	if !ingestable(o.State) {
		return 0, &StateViolation{OrderID: o.ID, State: o.State, Action: "ingest results", Reason: "results are locked once approved"}
	}
	if len(batch) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(batch))
	for _, e := range batch {
		ids = append(ids, e.ComponentID)
	}
	defs, err := s.componentDefinitions(ctx, ids)
	if err != nil {
		return 0, err
	}

	at := s.now()
	results := make([]*ComponentResult, 0, len(batch))
	for _, e := range batch {
		cr := &ComponentResult{OrderAnalysisID: e.OrderAnalysisID, ComponentID: e.ComponentID, Value: e.Value, UpdatedAt: at}
		if def := defs[e.ComponentID]; def != nil {
			cr.Meta = ComponentMeta{
				Name:            def.Name,
				Unit:            def.Unit,
				ReferenceValues: def.ReferenceValues,
				AlertMin:        def.AlertMin,
				AlertMax:        def.AlertMax,
				MethodName:      def.MethodName,
			}
		}
		results = append(results, cr)
	}

	if err := s.repo.UpsertResults(ctx, o.ID, results); err != nil {
		return 0, fmt.Errorf("persist results: %w", err)
	}
	s.metrics.ObserveIngested(len(results))
	s.log(ctx).Debug().Int64("order_id", o.ID).Int("entries", len(results)).Msg("results ingested")
	return len(results), nil
}

// componentDefinitions fetches each distinct component once for this call.
// Nothing outlives the call: thresholds are always current.
func (s *Service) componentDefinitions(ctx context.Context, ids []int64) (map[int64]*catalog.ComponentDefinition, error) {
	defs := make(map[int64]*catalog.ComponentDefinition, len(ids))
	for _, id := range ids {
		if _, done := defs[id]; done {
			continue
		}
		def, err := s.catalog.ComponentDefinition(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("catalog component %d: %w", id, err)
		}
		defs[id] = def
	}
	return defs, nil
}

// evaluate re-reads thresholds for every numeric result and runs the
// evaluator.
func (s *Service) evaluate(ctx context.Context, snap *Snapshot) ([]CriticalAlert, error) {
	var ids []int64
	for _, r := range snap.Results {
		if _, ok := ParseNumeric(r.Value); ok {
			ids = append(ids, r.ComponentID)
		}
	}
	defs, err := s.componentDefinitions(ctx, ids)
	if err != nil {
		return nil, err
	}
	thresholds := make(map[int64]Thresholds, len(defs))
	for id, def := range defs {
		thresholds[id] = Thresholds{Name: def.Name, Min: def.AlertMin, Max: def.AlertMax}
	}
	return EvaluateAlerts(snap.Results, thresholds), nil
}

// -- Approval gate --

// ApproveOrder is the first call of the approval protocol. It saves the
// submitted entries (advancing Registered to HasResults), then evaluates
// critical alerts against fresh thresholds. It never approves; the caller
// follows up with ConfirmApproval.
func (s *Service) ApproveOrder(ctx context.Context, actor auth.Actor, id int64, entries []ResultEntry) (*ApprovalResult, error) {
	perms := []string{auth.PermApproveResults}
	if len(entries) > 0 {
		perms = append(perms, auth.PermWriteResults)
	}
	if err := authorize(actor, perms...); err != nil {
		return nil, err
	}

	snap, err := s.save(ctx, actor, id, entries)
	if err != nil {
		return nil, err
	}
	if _, err := ValidateTransition(snap.Order, TriggerApprove); err != nil {
		return nil, err
	}
	if err := checkGuard(snap, TriggerApprove); err != nil {
		return nil, err
	}

	alerts, err := s.evaluate(ctx, snap)
	if err != nil {
		return nil, err
	}
	res := &ApprovalResult{
		Alerts:               alerts,
		RequiresConfirmation: len(alerts) > 0,
		ConfirmationToken:    AlertFingerprint(alerts),
		Snapshot:             snap,
	}
	if res.RequiresConfirmation {
		s.reportAlerts(ctx, snap.Order, actor, alerts)
		s.metrics.ObserveApproval(OutcomeConfirmationRequired)
	} else {
		s.metrics.ObserveApproval(OutcomeNoAlerts)
	}
	return res, nil
}

func (s *Service) reportAlerts(ctx context.Context, o *Order, actor auth.Actor, alerts []CriticalAlert) {
	for _, a := range alerts {
		s.metrics.ObserveAlert(string(a.Kind))
	}
	s.log(ctx).Warn().
		Int64("order_id", o.ID).
		Int64("attention_number", o.AttentionNumber).
		Int("alerts", len(alerts)).
		Str("actor", actor.UserID).
		Msg("critical values require confirmation")
	s.publish(ctx, events.TypeCriticalAlerts, o, actor.UserID, alerts)
}

// ConfirmApproval is the second call of the approval protocol. Declining
// returns ErrApprovalDeclined and changes nothing. Accepting re-evaluates
// alerts; if any exist, conf.Token must match the current alert set,
// otherwise a ConfirmationRequiredError carries the alerts to show.
func (s *Service) ConfirmApproval(ctx context.Context, actor auth.Actor, id int64, conf Confirmation) (*Snapshot, error) {
	if err := authorize(actor, auth.PermApproveResults); err != nil {
		return nil, err
	}
	snap, err := s.repo.GetOrderWithResults(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := ValidateTransition(snap.Order, TriggerApprove); err != nil {
		return nil, err
	}
	if !conf.Accepted {
		s.metrics.ObserveApproval(OutcomeDeclined)
		s.log(ctx).Info().
			Int64("order_id", id).
			Str("state", string(snap.Order.State)).
			Str("actor", actor.UserID).
			Msg("approval declined")
		s.publish(ctx, events.TypeApprovalDeclined, snap.Order, actor.UserID, nil)
		return nil, ErrApprovalDeclined
	}

	if err := checkGuard(snap, TriggerApprove); err != nil {
		return nil, err
	}

	alerts, err := s.evaluate(ctx, snap)
	if err != nil {
		return nil, err
	}
	if token := AlertFingerprint(alerts); len(alerts) > 0 && conf.Token != token {
		s.metrics.ObserveApproval(OutcomeConfirmationRequired)
		return nil, &ConfirmationRequiredError{Alerts: alerts, Token: token}
	}

	next, err := s.transition(ctx, snap, TriggerApprove, actor)
	if err != nil {
		return nil, err
	}
	snap.Order = next
	s.metrics.ObserveApproval(OutcomeConfirmed)
	s.publish(ctx, events.TypeOrderApproved, next, actor.UserID, map[string]int{"acknowledged_alerts": len(alerts)})
	return snap, nil
}

// MarkPrinted records a completed print/render cycle.
func (s *Service) MarkPrinted(ctx context.Context, actor auth.Actor, id int64) (*Snapshot, error) {
	if err := authorize(actor, RequiredPermission(TriggerMarkPrinted)); err != nil {
		return nil, err
	}
	snap, err := s.repo.GetOrderWithResults(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := s.transition(ctx, snap, TriggerMarkPrinted, actor)
	if err != nil {
		return nil, err
	}
	snap.Order = next
	s.publish(ctx, events.TypeOrderPrinted, next, actor.UserID, nil)
	return snap, nil
}

// transition moves snap.Order through trigger and persists it with a
// compare-and-set on the current state.
func (s *Service) transition(ctx context.Context, snap *Snapshot, trigger Trigger, actor auth.Actor) (*Order, error) {
	from := snap.Order.State
	next, t, err := applyTransition(snap.Order, trigger, actor.UserID, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.TransitionState(ctx, next, from, t); err != nil {
		var sv *StateViolation
		if errors.As(err, &sv) || errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("persist transition: %w", err)
	}

	s.metrics.ObserveTransition(string(from), string(next.State))
	s.log(ctx).Info().
		Int64("order_id", next.ID).
		Str("from", string(from)).
		Str("to", string(next.State)).
		Str("trigger", string(trigger)).
		Str("actor", actor.UserID).
		Msg("order transitioned")
	return next, nil
}

func (s *Service) publish(ctx context.Context, eventType string, o *Order, actor string, data interface{}) {
	evt := events.New(eventType, o.ID, o.AttentionNumber, string(o.State), actor, s.now(), data)
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.metrics.ObservePublishFailure(eventType)
		s.log(ctx).Error().Err(err).
			Int64("order_id", o.ID).
			Str("event", eventType).
			Msg("publish lifecycle event")
	}
}

// -- Spreadsheet exchange --

// ExportResultSheet renders the order's component grid as an xlsx workbook.
func (s *Service) ExportResultSheet(ctx context.Context, actor auth.Actor, id int64) ([]byte, error) {
	if err := authorize(actor, auth.PermReadOrders); err != nil {
		return nil, err
	}
	snap, err := s.repo.GetOrderWithResults(ctx, id)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, a := range snap.Analyses {
		ids = append(ids, a.ComponentIDs...)
	}
	defs, err := s.componentDefinitions(ctx, ids)
	if err != nil {
		return nil, err
	}
	return BuildResultSheet(snap, defs)
}

// ImportResultSheet parses a filled result sheet and saves it.
func (s *Service) ImportResultSheet(ctx context.Context, actor auth.Actor, id int64, r io.Reader) (*Snapshot, error) {
	if err := authorize(actor, auth.PermWriteResults); err != nil {
		return nil, err
	}
	entries, err := ParseResultSheet(r, s.importMaxRows)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, actor, id, entries)
}

// Ping checks the order store and the catalog.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("order store: %w", err)
	}
	if err := s.catalog.Ping(ctx); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	return nil
}
