package report

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/qms/internal/capability"
	"github.com/pitabwire/qms/internal/definition"
	"github.com/pitabwire/qms/internal/observability"
	"github.com/pitabwire/qms/internal/workflow"
	"github.com/pitabwire/qms/model"
)

// Document is a rendered export.
type Document struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Service answers dashboard and export requests from the record store.
type Service struct {
	registry *definition.Registry
	store    workflow.RecordStore
	auth     *capability.Authorizer
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics counts exports and statistics refreshes.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a reporting service.
func NewService(registry *definition.Registry, store workflow.RecordStore, auth *capability.Authorizer, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		store:    store,
		auth:     auth,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Statistics loads every registered record type and summarises it.
func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	defs := s.registry.All()
	collections := make(map[model.RecordType][]model.Record, len(defs))
	for _, def := range defs {
		records, err := s.store.Load(ctx, def.Type)
		if err != nil {
			observability.LoggerFrom(ctx, s.logger).Error("loading records for statistics",
				zap.String("type", string(def.Type)), zap.Error(err))
			return Statistics{}, model.NewStoreError("the record store is unavailable, please retry")
		}
		collections[def.Type] = records
	}
	return Compute(defs, collections, s.now()), nil
}

// Export renders the records of type t matching filters. The principal must
// hold the export permission.
func (s *Service) Export(ctx context.Context, p model.Principal, t model.RecordType, format Format, filters model.RecordFilters) (*Document, error) {
	ctx, span := observability.StartSpan(ctx, "qms.report.export",
		observability.AttrRecordType.String(string(t)),
		observability.AttrExportFormat.String(string(format)),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if p.IsZero() {
		err = model.NewUnauthenticatedError("authentication is required")
		return nil, err
	}
	if !s.auth.HasCoarsePermission(p.Role, model.ActionExport) {
		err = model.NewUnauthorizedError(fmt.Sprintf("role %q may not export records", p.Role))
		return nil, err
	}
	def, ok := s.registry.Get(t)
	if !ok {
		err = model.NewNotFoundError(fmt.Sprintf("record type %q not found", t))
		return nil, err
	}

	records, loadErr := s.store.Load(ctx, t)
	if loadErr != nil {
		observability.LoggerFrom(ctx, s.logger).Error("loading records for export",
			zap.String("type", string(t)), zap.Error(loadErr))
		err = model.NewStoreError("the record store is unavailable, please retry")
		return nil, err
	}
	records = workflow.FilterRecords(records, filters)

	now := s.now()
	var buf bytes.Buffer
	if renderErr := Render(&buf, format, def, records, now); renderErr != nil {
		err = fmt.Errorf("rendering %s export: %w", format, renderErr)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordExport(string(format))
	}
	observability.RequestLogger(ctx, s.logger).Info("records exported",
		zap.String("type", string(t)),
		zap.String("format", string(format)),
		zap.Int("records", len(records)),
	)

	return &Document{
		Filename:    fmt.Sprintf("%s-%s.%s", t, now.Format("20060102"), format),
		ContentType: format.ContentType(),
		Body:        buf.Bytes(),
	}, nil
}
