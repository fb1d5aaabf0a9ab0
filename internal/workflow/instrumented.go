package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/qms/internal/observability"
	"github.com/pitabwire/qms/model"
)

// InstrumentedStore wraps a RecordStore with tracing spans and latency
// metrics labelled by driver.
type InstrumentedStore struct {
	inner   RecordStore
	driver  string
	metrics *observability.Metrics
}

// NewInstrumentedStore wraps inner. metrics may be nil, in which case only
// spans are recorded.
func NewInstrumentedStore(inner RecordStore, driver string, metrics *observability.Metrics) *InstrumentedStore {
	return &InstrumentedStore{inner: inner, driver: driver, metrics: metrics}
}

// Load delegates to the wrapped store.
func (s *InstrumentedStore) Load(ctx context.Context, t model.RecordType) (records []model.Record, err error) {
	ctx, span := observability.StartSpan(ctx, "qms.store.load",
		observability.AttrStoreDriver.String(s.driver),
		observability.AttrRecordType.String(string(t)),
	)
	start := time.Now()
	defer func() {
		s.observe("load", start, err)
		observability.EndSpanWithError(span, err)
	}()
	return s.inner.Load(ctx, t)
}

// SaveAll delegates to the wrapped store.
func (s *InstrumentedStore) SaveAll(ctx context.Context, t model.RecordType, records []model.Record) (err error) {
	ctx, span := observability.StartSpan(ctx, "qms.store.save_all",
		observability.AttrStoreDriver.String(s.driver),
		observability.AttrRecordType.String(string(t)),
	)
	start := time.Now()
	defer func() {
		s.observe("save_all", start, err)
		observability.EndSpanWithError(span, err)
	}()
	return s.inner.SaveAll(ctx, t, records)
}

// Ping forwards to the wrapped store when it supports health checks.
func (s *InstrumentedStore) Ping(ctx context.Context) error {
	if p, ok := s.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordStoreCall(s.driver, op, time.Since(start), err)
}
