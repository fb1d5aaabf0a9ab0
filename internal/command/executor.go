// Package command orchestrates mutating record operations: it re-fetches the
// collection, runs the engine operation on a copy, persists the whole
// collection and notifies observers.
package command

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/qms/internal/definition"
	"github.com/pitabwire/qms/internal/observability"
	"github.com/pitabwire/qms/internal/workflow"
	"github.com/pitabwire/qms/model"
)

// DefaultIdempotencyTTL is how long a replayable result is kept.
const DefaultIdempotencyTTL = 24 * time.Hour

// Observer receives lifecycle events from command execution.
// Implementations may record metrics, publish events, or other telemetry.
type Observer interface {
	OnRecordCommand(ctx context.Context, event Event)
}

// Event describes the outcome of one executed command.
type Event struct {
	ID         string           `json:"id"`
	Operation  string           `json:"operation"`
	RecordType model.RecordType `json:"record_type"`
	RecordID   string           `json:"record_id,omitempty"`
	Status     string           `json:"status,omitempty"`
	User       string           `json:"user,omitempty"`
	Role       string           `json:"role,omitempty"`
	Success    bool             `json:"success"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Duration   time.Duration    `json:"duration"`
	At         time.Time        `json:"at"`
}

// Result is the outcome of a successful command.
type Result struct {
	Record model.Record `json:"record"`
	// Replayed is set when the result came from the idempotency store.
	Replayed bool `json:"replayed,omitempty"`
}

// Executor runs record commands against a RecordStore.
type Executor struct {
	registry       *definition.Registry
	engine         *workflow.Engine
	store          workflow.RecordStore
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	observers      []Observer
	logger         *zap.Logger
	now            func() time.Time
	newID          func() string

	mu    sync.Mutex
	locks map[model.RecordType]*sync.Mutex
}

// ExecutorOption configures optional dependencies.
type ExecutorOption func(*Executor)

// WithIdempotencyStore sets the idempotency store and the retention of
// stored results. A non-positive ttl selects DefaultIdempotencyTTL.
func WithIdempotencyStore(store IdempotencyStore, ttl time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.idempotency = store
		if ttl > 0 {
			e.idempotencyTTL = ttl
		}
	}
}

// WithObserver adds a command observer.
func WithObserver(obs Observer) ExecutorOption {
	return func(e *Executor) { e.observers = append(e.observers, obs) }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithEventIDs overrides the generator of event identifiers.
func WithEventIDs(newID func() string) ExecutorOption {
	return func(e *Executor) { e.newID = newID }
}

// NewExecutor creates an Executor with its required dependencies.
func NewExecutor(
	registry *definition.Registry,
	engine *workflow.Engine,
	store workflow.RecordStore,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		registry:       registry,
		engine:         engine,
		store:          store,
		idempotencyTTL: DefaultIdempotencyTTL,
		logger:         zap.NewNop(),
		now:            time.Now,
		newID:          newEventID,
		locks:          make(map[model.RecordType]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the workflow engine commands run through.
func (e *Executor) Engine() *workflow.Engine {
	return e.engine
}

// Execute runs cmd against the record id of type t on behalf of p. For
// OpCreate id is ignored.
func (e *Executor) Execute(
	ctx context.Context,
	p model.Principal,
	t model.RecordType,
	id string,
	cmd Command,
) (result Result, err error) {
	start := e.now()

	ctx, span := observability.StartRecordSpan(ctx, cmd.Operation, string(t), id)
	span.SetAttributes(observability.AttrRole.String(p.Role))
	defer func() { observability.EndSpanWithError(span, err) }()

	defer func() {
		e.notifyObservers(ctx, p, t, cmd.Operation, result, err, start)
	}()

	// Step 1: Require an identity.
	if p.IsZero() {
		return Result{}, model.NewUnauthenticatedError("an authenticated principal is required")
	}

	// Step 2: Lookup record type definition.
	def, ok := e.registry.Get(t)
	if !ok {
		return Result{}, model.NewNotFoundError(fmt.Sprintf("record type %q not found", t))
	}

	// Step 3: Decode and validate input.
	in, err := decodeInput(cmd)
	if err != nil {
		return Result{}, err
	}

	// Step 4: Replay a retried command.
	var idemKey *IdempotencyKey
	var hash string
	if cmd.IdempotencyKey != "" && e.idempotency != nil {
		idemKey = &IdempotencyKey{Type: t, Operation: cmd.Operation, RecordID: id, ClientKey: cmd.IdempotencyKey}
		hash = hashCommand(p, cmd)

		replay, found, err := e.idempotency.Lookup(ctx, *idemKey)
		if err != nil {
			return Result{}, e.storeFailure(ctx, "idempotency lookup failed", err)
		}
		if found {
			rec, err := replay.Against(*idemKey, hash)
			if err != nil {
				return Result{}, err
			}
			return Result{Record: rec, Replayed: true}, nil
		}
	}

	// Step 5: Serialize writers of the same collection.
	unlock := e.lock(t)
	defer unlock()

	// Step 6: Re-fetch the latest collection.
	records, err := e.store.Load(ctx, t)
	if err != nil {
		return Result{}, e.storeFailure(ctx, "load records failed", err)
	}

	// Step 7: Apply the engine operation to a copy.
	var updated model.Record
	if cmd.Operation == OpCreate {
		updated, err = e.engine.Create(def, p, *in.(*workflow.NewRecordInput))
		if err != nil {
			return Result{}, err
		}
		records = append(records, updated)
	} else {
		idx := workflow.FindRecord(records, id)
		if idx < 0 {
			return Result{}, model.NewNotFoundError(fmt.Sprintf("%s record %q not found", def.Name, id))
		}
		updated, err = e.apply(def, records[idx], p, cmd.Operation, in)
		if err != nil {
			return Result{}, err
		}
		records[idx] = updated
	}

	// Step 8: Persist the whole collection. On failure the mutation is dropped.
	if err := e.store.SaveAll(ctx, t, records); err != nil {
		if model.ErrorCode(err) != "" {
			return Result{}, err
		}
		return Result{}, e.storeFailure(ctx, "save records failed", err)
	}

	// Step 9: Remember the outcome for retries. Failure here is not fatal.
	if idemKey != nil {
		replay := Replay{InputHash: hash, Record: updated, StoredAt: e.now()}
		if err := e.idempotency.Remember(ctx, *idemKey, replay, e.idempotencyTTL); err != nil {
			observability.LoggerFrom(ctx, e.logger).Warn("idempotency result not stored",
				zap.Stringer("key", idemKey), zap.Error(err))
		}
	}

	observability.LoggerFrom(ctx, e.logger).
		With(observability.RecordFields(string(t), updated.ID, updated.Status)...).
		Info("record command executed", zap.String("operation", cmd.Operation))
	return Result{Record: updated}, nil
}

// apply dispatches an operation on an existing record to the engine.
func (e *Executor) apply(def model.RecordTypeDefinition, r model.Record, p model.Principal, op string, in any) (model.Record, error) {
	switch op {
	case OpApprove:
		return e.engine.Advance(def, r, p)
	case OpReject:
		return e.engine.Reject(def, r, p)
	case OpClose:
		return e.engine.Close(def, r, p, *in.(*workflow.CloseInput))
	case OpComment:
		return e.engine.AppendComment(r, p, in.(*CommentInput).Text)
	case model.OpAssignInvestigator:
		return e.engine.AssignInvestigator(def, r, p, in.(*AssignInput).Investigator)
	case model.OpTriggerCAPA:
		return e.engine.TriggerCAPA(def, r, p)
	case model.OpRequestExtension:
		return e.engine.RequestExtension(def, r, p, in.(*ExtensionInput).Reason)
	case model.OpAddFinding:
		return e.engine.AddFinding(def, r, p, *in.(*workflow.FindingInput))
	case model.OpAssessRisk:
		risk := in.(*RiskInput)
		return e.engine.AssessRisk(def, r, p, risk.Severity, risk.Probability)
	case model.OpSchedulePIRC:
		return e.engine.SchedulePIRC(def, r, p, in.(*PIRCInput).Date)
	case model.OpUpdatePhase:
		phase := in.(*PhaseUpdateInput)
		return e.engine.UpdatePhase(def, r, p, phase.Phase, phase.PhaseInput)
	case model.OpNextPhase:
		return e.engine.MoveToNextPhase(def, r, p)
	}
	return model.Record{}, model.NewBadRequestError(fmt.Sprintf("unknown operation %q", op))
}

// lock acquires the writer mutex for collection t.
func (e *Executor) lock(t model.RecordType) func() {
	e.mu.Lock()
	m, ok := e.locks[t]
	if !ok {
		m = &sync.Mutex{}
		e.locks[t] = m
	}
	e.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (e *Executor) storeFailure(ctx context.Context, msg string, cause error) error {
	observability.LoggerFrom(ctx, e.logger).Error(msg, zap.Error(cause))
	return model.NewStoreError("the record store is unavailable, please retry")
}

// notifyObservers sends an Event to all registered observers.
func (e *Executor) notifyObservers(
	ctx context.Context,
	p model.Principal,
	t model.RecordType,
	op string,
	result Result,
	err error,
	start time.Time,
) {
	if len(e.observers) == 0 || result.Replayed {
		return
	}

	event := Event{
		ID:         e.newID(),
		Operation:  op,
		RecordType: t,
		RecordID:   result.Record.ID,
		Status:     result.Record.Status,
		User:       p.Name,
		Role:       p.Role,
		Success:    err == nil,
		Duration:   e.now().Sub(start),
		At:         e.now().UTC(),
	}
	if err != nil {
		event.ErrorCode = model.ErrorCode(err)
		if event.ErrorCode == "" {
			event.ErrorCode = model.ErrInternalError
		}
	}

	for _, obs := range e.observers {
		obs.OnRecordCommand(ctx, event)
	}
}

// hashCommand computes a SHA-256 hash of the command input and the acting
// principal, so a key reused by another user never replays a foreign result.
func hashCommand(p model.Principal, cmd Command) string {
	h := sha256.New()
	h.Write([]byte(p.Name))
	h.Write([]byte{0})
	h.Write([]byte(p.Role))
	h.Write([]byte{0})
	h.Write([]byte(cmd.Operation))
	h.Write([]byte{0})
	h.Write(cmd.Input)
	return hex.EncodeToString(h.Sum(nil))
}
