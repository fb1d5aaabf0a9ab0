package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/qms/internal/command"
	"github.com/pitabwire/qms/internal/definition"
	"github.com/pitabwire/qms/internal/observability"
	"github.com/pitabwire/qms/internal/workflow"
	"github.com/pitabwire/qms/model"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	replayedHeader    = "X-Idempotent-Replayed"
	maxListLimit      = 500
)

type recordList struct {
	Data       []model.Record `json:"data"`
	TotalCount int            `json:"total_count"`
	Limit      int            `json:"limit,omitempty"`
	Offset     int            `json:"offset,omitempty"`
}

// principalFrom returns the acting principal or writes UNAUTHENTICATED.
func principalFrom(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	p, ok := model.PrincipalFrom(r.Context())
	if !ok {
		WriteError(w, model.NewUnauthenticatedError("an authenticated principal is required"))
	}
	return p, ok
}

func recordType(r *http.Request) model.RecordType {
	return model.RecordType(chi.URLParam(r, "type"))
}

// loadCollection resolves the definition and current records of the type in
// the URL.
func loadCollection(r *http.Request, registry *definition.Registry, store workflow.RecordStore) (model.RecordTypeDefinition, []model.Record, error) {
	t := recordType(r)
	def, ok := registry.Get(t)
	if !ok {
		return def, nil, model.NewNotFoundError(fmt.Sprintf("record type %q not found", t))
	}
	records, err := store.Load(r.Context(), t)
	if err != nil {
		if model.ErrorCode(err) != "" {
			return def, nil, err
		}
		return def, nil, &loadError{cause: err}
	}
	return def, records, nil
}

// loadError keeps the store cause for logging while rendering STORE_ERROR.
type loadError struct{ cause error }

func (e *loadError) Error() string { return "load records: " + e.cause.Error() }
func (e *loadError) Unwrap() error { return e.cause }

func writeLoadError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var le *loadError
	if errors.As(err, &le) {
		loggerFor(r, logger).Error("record store load failed", zap.Error(le.cause))
		writeRequestError(w, r, logger, model.NewStoreError("record store unavailable"))
		return
	}
	writeRequestError(w, r, logger, err)
}

func parseFilters(r *http.Request) (model.RecordFilters, error) {
	q := r.URL.Query()
	f := model.RecordFilters{Status: q.Get("status"), Initiator: q.Get("initiator")}
	var err error
	if f.Limit, err = queryInt(q.Get("limit"), "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(q.Get("offset"), "offset"); err != nil {
		return f, err
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return f, nil
}

func queryInt(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, model.NewBadRequestError(name + " must be a non-negative integer")
	}
	return n, nil
}

func handleListRecords(registry *definition.Registry, store workflow.RecordStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := principalFrom(w, r); !ok {
			return
		}
		filters, err := parseFilters(r)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		_, records, err := loadCollection(r, registry, store)
		if err != nil {
			writeLoadError(w, r, logger, err)
			return
		}

		total := len(workflow.FilterRecords(records, model.RecordFilters{Status: filters.Status, Initiator: filters.Initiator}))
		WriteJSON(w, http.StatusOK, recordList{
			Data:       workflow.FilterRecords(records, filters),
			TotalCount: total,
			Limit:      filters.Limit,
			Offset:     filters.Offset,
		})
	}
}

func handleGetRecord(registry *definition.Registry, store workflow.RecordStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := principalFrom(w, r); !ok {
			return
		}
		def, records, err := loadCollection(r, registry, store)
		if err != nil {
			writeLoadError(w, r, logger, err)
			return
		}
		id := chi.URLParam(r, "id")
		idx := workflow.FindRecord(records, id)
		if idx < 0 {
			writeRequestError(w, r, logger, model.NewNotFoundError(fmt.Sprintf("%s record %q not found", def.Name, id)))
			return
		}
		WriteJSON(w, http.StatusOK, records[idx])
	}
}

func handleRecordPermissions(registry *definition.Registry, store workflow.RecordStore, engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(w, r)
		if !ok {
			return
		}
		def, records, err := loadCollection(r, registry, store)
		if err != nil {
			writeLoadError(w, r, logger, err)
			return
		}
		id := chi.URLParam(r, "id")
		idx := workflow.FindRecord(records, id)
		if idx < 0 {
			writeRequestError(w, r, logger, model.NewNotFoundError(fmt.Sprintf("%s record %q not found", def.Name, id)))
			return
		}
		WriteJSON(w, http.StatusOK, engine.Permissions(def, records[idx], p))
	}
}

// handleRecordCommand runs a fixed operation. The record ID comes from the
// URL except for creates.
func handleRecordCommand(executor *command.Executor, op string, logger *zap.Logger) http.HandlerFunc {
	status := http.StatusOK
	if op == command.OpCreate {
		status = http.StatusCreated
	}
	return func(w http.ResponseWriter, r *http.Request) {
		runCommand(w, r, executor, op, status, logger)
	}
}

// handleTypeAction runs a type-specific operation named in the URL.
func handleTypeAction(executor *command.Executor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op := chi.URLParam(r, "action")
		if !isTypeOperation(op) {
			writeRequestError(w, r, logger, model.NewNotFoundError(fmt.Sprintf("unknown action %q", op)))
			return
		}
		runCommand(w, r, executor, op, http.StatusOK, logger)
	}
}

func isTypeOperation(op string) bool {
	switch op {
	case command.OpCreate, command.OpApprove, command.OpReject, command.OpClose, command.OpComment:
		return false
	}
	return command.KnownOperation(op)
}

func runCommand(w http.ResponseWriter, r *http.Request, executor *command.Executor, op string, status int, logger *zap.Logger) {
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeRequestError(w, r, logger, model.NewBadRequestError("Request body too large"))
			return
		}
		writeRequestError(w, r, logger, model.NewBadRequestError("could not read request body"))
		return
	}
	if len(raw) > 0 && !json.Valid(raw) {
		writeRequestError(w, r, logger, model.NewBadRequestError("invalid JSON body"))
		return
	}

	res, err := executor.Execute(r.Context(), p, recordType(r), chi.URLParam(r, "id"), command.Command{
		Operation:      op,
		Input:          raw,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		writeRequestError(w, r, logger, err)
		return
	}
	if res.Replayed {
		w.Header().Set(replayedHeader, "true")
	}
	WriteJSON(w, status, res.Record)
}

func loggerFor(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return observability.RequestLogger(r.Context(), fallback)
}
