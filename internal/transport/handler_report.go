package transport

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pitabwire/qms/internal/report"
)

func handleDashboard(reports *report.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := principalFrom(w, r); !ok {
			return
		}
		stats, err := reports.Statistics(r.Context())
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// handleExport streams a rendered listing of one record type as an
// attachment. Query filters match the record listing.
func handleExport(reports *report.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(w, r)
		if !ok {
			return
		}
		format, err := report.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		filters, err := parseFilters(r)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}

		doc, err := reports.Export(r.Context(), p, recordType(r), format, filters)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}

		w.Header().Set("Content-Type", doc.ContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+doc.Filename+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(doc.Body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(doc.Body)
	}
}
