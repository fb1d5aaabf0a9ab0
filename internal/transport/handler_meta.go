package transport

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/qms/internal/capability"
	"github.com/pitabwire/qms/internal/definition"
	"github.com/pitabwire/qms/model"
)

type meResponse struct {
	model.Principal
	Permissions []model.Action     `json:"permissions"`
	Creatable   []model.RecordType `json:"creatable_types"`
}

// handleMe describes the acting principal, its coarse permissions and the
// record types it may create.
func handleMe(registry *definition.Registry, auth *capability.Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(w, r)
		if !ok {
			return
		}
		resp := meResponse{
			Principal:   p,
			Permissions: auth.Permissions(p.Role).List(),
			Creatable:   []model.RecordType{},
		}
		for _, def := range registry.All() {
			if auth.CanCreate(def, p.Role) {
				resp.Creatable = append(resp.Creatable, def.Type)
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

type typeList struct {
	Data     []model.RecordTypeDefinition `json:"data"`
	Checksum string                       `json:"checksum"`
}

func handleListTypes(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := principalFrom(w, r); !ok {
			return
		}
		WriteJSON(w, http.StatusOK, typeList{Data: registry.All(), Checksum: registry.Checksum()})
	}
}

func handleGetType(registry *definition.Registry, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := principalFrom(w, r); !ok {
			return
		}
		t := recordType(r)
		def, ok := registry.Get(t)
		if !ok {
			writeRequestError(w, r, logger, model.NewNotFoundError(fmt.Sprintf("record type %q not found", t)))
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}
