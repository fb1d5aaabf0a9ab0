package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/qms/model"
)

// snapshot is an immutable set of definitions indexed by record type.
type snapshot struct {
	types    map[model.RecordType]model.RecordTypeDefinition
	prefixes map[string]model.RecordType
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded record-type
// definitions. Reads are lock-free; Replace swaps the whole snapshot.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.RecordTypeDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.RecordTypeDefinition) {
	s := &snapshot{
		types:    make(map[model.RecordType]model.RecordTypeDefinition, len(defs)),
		prefixes: make(map[string]model.RecordType, len(defs)),
	}

	checksumParts := make([]string, 0, len(defs))
	for _, def := range defs {
		s.types[def.Type] = def
		s.prefixes[def.Prefix] = def.Type
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the definition of the given record type.
func (r *Registry) Get(t model.RecordType) (model.RecordTypeDefinition, bool) {
	d, ok := r.current().types[t]
	return d, ok
}

// ByPrefix returns the record type whose identifiers carry prefix.
func (r *Registry) ByPrefix(prefix string) (model.RecordType, bool) {
	t, ok := r.current().prefixes[prefix]
	return t, ok
}

// All returns every definition sorted by record type.
func (r *Registry) All() []model.RecordTypeDefinition {
	s := r.current()
	defs := make([]model.RecordTypeDefinition, 0, len(s.types))
	for _, d := range s.types {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })
	return defs
}

// Types returns every registered record type, sorted.
func (r *Registry) Types() []model.RecordType {
	defs := r.All()
	out := make([]model.RecordType, len(defs))
	for i, d := range defs {
		out[i] = d.Type
	}
	return out
}

// Len returns the number of registered record types.
func (r *Registry) Len() int {
	return len(r.current().types)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
