package capability

import (
	"fmt"
	"os"
	"sync"

	"github.com/pitabwire/qms/model"
	"gopkg.in/yaml.v3"
)

type policyFile struct {
	Roles map[string][]model.Action  `yaml:"roles"`
	Users map[string]model.Principal `yaml:"users"`
}

// StaticPolicyEvaluator resolves permissions from a static YAML file mapping
// roles to coarse actions. The same file seeds the user directory.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates a new evaluator that loads policies from path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// PermissionsFor returns the actions granted to role. Unknown roles get an
// empty set.
func (e *StaticPolicyEvaluator) PermissionsFor(role string) (model.PermissionSet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	perms := make(model.PermissionSet)
	for _, a := range e.policy.Roles[role] {
		perms[a] = true
	}
	return perms, nil
}

// LookupUser resolves a directory username to a principal.
func (e *StaticPolicyEvaluator) LookupUser(username string) (model.Principal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.policy.Users[username]
	if !ok || p.IsZero() {
		return model.Principal{}, false
	}
	return p, true
}

// Roles returns the number of roles in the loaded policy.
func (e *StaticPolicyEvaluator) Roles() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.policy.Roles)
}

// Sync reloads the policy file from disk. A file naming an unknown action is
// rejected and the previous policy stays in effect.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}
	if err := checkActions(p); err != nil {
		return fmt.Errorf("capability: policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}

func checkActions(p policyFile) error {
	known := make(map[model.Action]bool, len(model.AllActions)+1)
	for _, a := range model.AllActions {
		known[a] = true
	}
	known["*"] = true

	for role, actions := range p.Roles {
		for _, a := range actions {
			if !known[a] {
				return fmt.Errorf("role %q grants unknown action %q", role, a)
			}
		}
	}
	return nil
}
