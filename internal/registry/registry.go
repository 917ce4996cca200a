package registry

import (
	"crypto/hmac"
	"crypto/sha256"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gridharvest/coordinator/internal/model"
)

// Registry is the in-memory submitter table. Submitters are provisioned
// out of band; the coordinator only reads the registry file at startup.
type Registry struct {
	submitters []model.Submitter
	byID       map[string]model.Submitter
}

type registryFile struct {
	Submitters []model.Submitter `yaml:"submitters"`
}

// Load reads a YAML registry file. Entries missing an id or secret are
// skipped with a warning since they could never authenticate anyway.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrapf(err, "registry: parse %s", path)
	}

	return New(file.Submitters), nil
}

// New builds a registry from a submitter slice, dropping invalid entries.
func New(submitters []model.Submitter) *Registry {
	r := &Registry{byID: make(map[string]model.Submitter)}
	var skipped int
	for _, s := range submitters {
		if s.ID == "" || s.Secret == "" {
			skipped++
			continue
		}
		if _, dup := r.byID[s.ID]; dup {
			skipped++
			continue
		}
		r.submitters = append(r.submitters, s)
		r.byID[s.ID] = s
	}
	sort.Slice(r.submitters, func(i, j int) bool { return r.submitters[i].ID < r.submitters[j].ID })

	if skipped > 0 {
		zap.L().Warn("registry: skipped invalid or duplicate submitters",
			zap.Int("skipped", skipped),
			zap.Int("loaded", len(r.submitters)),
		)
	}
	return r
}

// Len returns the number of registered submitters.
func (r *Registry) Len() int { return len(r.submitters) }

// Get looks up a submitter by id.
func (r *Registry) Get(id string) (model.Submitter, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Pool returns the submitters eligible for work assignment, excluding
// aggregator-class identities which coordinate rather than scrape.
func (r *Registry) Pool() []model.Submitter {
	var out []model.Submitter
	for _, s := range r.submitters {
		if s.Class == model.SubmitterClassAggregator {
			continue
		}
		out = append(out, s)
	}
	return out
}

// VerifyProof checks a request proof: HMAC-SHA256 over message keyed by
// the submitter's secret, compared in constant time. Unknown submitters
// fail closed.
func (r *Registry) VerifyProof(submitterID, message string, proof []byte) bool {
	s, ok := r.byID[submitterID]
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(message))
	return hmac.Equal(mac.Sum(nil), proof)
}
