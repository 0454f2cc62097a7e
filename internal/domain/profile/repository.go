package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"go.uber.org/zap"
)

// Repository is the read-only drug catalog. It is never mutated after
// NewRepository returns, so concurrent readers need no locking.
type Repository struct {
	drugs     map[string]*DrugProfile
	protocols map[string]Protocol
}

// NewRepository indexes compiled profiles and protocols
func NewRepository(drugs []*DrugProfile, protocols []Protocol) (*Repository, error) {
	r := &Repository{
		drugs:     make(map[string]*DrugProfile, len(drugs)),
		protocols: make(map[string]Protocol, len(protocols)),
	}
	for _, d := range drugs {
		if _, dup := r.drugs[d.id]; dup {
			return nil, &clinical.ConfigurationError{DrugID: d.id, Reason: "defined twice"}
		}
		r.drugs[d.id] = d
	}
	for _, p := range protocols {
		if _, dup := r.protocols[p.ID]; dup {
			return nil, &clinical.ConfigurationError{DrugID: "-", Reason: fmt.Sprintf("protocol %s defined twice", p.ID)}
		}
		for _, d := range p.Drugs {
			if _, ok := r.drugs[d]; !ok {
				return nil, &clinical.ConfigurationError{DrugID: d, Reason: fmt.Sprintf("protocol %s lists an unknown drug", p.ID)}
			}
		}
		r.protocols[p.ID] = p
	}
	return r, nil
}

// Get returns a drug profile by ID
func (r *Repository) Get(drugID string) (*DrugProfile, error) {
	p, ok := r.drugs[strings.ToLower(drugID)]
	if !ok {
		return nil, &clinical.NotFoundError{Kind: "drug", ID: drugID}
	}
	return p, nil
}

// Protocol returns a protocol by ID
func (r *Repository) Protocol(id string) (Protocol, error) {
	p, ok := r.protocols[strings.ToLower(id)]
	if !ok {
		return Protocol{}, &clinical.NotFoundError{Kind: "protocol", ID: id}
	}
	p.Drugs = append([]string(nil), p.Drugs...)
	return p, nil
}

// List returns every profile sorted by ID
func (r *Repository) List() []*DrugProfile {
	out := make([]*DrugProfile, 0, len(r.drugs))
	for _, p := range r.drugs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Protocols returns every protocol sorted by ID
func (r *Repository) Protocols() []Protocol {
	out := make([]Protocol, 0, len(r.protocols))
	for _, p := range r.protocols {
		p.Drugs = append([]string(nil), p.Drugs...)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load reads, compiles and lints a catalog. Lint errors fail the load;
// warnings are logged.
func Load(ctx context.Context, src Source, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	docs, err := src.Documents(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if len(docs) == 0 {
		return nil, &clinical.ConfigurationError{DrugID: "-", Reason: "catalog is empty"}
	}

	var (
		drugs     []*DrugProfile
		protocols []Protocol
		byID      = make(map[string]*DrugProfile)
	)
	for _, doc := range docs {
		d, err := decodeDocument(doc)
		if err != nil {
			return nil, &clinical.ConfigurationError{DrugID: "-", Reason: "decode", Err: err}
		}
		if d.drug == nil {
			for _, pd := range d.protocols {
				p, err := CompileProtocol(pd)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", d.source, err)
				}
				protocols = append(protocols, p)
			}
			continue
		}
		p, err := CompileDrug(d.drug)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.source, err)
		}
		drugs = append(drugs, p)
		byID[p.id] = p
	}

	var lintErrs []error
	report := func(issues []LintIssue) {
		for _, is := range issues {
			fields := []zap.Field{
				zap.String("drug_id", is.DrugID),
				zap.String("field", is.Field),
				zap.String("message", is.Message),
			}
			switch is.Severity {
			case LintError:
				logger.Error("profile lint", fields...)
				lintErrs = append(lintErrs, &clinical.ConfigurationError{DrugID: is.DrugID, Reason: is.Field + ": " + is.Message})
			case LintWarning:
				logger.Warn("profile lint", fields...)
			default:
				logger.Debug("profile lint", fields...)
			}
		}
	}
	for _, p := range drugs {
		report(Lint(p))
	}
	protoByID := make(map[string]Protocol, len(protocols))
	for _, p := range protocols {
		protoByID[p.ID] = p
	}
	report(LintCatalog(byID, protoByID))
	if len(lintErrs) > 0 {
		return nil, errors.Join(lintErrs...)
	}

	repo, err := NewRepository(drugs, protocols)
	if err != nil {
		return nil, err
	}
	logger.Info("drug catalog loaded",
		zap.Int("drugs", len(drugs)),
		zap.Int("protocols", len(protocols)),
	)
	return repo, nil
}
