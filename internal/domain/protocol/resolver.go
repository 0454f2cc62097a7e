// Package protocol applies the integration rules of a multi-drug infusion
// once every drug has been evaluated on its own.
package protocol

import (
	"fmt"
	"strings"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/predicate"
	"github.com/crivet/dose-engine/internal/domain/profile"
	"github.com/crivet/dose-engine/internal/domain/safety"
)

// Member is one drug of the protocol after its independent evaluation
type Member struct {
	DrugID string
	Status clinical.Status
	Env    predicate.Env
	Rules  []profile.ProtocolIntegrationRule
}

// Adjustment is what the protocol did to one member
type Adjustment struct {
	DrugID  string
	Factor  float64
	Outcome safety.Outcome
}

// Order returns the request drugs in the protocol's declared order. Drugs
// the protocol does not declare are invalid input.
func Order(p profile.Protocol, drugIDs []string) ([]string, error) {
	requested := make(map[string]struct{}, len(drugIDs))
	for _, id := range drugIDs {
		id = strings.ToLower(id)
		if !p.Includes(id) {
			return nil, &clinical.InputError{Field: "drugs", Reason: fmt.Sprintf("%s is not part of protocol %s", id, p.ID)}
		}
		if _, dup := requested[id]; dup {
			return nil, &clinical.InputError{Field: "drugs", Reason: fmt.Sprintf("%s requested twice", id)}
		}
		requested[id] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, id := range p.Drugs {
		if _, ok := requested[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Resolve runs each member's rules in order. REDUCE_DOSE multiplies the
// member's factor, REMOVE_DRUG blocks it and PREFER_ALTERNATIVE warns.
// Rules only touch their own member. Members already blocked keep their
// verdict and get no rule applied.
func Resolve(members []Member) []Adjustment {
	out := make([]Adjustment, len(members))
	for i, m := range members {
		adj := Adjustment{DrugID: m.DrugID, Factor: 1}
		if m.Status == clinical.StatusBlocked {
			out[i] = adj
			continue
		}
		for _, r := range m.Rules {
			res := predicate.Evaluate(r.Expr, m.Env)
			switch res.Truth {
			case predicate.Unevaluable:
				adj.Outcome.Audit(r.Message, res)
				continue
			case predicate.False:
				continue
			}
			src := "protocol:" + strings.ToLower(string(r.Action))
			switch r.Action {
			case profile.ActionReduceDose:
				adj.Factor *= r.Factor
				adj.Outcome.Note(clinical.SeverityInfo, r.Message, src)
			case profile.ActionRemoveDrug:
				adj.Outcome.Block(r.Message, src)
			case profile.ActionPreferAlternative:
				adj.Outcome.Warn(r.Message, src)
			}
		}
		out[i] = adj
	}
	return out
}
