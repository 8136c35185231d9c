package ledger

import (
	"github.com/hashicorp/go-bexpr"
)

// matchesExpr evaluates a hashicorp/go-bexpr boolean expression against a
// pool, letting callers of ReadPools / PoolAdmin.ListPools express ad-hoc
// predicates ("totalAdvancesActive > 0 and riskTier != C") without the
// engine growing a bespoke query DSL for every new field.
func matchesExpr(expr string, p *Pool) (bool, error) {
	eval, err := bexpr.CreateEvaluator(expr)
	if err != nil {
		return false, err
	}
	return eval.Evaluate(toFilterFields(p))
}

// poolFilterFields is the flat, bexpr-tagged projection of Pool that ad-hoc
// filter expressions are evaluated against.
type poolFilterFields struct {
	ID                     string `bexpr:"id"`
	Name                   string `bexpr:"name"`
	Status                 string `bexpr:"status"`
	RiskTier               string `bexpr:"riskTier"`
	Currency               string `bexpr:"currency"`
	AutoRebalanceEnabled   bool   `bexpr:"autoRebalanceEnabled"`
	TotalAdvancesIssued    int64  `bexpr:"totalAdvancesIssued"`
	TotalAdvancesActive    int64  `bexpr:"totalAdvancesActive"`
	TotalAdvancesDefaulted int64  `bexpr:"totalAdvancesDefaulted"`
	CreatedBy              string `bexpr:"createdBy"`
}

func toFilterFields(p *Pool) poolFilterFields {
	return poolFilterFields{
		ID:                     p.ID,
		Name:                   p.Name,
		Status:                 string(p.Status),
		RiskTier:               string(p.RiskTier),
		Currency:               p.Currency,
		AutoRebalanceEnabled:   p.AutoRebalanceEnabled,
		TotalAdvancesIssued:    p.TotalAdvancesIssued,
		TotalAdvancesActive:    p.TotalAdvancesActive,
		TotalAdvancesDefaulted: p.TotalAdvancesDefaulted,
		CreatedBy:              p.CreatedBy,
	}
}
