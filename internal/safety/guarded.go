package safety

import (
	"context"
	"errors"
	"time"

	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/pkg/circuitbreaker"
)

// GuardedRules routes rule-table calls through per-table circuit breakers.
// While a breaker is open calls fail fast, which the Checker treats as no
// finding. Catalog misses do not count against the breaker.
type GuardedRules struct {
	next         medication.RuleTables
	catalog      *circuitbreaker.CircuitBreaker
	allergies    *circuitbreaker.CircuitBreaker
	interactions *circuitbreaker.CircuitBreaker
}

var _ medication.RuleTables = (*GuardedRules)(nil)

// NewGuardedRules wraps next with breakers taken from m.
func NewGuardedRules(next medication.RuleTables, m *circuitbreaker.Manager) (*GuardedRules, error) {
	g := &GuardedRules{next: next}
	var err error
	if g.catalog, err = m.GetOrCreate("rules.catalog"); err != nil {
		return nil, err
	}
	if g.allergies, err = m.GetOrCreate("rules.allergies"); err != nil {
		return nil, err
	}
	if g.interactions, err = m.GetOrCreate("rules.interactions"); err != nil {
		return nil, err
	}
	return g, nil
}

// BreakerConfig returns breaker settings for rule lookups: a catalog miss
// or a cancelled request is not a failure of the table.
func BreakerConfig(onStateChange func(name string, from, to circuitbreaker.State)) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("")
	cfg.Timeout = 15 * time.Second
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || medication.IsNotFound(err) || errors.Is(err, context.Canceled)
	}
	cfg.OnStateChange = onStateChange
	return cfg
}

func (g *GuardedRules) GetMedication(ctx context.Context, id string) (medication.Medication, error) {
	return circuitbreaker.Call(ctx, g.catalog, func(ctx context.Context) (medication.Medication, error) {
		return g.next.GetMedication(ctx, id)
	})
}

func (g *GuardedRules) ActiveAllergies(ctx context.Context, subjectID string) ([]medication.Allergy, error) {
	return circuitbreaker.Call(ctx, g.allergies, func(ctx context.Context) ([]medication.Allergy, error) {
		return g.next.ActiveAllergies(ctx, subjectID)
	})
}

func (g *GuardedRules) Lookup(ctx context.Context, a, b string) (medication.Interaction, bool, error) {
	type result struct {
		rule medication.Interaction
		ok   bool
	}
	r, err := circuitbreaker.Call(ctx, g.interactions, func(ctx context.Context) (result, error) {
		rule, ok, err := g.next.Lookup(ctx, a, b)
		return result{rule: rule, ok: ok}, err
	})
	return r.rule, r.ok, err
}
