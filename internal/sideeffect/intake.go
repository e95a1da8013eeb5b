package sideeffect

import (
	"context"
	"fmt"
	"sync"

	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/tracker"
)

// Intake is an in-memory ObservationSource fed through Monitor.Observe.
type Intake struct {
	mu      sync.Mutex
	pending map[string][]tracker.SideEffectInput
}

// NewIntake returns an empty intake.
func NewIntake() *Intake {
	return &Intake{pending: make(map[string][]tracker.SideEffectInput)}
}

// Add queues effects for an administration.
func (i *Intake) Add(administrationID string, effects []tracker.SideEffectInput) error {
	if administrationID == "" {
		return medication.Validationf("administration id is required")
	}
	if len(effects) == 0 {
		return medication.Validationf("at least one side effect is required")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending[administrationID] = append(i.pending[administrationID], effects...)
	return nil
}

func (i *Intake) Pending(ctx context.Context, administrationID string) ([]tracker.SideEffectInput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]tracker.SideEffectInput(nil), i.pending[administrationID]...), nil
}

func (i *Intake) Ack(ctx context.Context, administrationID string, n int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	queued := i.pending[administrationID]
	if n > len(queued) {
		return fmt.Errorf("ack %d observations for %s, only %d pending", n, administrationID, len(queued))
	}
	if rest := queued[n:]; len(rest) > 0 {
		i.pending[administrationID] = rest
	} else {
		delete(i.pending, administrationID)
	}
	return nil
}

// Len returns how many effects are waiting across all administrations.
func (i *Intake) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, effects := range i.pending {
		n += len(effects)
	}
	return n
}
