package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TimezoneResolver returns the location whose calendar day a subject's
// schedule follows.
type TimezoneResolver interface {
	Location(ctx context.Context, subjectID string) (*time.Location, error)
}

// Zones resolves every subject to the facility zone unless overridden.
type Zones struct {
	mu        sync.RWMutex
	facility  *time.Location
	overrides map[string]*time.Location
}

// NewZones loads the facility zone by IANA name. An empty name means UTC.
func NewZones(facility string) (*Zones, error) {
	loc := time.UTC
	if facility != "" {
		var err error
		if loc, err = time.LoadLocation(facility); err != nil {
			return nil, fmt.Errorf("load facility timezone %q: %w", facility, err)
		}
	}
	return &Zones{facility: loc, overrides: make(map[string]*time.Location)}, nil
}

// Set overrides the zone of one subject.
func (z *Zones) Set(subjectID, name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fmt.Errorf("load timezone %q for subject %s: %w", name, subjectID, err)
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	z.overrides[subjectID] = loc
	return nil
}

func (z *Zones) Location(ctx context.Context, subjectID string) (*time.Location, error) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	if loc, ok := z.overrides[subjectID]; ok {
		return loc, nil
	}
	return z.facility, nil
}
