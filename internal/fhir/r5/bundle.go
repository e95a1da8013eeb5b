package r5

import (
	"encoding/json"
	"time"
)

// Bundle is a FHIR R5 searchset Bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Timestamp    time.Time     `json:"timestamp"`
	Total        int           `json:"total"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleEntry holds one resource of a Bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// NewSearchBundle wraps resources in a searchset Bundle. Each resource must
// marshal to JSON; fullURL is built from its type and id.
func NewSearchBundle(at time.Time, resources ...Resource) (*Bundle, error) {
	b := &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Timestamp:    at.UTC(),
		Total:        len(resources),
		Entry:        make([]BundleEntry, 0, len(resources)),
	}
	for _, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		resourceType, id := r.Ident()
		b.Entry = append(b.Entry, BundleEntry{FullURL: resourceType + "/" + id, Resource: raw})
	}
	return b, nil
}

// Resource is a resource that can be placed in a Bundle.
type Resource interface {
	Ident() (resourceType, id string)
}

// Ident implements Resource.
func (m *MedicationRequest) Ident() (string, string) { return m.ResourceType, m.ID }

// Ident implements Resource.
func (m *MedicationAdministration) Ident() (string, string) { return m.ResourceType, m.ID }
