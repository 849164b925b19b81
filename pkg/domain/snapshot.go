package domain

// Snapshot is a complete, consistent set of gateway definitions.
type Snapshot struct {
	Generation    int64
	Organizations []*Organization
	APIs          []*API
	Subscriptions []*Subscription
	APIKeys       []*APIKey
}

// Organization returns the organization with the given id.
func (s *Snapshot) Organization(id string) (*Organization, bool) {
	for _, o := range s.Organizations {
		if o.ID == id {
			return o, true
		}
	}
	return nil, false
}
