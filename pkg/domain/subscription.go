package domain

import "time"

const (
	// MetadataReferenceType is the subscription metadata key naming what the subscription targets.
	MetadataReferenceType = "referenceType"
	// ReferenceTypeAPIProduct marks subscriptions made against an API product rather than one API.
	ReferenceTypeAPIProduct = "API_PRODUCT"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionAccepted SubscriptionStatus = "ACCEPTED"
	SubscriptionPaused   SubscriptionStatus = "PAUSED"
	SubscriptionClosed   SubscriptionStatus = "CLOSED"
)

// Subscription binds an application (client) to an API plan for a time window.
type Subscription struct {
	ID          string             `json:"id"`
	API         string             `json:"api"`
	Plan        string             `json:"plan"`
	ClientID    string             `json:"clientId,omitempty"`
	Application string             `json:"application"`
	StartingAt  time.Time          `json:"startingAt,omitempty"`
	EndingAt    time.Time          `json:"endingAt,omitempty"`
	Status      SubscriptionStatus `json:"status"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// ActiveAt reports whether t lies inside the validity window, bounds included.
// A zero bound is open.
func (s *Subscription) ActiveAt(t time.Time) bool {
	if !s.StartingAt.IsZero() && t.Before(s.StartingAt) {
		return false
	}
	if !s.EndingAt.IsZero() && t.After(s.EndingAt) {
		return false
	}
	return true
}

// IsProduct reports whether the subscription targets an API product.
func (s *Subscription) IsProduct() bool {
	return s != nil && s.Metadata[MetadataReferenceType] == ReferenceTypeAPIProduct
}

// APIKey is a key issued for a subscription.
type APIKey struct {
	Key          string    `json:"key"`
	API          string    `json:"api"`
	Plan         string    `json:"plan"`
	Subscription string    `json:"subscription"`
	Application  string    `json:"application"`
	Revoked      bool      `json:"revoked,omitempty"`
	ExpireAt     time.Time `json:"expireAt,omitempty"`
}

// ValidAt reports whether the key can be used at t.
func (k *APIKey) ValidAt(t time.Time) bool {
	if k.Revoked {
		return false
	}
	return k.ExpireAt.IsZero() || !t.After(k.ExpireAt)
}
