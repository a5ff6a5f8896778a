// Package domain contains entities without logic, just meta-data
package domain

import "github.com/google/uuid"

// ClientID identifies a publishing client. The relay assigns it when the
// client starts a publish negotiation.
type ClientID string

// NewClientID is a tiny helper to avoid ad-hoc id generation in adapters.
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}
