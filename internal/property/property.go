package property

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Status is the registration status of a property.
type Status string

const (
	// StatusPending means a registration job has been accepted but has not
	// reached a terminal outcome yet.
	StatusPending Status = "PENDING"
	// StatusRegistered means some registration job completed and the
	// transaction reference is recorded.
	StatusRegistered Status = "REGISTERED"
	// StatusFailed means registration failed permanently or exhausted its
	// retry budget.
	StatusFailed Status = "REGISTRATION_FAILED"
)

// ErrNotFound is returned when no property exists for a business code.
var ErrNotFound = errors.New("property not found")

// Property is the registration-facing slice of the property entity.
type Property struct {
	Code      string    `json:"propertyId"`
	Status    Status    `json:"status"`
	TxRef     string    `json:"txRef,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists registration status. Two workers may race on the same
// property during a visibility-timeout race, so all writes are conditional:
// MarkRegistered only transitions PENDING to REGISTERED, and no write ever
// overwrites REGISTERED.
type Store interface {
	// Get returns the property with the given business code, or ErrNotFound.
	Get(ctx context.Context, code string) (Property, error)
	// EnsurePending creates the property in PENDING, or resets a previously
	// failed one back to PENDING. A registered property is left untouched.
	EnsurePending(ctx context.Context, code string) error
	// MarkRegistered records the transaction reference and transitions
	// PENDING to REGISTERED. A no-op on any other current status.
	MarkRegistered(ctx context.Context, code, txRef string) error
	// MarkFailed transitions to REGISTRATION_FAILED unless the property is
	// already REGISTERED.
	MarkFailed(ctx context.Context, code, reason string) error
}
