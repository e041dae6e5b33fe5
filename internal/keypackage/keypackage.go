// Package keypackage stores MLS KeyPackages published by DIDs so other members can fetch one to add
// them to a conversation. Consumption is a one-shot CAS on state so the same package is never handed out
// twice.
package keypackage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// States a key package may be in.
const (
	StateAvailable = "available"
	StateConsumed  = "consumed"
)

// Sentinel errors for the keypackage package.
var (
	ErrNotFound        = errors.New("key package not found")
	ErrDuplicateHash   = errors.New("owner already published a key package with this hash")
	ErrAlreadyConsumed = errors.New("key package has already been consumed")
)

// KeyPackage holds the fields read from the key_packages table.
type KeyPackage struct {
	ID          uuid.UUID
	OwnerDID    string
	CipherSuite uint16
	Hash        []byte
	Ciphertext  []byte
	ExpiresAt   *time.Time
	State       string
	CreatedAt   time.Time
}

// PublishParams groups the inputs for publishing a new key package.
type PublishParams struct {
	OwnerDID    string
	CipherSuite uint16
	Hash        []byte
	Ciphertext  []byte
	ExpiresAt   *time.Time
}

// Repository defines the data-access contract for key package storage.
type Repository interface {
	// Publish inserts a new available key package. Returns ErrDuplicateHash on a unique violation of
	// (owner_did, hash): publishing the same key package twice is naturally idempotent.
	Publish(ctx context.Context, params PublishParams) (*KeyPackage, error)
	// ListAvailable returns up to limit available, non-expired key packages for ownerDID.
	ListAvailable(ctx context.Context, ownerDID string, limit int) ([]KeyPackage, error)
	// Consume atomically transitions one available key package to consumed and returns it. Returns
	// ErrNotFound if ownerDID has no available key package.
	Consume(ctx context.Context, ownerDID string) (*KeyPackage, error)
}
