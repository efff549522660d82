// Package store provides the durable license state store. Records carry the
// domain binding, lifecycle status, tamper counter, and rotating heartbeat
// token consumed by the validator and heartbeat processor.
package store

import (
	"context"
	"errors"
	"time"
)

// Status is the license lifecycle state. Transitions move one-way toward
// more restrictive states; only an administrative restore resets a record.
type Status string

const (
	StatusActive            Status = "ACTIVE"
	StatusSuspended         Status = "SUSPENDED"
	StatusExpired           Status = "EXPIRED"
	StatusTampered          Status = "TAMPERED"
	StatusAttemptedCloning  Status = "ATTEMPTED_CLONING"
	StatusTerminated        Status = "TERMINATED"
)

// Terminal reports whether the status ends the protocol for the license.
// Agents receiving a terminal status must lock without retrying.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusAttemptedCloning
}

// restrictiveness orders statuses for the one-way transition rule.
var restrictiveness = map[Status]int{
	StatusActive:           0,
	StatusExpired:          1,
	StatusSuspended:        2,
	StatusTampered:         3,
	StatusAttemptedCloning: 4,
	StatusTerminated:       5,
}

// MoreRestrictiveThan reports whether s is a stricter state than other.
func (s Status) MoreRestrictiveThan(other Status) bool {
	return restrictiveness[s] > restrictiveness[other]
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := restrictiveness[s]
	return ok
}

// LicenseRecord is the durable state of one issued license.
type LicenseRecord struct {
	Key                string    `json:"key" yaml:"key"`
	Domain             string    `json:"domain" yaml:"domain"`
	Status             Status    `json:"status" yaml:"status"`
	ExpiresAt          time.Time `json:"expires_at" yaml:"expires_at"`
	TamperCount        int       `json:"tamper_count" yaml:"tamper_count"`
	LastHeartbeatToken string    `json:"last_heartbeat_token" yaml:"-"`
	LastSeenAt         time.Time `json:"last_seen_at" yaml:"-"`
}

// Expired reports whether the license is past its expiry at the given time.
func (r *LicenseRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("store: license not found")

// Store is the durable license state store. Update must serialize
// read-modify-write sequences per key so a validation and a heartbeat racing
// for the same record cannot lose updates.
type Store interface {
	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*LicenseRecord, error)

	// Update applies mutate to the record for key atomically. Returning an
	// error from mutate aborts the update without persisting. The record
	// passed to mutate is a private copy; mutate the fields in place.
	Update(ctx context.Context, key string, mutate func(*LicenseRecord) error) (*LicenseRecord, error)

	// Put inserts or replaces a record. Used by provisioning and fixtures.
	Put(ctx context.Context, rec *LicenseRecord) error

	// Restore is the administrative reset: status back to ACTIVE, tamper
	// counter cleared, heartbeat session dropped. The guard protocol itself
	// never calls this.
	Restore(ctx context.Context, key string) (*LicenseRecord, error)

	Close() error
}
