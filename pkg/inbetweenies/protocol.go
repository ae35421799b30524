// pkg/inbetweenies/protocol.go

// Package inbetweenies defines the Inbetweenies delta-sync protocol:
// versioned entities and relationships, version strings, vector
// clocks, conflict classification and resolution, and the JSON wire
// shapes exchanged between a replica and the server. Everything here
// is pure data and pure computation; storage and transport live with
// their callers.
package inbetweenies

import (
	"fmt"
	"net/http"
)

// ProtocolVersion is the only protocol revision this package speaks.
// Requests carrying anything else are rejected without side effect.
const ProtocolVersion = "inbetweenies-v2"

// DefaultMaxChanges caps the number of changes one request may carry
// before the server answers BatchTooLarge and the client must split.
const DefaultMaxChanges = 1000

// SyncType selects how much of the store a response carries.
type SyncType string

const (
	// SyncTypeFull returns every current version regardless of clock.
	SyncTypeFull SyncType = "full"
	// SyncTypeDelta returns only versions past the request's clock.
	SyncTypeDelta SyncType = "delta"
)

// ChangeType names the intent of one change within a batch.
type ChangeType string

const (
	ChangeTypeCreate ChangeType = "create"
	ChangeTypeUpdate ChangeType = "update"
	ChangeTypeDelete ChangeType = "delete"
)

// Change carries one entity version and the relationship edges pinned
// to it. Deletes travel as tombstone versions so lineage survives.
type Change struct {
	ChangeType    ChangeType     `json:"change_type"`
	Entity        *EntityVersion `json:"entity"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// Validate checks one change for structural problems. It does not
// consult the store; parent existence is the engine's business.
func (c *Change) Validate() error {
	switch c.ChangeType {
	case ChangeTypeCreate, ChangeTypeUpdate, ChangeTypeDelete:
	default:
		return fmt.Errorf("%w: unknown change_type %q", ErrInvalidEntity, c.ChangeType)
	}
	if err := c.Entity.Validate(); err != nil {
		return err
	}
	if c.ChangeType == ChangeTypeCreate && len(c.Entity.ParentVersions) != 0 {
		return fmt.Errorf("%w: create for %s carries parent versions", ErrInvalidEntity, c.Entity.ID)
	}
	if c.ChangeType == ChangeTypeUpdate && len(c.Entity.ParentVersions) == 0 {
		return fmt.Errorf("%w: update for %s has no parent versions", ErrInvalidEntity, c.Entity.ID)
	}
	for i := range c.Relationships {
		if err := c.Relationships[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SyncRequest is one client-to-server push-pull message.
type SyncRequest struct {
	ProtocolVersion string      `json:"protocol_version"`
	DeviceID        string      `json:"device_id"`
	UserID          string      `json:"user_id"`
	SyncType        SyncType    `json:"sync_type"`
	VectorClock     VectorClock `json:"vector_clock"`
	Changes         []Change    `json:"changes"`
}

// Validate rejects requests the engine must not touch at all. A
// failure here is atomic: nothing from the batch is applied.
func (r *SyncRequest) Validate() error {
	if r.ProtocolVersion != ProtocolVersion {
		return &WireError{
			Kind:   ErrorKindUnsupportedProtocol,
			Detail: fmt.Sprintf("protocol %q not supported, want %q", r.ProtocolVersion, ProtocolVersion),
		}
	}
	if r.DeviceID == "" {
		return &WireError{Kind: ErrorKindUnsupportedProtocol, Detail: "missing device_id"}
	}
	if r.UserID == "" {
		return &WireError{Kind: ErrorKindUnsupportedProtocol, Detail: "missing user_id"}
	}
	switch r.SyncType {
	case SyncTypeFull, SyncTypeDelta:
	default:
		return &WireError{
			Kind:   ErrorKindUnsupportedProtocol,
			Detail: fmt.Sprintf("unknown sync_type %q", r.SyncType),
		}
	}
	return nil
}

// SyncStats summarizes what the server did with one batch.
type SyncStats struct {
	Received  int `json:"received"`
	Applied   int `json:"applied"`
	Rejected  int `json:"rejected"`
	Conflicts int `json:"conflicts"`
}

// SyncResponse is the server's answer: the merged clock, the delta the
// client is missing, and any conflicts observed while applying the
// batch.
type SyncResponse struct {
	ProtocolVersion string           `json:"protocol_version"`
	VectorClock     VectorClock      `json:"vector_clock"`
	Changes         []Change         `json:"changes"`
	Conflicts       []ConflictReport `json:"conflicts"`
	SyncStats       SyncStats        `json:"sync_stats"`
	SyncType        SyncType         `json:"sync_type"`
}

// ErrorKind names one entry of the wire error taxonomy.
type ErrorKind string

const (
	ErrorKindUnsupportedProtocol ErrorKind = "UnsupportedProtocol"
	ErrorKindUnauthorized        ErrorKind = "Unauthorized"
	ErrorKindBatchTooLarge       ErrorKind = "BatchTooLarge"
	ErrorKindParentMissing       ErrorKind = "ParentMissing"
	ErrorKindConflict            ErrorKind = "Conflict"
	ErrorKindFutureTimestamp     ErrorKind = "FutureTimestamp"
	ErrorKindRateLimited         ErrorKind = "RateLimited"
	ErrorKindNotFound            ErrorKind = "NotFound"
	ErrorKindInternal            ErrorKind = "Internal"
)

// WireError is the JSON body of every non-2xx response.
type WireError struct {
	Kind   ErrorKind `json:"error_kind"`
	Detail string    `json:"detail"`
}

// Error implements the error interface.
func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// HTTPStatus maps the error kind to the status code it travels under.
func (e *WireError) HTTPStatus() int {
	switch e.Kind {
	case ErrorKindUnsupportedProtocol:
		return http.StatusBadRequest
	case ErrorKindUnauthorized:
		return http.StatusUnauthorized
	case ErrorKindBatchTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorKindParentMissing, ErrorKindConflict:
		return http.StatusConflict
	case ErrorKindFutureTimestamp:
		return http.StatusUnprocessableEntity
	case ErrorKindRateLimited:
		return http.StatusTooManyRequests
	case ErrorKindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
