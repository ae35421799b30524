// pkg/inbetweenies/entity.go
package inbetweenies

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidEntity       = errors.New("invalid entity")
	ErrInvalidRelationship = errors.New("invalid relationship")
)

// EntityType classifies a node in the knowledge graph. The set is
// closed: versions carrying an unknown type are rejected per entity.
type EntityType string

const (
	EntityTypeHome           EntityType = "home"
	EntityTypeRoom           EntityType = "room"
	EntityTypeDevice         EntityType = "device"
	EntityTypeUser           EntityType = "user"
	EntityTypeCharacteristic EntityType = "characteristic"
	EntityTypeService        EntityType = "service"
	EntityTypeProcedure      EntityType = "procedure"
	EntityTypeManual         EntityType = "manual"
	EntityTypeNote           EntityType = "note"
	EntityTypeSchedule       EntityType = "schedule"
	EntityTypeAutomation     EntityType = "automation"
	EntityTypeZone           EntityType = "zone"
)

var entityTypes = map[EntityType]struct{}{
	EntityTypeHome:           {},
	EntityTypeRoom:           {},
	EntityTypeDevice:         {},
	EntityTypeUser:           {},
	EntityTypeCharacteristic: {},
	EntityTypeService:        {},
	EntityTypeProcedure:      {},
	EntityTypeManual:         {},
	EntityTypeNote:           {},
	EntityTypeSchedule:       {},
	EntityTypeAutomation:     {},
	EntityTypeZone:           {},
}

// ValidEntityType reports whether t belongs to the closed entity type set.
func ValidEntityType(t EntityType) bool {
	_, ok := entityTypes[t]
	return ok
}

// SourceType records how a version entered the store.
type SourceType string

const (
	SourceTypeManual    SourceType = "manual"
	SourceTypeImported  SourceType = "imported"
	SourceTypeGenerated SourceType = "generated"
	SourceTypeSynced    SourceType = "synced"
)

var sourceTypes = map[SourceType]struct{}{
	SourceTypeManual:    {},
	SourceTypeImported:  {},
	SourceTypeGenerated: {},
	SourceTypeSynced:    {},
}

// ValidSourceType reports whether s belongs to the known provenance set.
func ValidSourceType(s SourceType) bool {
	_, ok := sourceTypes[s]
	return ok
}

// RelationshipType classifies a directed edge between two pinned
// entity versions.
type RelationshipType string

const (
	RelationshipLocatedIn    RelationshipType = "located_in"
	RelationshipControls     RelationshipType = "controls"
	RelationshipPartOf       RelationshipType = "part_of"
	RelationshipConnectedTo  RelationshipType = "connected_to"
	RelationshipMonitors     RelationshipType = "monitors"
	RelationshipDependsOn    RelationshipType = "depends_on"
	RelationshipDocumentedBy RelationshipType = "documented_by"
	RelationshipAutomates    RelationshipType = "automates"
	RelationshipManages      RelationshipType = "manages"
)

// EntityVersion is one immutable version of an entity. Versions of the
// same entity id form a DAG through ParentVersions: an empty set marks
// the creation of the entity, a single parent a linear update, and two
// or more parents a merge.
type EntityVersion struct {
	ID             string         `json:"id"`
	Version        string         `json:"version"`
	EntityType     EntityType     `json:"entity_type"`
	Name           string         `json:"name"`
	Content        map[string]any `json:"content"`
	SourceType     SourceType     `json:"source_type"`
	UserID         string         `json:"user_id"`
	ParentVersions []string       `json:"parent_versions"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
}

// Validate checks the structural fields an EntityVersion must carry
// before it can be stored or shipped over the wire.
func (e *EntityVersion) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil entity", ErrInvalidEntity)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEntity)
	}
	if e.Version == "" {
		return fmt.Errorf("%w: missing version for %s", ErrInvalidEntity, e.ID)
	}
	if !ValidEntityType(e.EntityType) {
		return fmt.Errorf("%w: unknown entity_type %q for %s", ErrInvalidEntity, e.EntityType, e.ID)
	}
	if e.SourceType != "" && !ValidSourceType(e.SourceType) {
		return fmt.Errorf("%w: unknown source_type %q for %s", ErrInvalidEntity, e.SourceType, e.ID)
	}
	for _, p := range e.ParentVersions {
		if p == "" {
			return fmt.Errorf("%w: empty parent version for %s", ErrInvalidEntity, e.ID)
		}
		if p == e.Version {
			return fmt.Errorf("%w: version %s is its own parent", ErrInvalidEntity, e.Version)
		}
	}
	return nil
}

// HasParent reports whether version is listed among the direct parents.
func (e *EntityVersion) HasParent(version string) bool {
	for _, p := range e.ParentVersions {
		if p == version {
			return true
		}
	}
	return false
}

// IsTombstone reports whether this version marks its entity deleted.
// Deletion keeps the lineage intact: the tombstone is a regular version
// whose content carries deleted=true.
func (e *EntityVersion) IsTombstone() bool {
	if e == nil || e.Content == nil {
		return false
	}
	v, ok := e.Content["deleted"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Clone returns a deep copy of the version. Content is copied through
// JSON so nested maps do not alias the original.
func (e *EntityVersion) Clone() *EntityVersion {
	if e == nil {
		return nil
	}
	out := *e
	out.ParentVersions = append([]string(nil), e.ParentVersions...)
	if e.Content != nil {
		raw, err := json.Marshal(e.Content)
		if err == nil {
			var c map[string]any
			if json.Unmarshal(raw, &c) == nil {
				out.Content = c
			}
		}
	}
	return &out
}

// EqualPayload reports whether two versions carry the same identifying
// key and the same payload. Replaying a write with an identical payload
// is an idempotent success, so equality deliberately ignores CreatedAt,
// which is derived from the version string by whichever store first
// accepted the row.
func (e *EntityVersion) EqualPayload(other *EntityVersion) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.ID != other.ID || e.Version != other.Version {
		return false
	}
	if e.EntityType != other.EntityType || e.Name != other.Name {
		return false
	}
	if e.SourceType != other.SourceType || e.UserID != other.UserID {
		return false
	}
	if len(e.ParentVersions) != len(other.ParentVersions) {
		return false
	}
	for i := range e.ParentVersions {
		if e.ParentVersions[i] != other.ParentVersions[i] {
			return false
		}
	}
	a, err := json.Marshal(e.Content)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other.Content)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

// Relationship is a directed edge pinned to exact versions of both
// endpoints. Edges are immutable; when an endpoint gains a new version
// the writer re-pins by emitting a fresh edge with a new id.
type Relationship struct {
	ID          string           `json:"id"`
	FromID      string           `json:"from_entity_id"`
	FromVersion string           `json:"from_entity_version"`
	ToID        string           `json:"to_entity_id"`
	ToVersion   string           `json:"to_entity_version"`
	Type        RelationshipType `json:"relationship_type"`
	Properties  map[string]any   `json:"properties,omitempty"`
}

// Validate checks the structural fields a Relationship must carry.
func (r *Relationship) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil relationship", ErrInvalidRelationship)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRelationship)
	}
	if r.FromID == "" || r.FromVersion == "" {
		return fmt.Errorf("%w: %s has an unpinned from endpoint", ErrInvalidRelationship, r.ID)
	}
	if r.ToID == "" || r.ToVersion == "" {
		return fmt.Errorf("%w: %s has an unpinned to endpoint", ErrInvalidRelationship, r.ID)
	}
	if r.Type == "" {
		return fmt.Errorf("%w: %s has no relationship_type", ErrInvalidRelationship, r.ID)
	}
	return nil
}
