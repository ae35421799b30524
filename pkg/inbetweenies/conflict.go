// pkg/inbetweenies/conflict.go
package inbetweenies

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
	ErrNoLeaves        = errors.New("conflict resolution needs at least two leaves")
)

// ResolutionStrategy names a conflict resolution policy.
type ResolutionStrategy string

const (
	StrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	StrategyManual        ResolutionStrategy = "manual"
	StrategyFieldMerge    ResolutionStrategy = "field_merge"
)

// SiblingRelation classifies two versions of the same entity.
type SiblingRelation int

const (
	// RelationIdentical means the versions share key and payload.
	RelationIdentical SiblingRelation = iota
	// RelationExtension means one version descends from the other.
	RelationExtension
	// RelationConcurrent means neither descends from the other.
	RelationConcurrent
)

// String returns a human-readable name for the relation.
func (r SiblingRelation) String() string {
	switch r {
	case RelationIdentical:
		return "identical"
	case RelationExtension:
		return "extension"
	case RelationConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Classify relates two versions of the same entity. For an extension it
// also returns the descendant, which becomes the current version with
// no conflict; concurrent siblings need the resolver.
func Classify(a, b *EntityVersion) (SiblingRelation, *EntityVersion) {
	if a.Version == b.Version && a.EqualPayload(b) {
		return RelationIdentical, nil
	}
	if a.HasParent(b.Version) {
		return RelationExtension, a
	}
	if b.HasParent(a.Version) {
		return RelationExtension, b
	}
	return RelationConcurrent, nil
}

// Resolution describes how a conflict was settled.
type Resolution struct {
	Strategy      ResolutionStrategy `json:"strategy"`
	WinnerVersion string             `json:"winner_version,omitempty"`
	MergeVersion  string             `json:"merge_version,omitempty"`
}

// ConflictReport is the per-entity record a sync response carries for
// every conflict observed while applying a batch. Kind is set for
// per-entity failures (ParentMissing, duplicate payload mismatch);
// Resolution is set when a policy settled concurrent leaves.
type ConflictReport struct {
	EntityID      string      `json:"entity_id"`
	LocalVersion  string      `json:"local_version,omitempty"`
	RemoteVersion string      `json:"remote_version,omitempty"`
	Kind          ErrorKind   `json:"kind,omitempty"`
	Detail        string      `json:"detail,omitempty"`
	Resolution    *Resolution `json:"resolution,omitempty"`
}

// Resolver settles an entity whose version DAG has grown concurrent
// leaves. Resolve returns the report for the response and, for
// strategies that merge, the synthetic merge version to store. A nil
// merge version means the leaves stay unresolved.
type Resolver interface {
	Strategy() ResolutionStrategy
	Resolve(leaves []*EntityVersion, now time.Time) (*ConflictReport, *EntityVersion, error)
}

// NewResolver builds the resolver for a configured strategy name.
// mergedBy identifies the writer of synthetic merge versions, normally
// the server's device id.
func NewResolver(strategy ResolutionStrategy, mergedBy string) (Resolver, error) {
	switch strategy {
	case StrategyLastWriteWins, "":
		return &lastWriteWins{mergedBy: mergedBy}, nil
	case StrategyManual:
		return manual{}, nil
	case StrategyFieldMerge:
		return &fieldMerge{mergedBy: mergedBy}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// sortLeaves orders leaves ascending by last-write-wins order, so the
// final element is the winner and reports stay deterministic no matter
// which writer arrived first.
func sortLeaves(leaves []*EntityVersion) []*EntityVersion {
	out := append([]*EntityVersion(nil), leaves...)
	sort.Slice(out, func(i, j int) bool {
		return CompareVersions(out[i].Version, out[j].Version) < 0
	})
	return out
}

func leafVersions(leaves []*EntityVersion) []string {
	out := make([]string, len(leaves))
	for i, l := range leaves {
		out[i] = l.Version
	}
	return out
}

// lastWriteWins settles concurrent leaves by (timestamp, user_id) of
// the version string. The winner's content is copied into a synthetic
// merge version whose parents cover every leaf.
type lastWriteWins struct {
	mergedBy string
}

func (r *lastWriteWins) Strategy() ResolutionStrategy { return StrategyLastWriteWins }

func (r *lastWriteWins) Resolve(leaves []*EntityVersion, now time.Time) (*ConflictReport, *EntityVersion, error) {
	if len(leaves) < 2 {
		return nil, nil, ErrNoLeaves
	}
	sorted := sortLeaves(leaves)
	winner := sorted[len(sorted)-1]
	merge := winner.Clone()
	merge.Version = MakeVersion(now, r.mergedBy)
	merge.SourceType = SourceTypeGenerated
	merge.UserID = r.mergedBy
	merge.ParentVersions = leafVersions(sorted)
	merge.CreatedAt = now.UTC()
	report := &ConflictReport{
		EntityID:      winner.ID,
		LocalVersion:  sorted[0].Version,
		RemoteVersion: sorted[len(sorted)-1].Version,
		Resolution: &Resolution{
			Strategy:      StrategyLastWriteWins,
			WinnerVersion: winner.Version,
			MergeVersion:  merge.Version,
		},
	}
	return report, merge, nil
}

// manual reports the conflict and leaves every leaf in place; the
// entity keeps no current version until a writer pushes an explicit
// merge.
type manual struct{}

func (manual) Strategy() ResolutionStrategy { return StrategyManual }

func (manual) Resolve(leaves []*EntityVersion, _ time.Time) (*ConflictReport, *EntityVersion, error) {
	if len(leaves) < 2 {
		return nil, nil, ErrNoLeaves
	}
	sorted := sortLeaves(leaves)
	report := &ConflictReport{
		EntityID:      sorted[0].ID,
		LocalVersion:  sorted[0].Version,
		RemoteVersion: sorted[len(sorted)-1].Version,
		Detail:        "manual resolution required",
		Resolution:    &Resolution{Strategy: StrategyManual},
	}
	return report, nil, nil
}

// fieldMerge settles concurrent leaves key by key: for every content
// key the value from the leaf with the latest version timestamp wins.
// Scalar fields (name, entity type) come from the overall winner.
type fieldMerge struct {
	mergedBy string
}

func (r *fieldMerge) Strategy() ResolutionStrategy { return StrategyFieldMerge }

func (r *fieldMerge) Resolve(leaves []*EntityVersion, now time.Time) (*ConflictReport, *EntityVersion, error) {
	if len(leaves) < 2 {
		return nil, nil, ErrNoLeaves
	}
	sorted := sortLeaves(leaves)
	winner := sorted[len(sorted)-1]
	content := make(map[string]any)
	for _, leaf := range sorted {
		for k, v := range leaf.Content {
			content[k] = v
		}
	}
	merge := winner.Clone()
	merge.Version = MakeVersion(now, r.mergedBy)
	merge.Content = content
	merge.SourceType = SourceTypeGenerated
	merge.UserID = r.mergedBy
	merge.ParentVersions = leafVersions(sorted)
	merge.CreatedAt = now.UTC()
	report := &ConflictReport{
		EntityID:      winner.ID,
		LocalVersion:  sorted[0].Version,
		RemoteVersion: sorted[len(sorted)-1].Version,
		Resolution: &Resolution{
			Strategy:      StrategyFieldMerge,
			WinnerVersion: winner.Version,
			MergeVersion:  merge.Version,
		},
	}
	return report, merge, nil
}
