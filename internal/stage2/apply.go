package stage2

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/claims"
	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
)

// ErrUnsafeMerge means a MERGE_INTO target is not a same-type claim of the
// seed's pack, belongs to another document, is rejected or leads back to the
// seed. Such decisions are audited but not applied.
var ErrUnsafeMerge = errors.New("merge target is not usable")

// Plan turns a decision into ledger changes. DEFER yields no changes.
// Supersede edges always point at the end of the canonical's chain, so the
// supersede graph stays a forest whose roots are ACCEPTED.
func Plan(ctx context.Context, st store.Store, d *Decision, pack *Pack) ([]store.ReviewChange, error) {
	seedID := int64(d.SeedClaimID)
	record := map[string]any{"decision": decisionRecord(d)}

	switch d.Decision.Kind {
	case KindDefer:
		return nil, nil

	case KindReject:
		return []store.ReviewChange{{ClaimID: seedID, Status: store.ReviewRejected, Stage2Patch: record}}, nil

	case KindSplit:
		return []store.ReviewChange{{ClaimID: seedID, AppendConflict: conflictRecord(d)}}, nil

	case KindAccept:
		patch := d.Normalization.Patch()
		patch["decision"] = record["decision"]
		if d.PassKind == claims.TypeAction {
			patch["action_endpoints"] = actionEndpoints(ctx, st, d, pack)
		}
		return []store.ReviewChange{{ClaimID: seedID, Status: store.ReviewAccepted, Stage2Patch: patch}}, nil

	case KindMerge:
		target, err := mergeTarget(ctx, st, seedID, int64(d.Decision.CanonicalClaimID), d.PassKind, pack)
		if err != nil {
			return nil, err
		}
		patch := d.Normalization.Patch()
		if d.PassKind == claims.TypeAction {
			patch["action_endpoints"] = actionEndpoints(ctx, st, d, pack)
		}
		return []store.ReviewChange{
			{ClaimID: seedID, Status: store.ReviewSuperseded, SupersededBy: &target, Stage2Patch: record},
			{ClaimID: target, Status: store.ReviewAccepted, Stage2Patch: patch},
		}, nil
	}
	return nil, fmt.Errorf("unknown decision kind %q", d.Decision.Kind)
}

// mergeTarget resolves the canonical to the end of its supersede chain and
// checks that merging seedID into it keeps the graph acyclic. The canonical
// must be the pack's closest canonical or one of its same-type neighbors.
func mergeTarget(ctx context.Context, st store.Store, seedID, canonicalID int64, pass claims.ClaimType, pack *Pack) (int64, error) {
	if canonicalID == seedID {
		return 0, fmt.Errorf("%w: claim %d cannot merge into itself", ErrUnsafeMerge, seedID)
	}
	if !pack.offersCanonical(canonicalID) {
		return 0, fmt.Errorf("%w: canonical %d is not in the context pack", ErrUnsafeMerge, canonicalID)
	}
	seed, err := st.GetClaim(ctx, seedID)
	if err != nil {
		return 0, err
	}
	target, err := st.ResolveCanonicalID(ctx, canonicalID)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrSupersedeCycle):
		return 0, fmt.Errorf("%w: canonical %d: %v", ErrUnsafeMerge, canonicalID, err)
	case err != nil:
		return 0, err
	}
	if target == seedID {
		return 0, fmt.Errorf("%w: canonical %d resolves back to seed %d", ErrUnsafeMerge, canonicalID, seedID)
	}
	c, err := st.GetClaim(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: canonical %d: %v", ErrUnsafeMerge, target, err)
	}
	if err != nil {
		return 0, err
	}
	if c.DocumentID != seed.DocumentID {
		return 0, fmt.Errorf("%w: canonical %d belongs to document %q", ErrUnsafeMerge, target, c.DocumentID)
	}
	if c.ClaimType != string(pass) {
		return 0, fmt.Errorf("%w: canonical %d is %s, not %s", ErrUnsafeMerge, target, c.ClaimType, pass)
	}
	if c.ReviewStatus == store.ReviewRejected {
		return 0, fmt.Errorf("%w: canonical %d is rejected", ErrUnsafeMerge, target)
	}
	return target, nil
}

// actionEndpoints links an ACTION to canonical actor and object claims.
// Ids proposed by the model are used only when they name a cross-type block
// of the pack; otherwise the blocks whose name matches the seed's actor or
// object are used.
func actionEndpoints(ctx context.Context, st store.Store, d *Decision, pack *Pack) map[string]any {
	var actor, object int64
	if pack != nil {
		if id := int64(d.Attachments.ActionEndpoints.ActorClaimID); pack.hasCrossType(claims.TypeActor, id) {
			actor = id
		}
		if id := int64(d.Attachments.ActionEndpoints.ObjectClaimID); pack.hasCrossType(claims.TypeObject, id) {
			object = id
		}
		if actor == 0 {
			actor = matchEndpoint(pack, claims.TypeActor, fieldValue(pack.Seed, "actor"))
		}
		if object == 0 {
			object = matchEndpoint(pack, claims.TypeObject, fieldValue(pack.Seed, "object"))
		}
	}
	return map[string]any{
		"actor_claim_id":  canonicalOrNil(ctx, st, actor),
		"object_claim_id": canonicalOrNil(ctx, st, object),
	}
}

func matchEndpoint(pack *Pack, t claims.ClaimType, name string) int64 {
	want := foldName(name)
	if want == "" {
		return 0
	}
	for _, blk := range pack.CrossType[t] {
		if foldName(fieldValue(blk, "name")) == want {
			return blk.ClaimID
		}
	}
	return 0
}

func canonicalOrNil(ctx context.Context, st store.Store, id int64) any {
	if id == 0 {
		return nil
	}
	if canonical, err := st.ResolveCanonicalID(ctx, id); err == nil {
		return canonical
	}
	return id
}

func fieldValue(b Block, key string) string {
	for _, f := range b.Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

func foldName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func decisionRecord(d *Decision) map[string]any {
	rec := map[string]any{
		"kind":          string(d.Decision.Kind),
		"pass_kind":     string(d.PassKind),
		"rationale":     d.Decision.Rationale,
		"evidence_refs": d.Decision.EvidenceRefs,
	}
	if d.Decision.Confidence != nil {
		rec["confidence"] = *d.Decision.Confidence
	}
	if d.Decision.CanonicalClaimID != 0 {
		rec["canonical_claim_id"] = int64(d.Decision.CanonicalClaimID)
	}
	return rec
}

func conflictRecord(d *Decision) map[string]any {
	rec := map[string]any{
		"pass_kind": string(d.PassKind),
		"rationale": d.Decision.Rationale,
		"members":   d.Conflict.Members,
	}
	if d.Conflict.GroupLabel != nil {
		rec["group_label"] = *d.Conflict.GroupLabel
	}
	if d.Decision.Confidence != nil {
		rec["confidence"] = *d.Decision.Confidence
	}
	return rec
}
