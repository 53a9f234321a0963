package claims

import (
	"context"
	"fmt"
	"strings"

	"vouch/api/internal/jtree"
	"vouch/api/internal/store"
)

// claimRef is one inline clause referencing another claim, either by the
// prior claim's id or by a persistent handle, with any declared type.
type claimRef struct {
	LastClaimID  string
	Identifier   string
	DeclaredType string
}

// resolvedRefs caches the claims the resolver loaded, so dispatch handlers
// can follow fulfillment links without re-querying the store.
type resolvedRefs struct {
	byClaimID map[string]*store.Claim
	byHandle  map[string]*store.Claim
}

func newResolvedRefs() *resolvedRefs {
	return &resolvedRefs{
		byClaimID: make(map[string]*store.Claim),
		byHandle:  make(map[string]*store.Claim),
	}
}

// lookup finds the resolved claim for a clause, preferring its lastClaimId.
func (r *resolvedRefs) lookup(clause map[string]any) *store.Claim {
	if clause == nil {
		return nil
	}
	if id, ok := jtree.String(clause["lastClaimId"]); ok && id != "" {
		if c := r.byClaimID[id]; c != nil {
			return c
		}
	}
	if handle, ok := jtree.String(clause["identifier"]); ok && handle != "" {
		if c := r.byHandle[handle]; c != nil {
			return c
		}
	}
	return nil
}

func (r *resolvedRefs) lookupHandle(handle string) *store.Claim {
	return r.byHandle[handle]
}

// isLocalHandle reports whether an identifier is one of this ledger's
// persistent handles (as opposed to an external URI or a DID).
func (s *Service) isLocalHandle(identifier string) bool {
	return strings.HasPrefix(identifier, s.cfg.HandlePrefix)
}

// isExternalHandle accepts well-formed absolute non-local URIs as handles
// that live outside this ledger.
func (s *Service) isExternalHandle(identifier string) bool {
	if s.isLocalHandle(identifier) || IsDID(identifier) {
		return false
	}
	scheme, rest, found := strings.Cut(identifier, ":")
	return found && scheme != "" && rest != ""
}

// collectRefs walks a claim body and gathers every clause that points at
// another claim. A clause qualifies when it carries a lastClaimId or a
// handle-style identifier (not a bare DID).
func (s *Service) collectRefs(body jtree.Value) []claimRef {
	var refs []claimRef
	jtree.Walk(body, func(v jtree.Value) {
		obj := jtree.Object(v)
		if obj == nil {
			return
		}
		var ref claimRef
		if id, ok := jtree.String(obj["lastClaimId"]); ok && id != "" {
			ref.LastClaimID = id
		}
		if ident, ok := jtree.String(obj["identifier"]); ok && ident != "" && !IsDID(ident) {
			ref.Identifier = ident
		}
		if ref.LastClaimID == "" && ref.Identifier == "" {
			return
		}
		if declared, ok := jtree.String(obj["@type"]); ok {
			ref.DeclaredType = declared
		}
		refs = append(refs, ref)
	})
	return refs
}

// resolveRefs loads every referenced claim and reports inconsistencies,
// split into references that could not be found and references that
// resolved to something other than what the clause declares. Any
// inconsistency aborts intake before a single write happens; store
// failures propagate as plain errors.
func (s *Service) resolveRefs(ctx context.Context, body jtree.Value) (resolved *resolvedRefs, notFound, mismatched []string, err error) {
	resolved = newResolvedRefs()

	for _, ref := range s.collectRefs(body) {
		var claim *store.Claim

		switch {
		case ref.LastClaimID != "":
			claim, err = s.store.GetClaimByID(ctx, ref.LastClaimID)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("resolve claim ref %s: %w", ref.LastClaimID, err)
			}
			if claim == nil {
				notFound = append(notFound, fmt.Sprintf("referenced claim %s not found", ref.LastClaimID))
				continue
			}
			if ref.Identifier != "" && claim.HandleID != ref.Identifier {
				mismatched = append(mismatched, fmt.Sprintf(
					"claim %s belongs to handle %s, not the supplied %s",
					ref.LastClaimID, claim.HandleID, ref.Identifier))
				continue
			}
		case s.isLocalHandle(ref.Identifier):
			claim, err = s.store.GetLatestClaimByHandle(ctx, ref.Identifier)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("resolve handle ref %s: %w", ref.Identifier, err)
			}
			if claim == nil {
				notFound = append(notFound, fmt.Sprintf("handle %s not found", ref.Identifier))
				continue
			}
		default:
			// external URI handle; nothing local to load or to check
			continue
		}

		if ref.DeclaredType != "" && claim.ClaimType != ref.DeclaredType {
			mismatched = append(mismatched, fmt.Sprintf(
				"reference declares type %s but claim %s is %s",
				ref.DeclaredType, claim.ID, claim.ClaimType))
			continue
		}

		resolved.byClaimID[claim.ID] = claim
		resolved.byHandle[claim.HandleID] = claim
	}

	return resolved, notFound, mismatched, nil
}
