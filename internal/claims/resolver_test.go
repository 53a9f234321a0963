package claims

import (
	"strings"
	"testing"
)

func TestCollectRefsFindsNestedClauses(t *testing.T) {
	env := newTestEnv()

	body := map[string]any{
		"@type":    "GiveAction",
		"fulfills": map[string]any{"@type": "Offer", "identifier": "vouch:lid:offer-1"},
		"object": map[string]any{
			"partOf": map[string]any{"lastClaimId": "claim-9", "@type": "PlanAction"},
		},
		"agent": map[string]any{"identifier": didX},
	}
	refs := env.service.collectRefs(body)
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %d: %+v", len(refs), refs)
	}
	byIdent := map[string]claimRef{}
	for _, r := range refs {
		byIdent[r.Identifier+r.LastClaimID] = r
	}
	if r, ok := byIdent["vouch:lid:offer-1"]; !ok || r.DeclaredType != "Offer" {
		t.Errorf("missing or wrong handle ref: %+v", refs)
	}
	if r, ok := byIdent["claim-9"]; !ok || r.DeclaredType != "PlanAction" {
		t.Errorf("missing or wrong claim-id ref: %+v", refs)
	}
}

func TestCollectRefsSkipsBareDIDs(t *testing.T) {
	env := newTestEnv()

	body := map[string]any{
		"@type": "GiveAction",
		"agent": map[string]any{"identifier": didX},
	}
	if refs := env.service.collectRefs(body); len(refs) != 0 {
		t.Errorf("a DID identifier is not a claim reference: %+v", refs)
	}
}

func TestResolveRefsReportsMissingClaim(t *testing.T) {
	env := newTestEnv()

	body := map[string]any{
		"fulfills": map[string]any{"lastClaimId": "claim-nope"},
	}
	_, notFound, mismatched, err := env.service.resolveRefs(t.Context(), body)
	if err != nil {
		t.Fatalf("resolveRefs errored: %v", err)
	}
	if len(notFound) != 1 || !strings.Contains(notFound[0], "claim-nope") {
		t.Errorf("expected a missing-claim problem, got %v", notFound)
	}
	if len(mismatched) != 0 {
		t.Errorf("unexpected mismatches: %v", mismatched)
	}
}

func TestResolveRefsReportsMissingHandle(t *testing.T) {
	env := newTestEnv()

	body := map[string]any{
		"fulfills": map[string]any{"identifier": "vouch:lid:ghost"},
	}
	_, notFound, _, err := env.service.resolveRefs(t.Context(), body)
	if err != nil {
		t.Fatalf("resolveRefs errored: %v", err)
	}
	if len(notFound) != 1 || !strings.Contains(notFound[0], "vouch:lid:ghost") {
		t.Errorf("expected a missing-handle problem, got %v", notFound)
	}
}

func TestResolveRefsReportsHandleMismatch(t *testing.T) {
	env := newTestEnv()
	env.register(didX)

	plan, err := env.submit(didX, planBody("garden"))
	if err != nil {
		t.Fatalf("plan submit failed: %v", err)
	}

	body := map[string]any{
		"fulfills": map[string]any{
			"lastClaimId": plan.ClaimID,
			"identifier":  "vouch:lid:some-other-handle",
		},
	}
	_, notFound, mismatched, err := env.service.resolveRefs(t.Context(), body)
	if err != nil {
		t.Fatalf("resolveRefs errored: %v", err)
	}
	if len(mismatched) != 1 || !strings.Contains(mismatched[0], plan.HandleID) {
		t.Errorf("expected a handle-mismatch problem naming %s, got %v", plan.HandleID, mismatched)
	}
	if len(notFound) != 0 {
		t.Errorf("unexpected not-found problems: %v", notFound)
	}
}

func TestResolveRefsReportsTypeMismatch(t *testing.T) {
	env := newTestEnv()
	env.register(didX)

	plan, err := env.submit(didX, planBody("garden"))
	if err != nil {
		t.Fatalf("plan submit failed: %v", err)
	}

	body := map[string]any{
		"fulfills": map[string]any{"@type": "Offer", "identifier": plan.HandleID},
	}
	_, _, mismatched, err := env.service.resolveRefs(t.Context(), body)
	if err != nil {
		t.Fatalf("resolveRefs errored: %v", err)
	}
	if len(mismatched) != 1 || !strings.Contains(mismatched[0], "Offer") {
		t.Errorf("expected a declared-type problem, got %v", mismatched)
	}
}

func TestResolveRefsSkipsExternalURIs(t *testing.T) {
	env := newTestEnv()

	body := map[string]any{
		"fulfills": map[string]any{"identifier": "https://elsewhere.example/claims/77"},
	}
	resolved, notFound, mismatched, err := env.service.resolveRefs(t.Context(), body)
	if err != nil {
		t.Fatalf("resolveRefs errored: %v", err)
	}
	if len(notFound) != 0 || len(mismatched) != 0 {
		t.Errorf("an external URI is not a problem: %v %v", notFound, mismatched)
	}
	if got := resolved.lookup(map[string]any{"identifier": "https://elsewhere.example/claims/77"}); got != nil {
		t.Errorf("nothing local should resolve for an external URI, got %+v", got)
	}
}

func TestResolveRefsLoadsLatestClaimForHandle(t *testing.T) {
	env := newTestEnv()
	env.register(didX)

	first, err := env.submit(didX, planBody("garden"))
	if err != nil {
		t.Fatalf("plan submit failed: %v", err)
	}
	edit := planBody("garden, revised")
	edit["lastClaimId"] = first.ClaimID
	second, err := env.submit(didX, edit)
	if err != nil {
		t.Fatalf("plan edit failed: %v", err)
	}

	body := map[string]any{
		"fulfills": map[string]any{"@type": "PlanAction", "identifier": first.HandleID},
	}
	resolved, notFound, mismatched, err := env.service.resolveRefs(t.Context(), body)
	if err != nil {
		t.Fatalf("resolveRefs errored: %v", err)
	}
	if len(notFound) != 0 || len(mismatched) != 0 {
		t.Fatalf("unexpected problems: %v %v", notFound, mismatched)
	}
	got := resolved.lookupHandle(first.HandleID)
	if got == nil || got.ID != second.ClaimID {
		t.Errorf("expected the handle to resolve to the latest claim %s, got %+v", second.ClaimID, got)
	}
}
