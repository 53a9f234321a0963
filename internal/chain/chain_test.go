package chain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"go.uber.org/zap"

	"vouch/api/internal/store"
)

type fakeChainStore struct {
	claims map[string]*store.Claim
}

func newFakeChainStore(claims ...store.Claim) *fakeChainStore {
	f := &fakeChainStore{claims: make(map[string]*store.Claim)}
	for i := range claims {
		c := claims[i]
		f.claims[c.ID] = &c
	}
	return f
}

func (f *fakeChainStore) ordered() []*store.Claim {
	out := make([]*store.Claim, 0, len(f.claims))
	for _, c := range f.claims {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeChainStore) ListUnchainedClaims(_ context.Context, limit int) ([]store.Claim, error) {
	var batch []store.Claim
	for _, c := range f.ordered() {
		if c.GlobalChainHash == nil {
			batch = append(batch, *c)
			if len(batch) == limit {
				break
			}
		}
	}
	return batch, nil
}

func (f *fakeChainStore) LatestChainedClaim(_ context.Context) (*store.Claim, error) {
	ordered := f.ordered()
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].GlobalChainHash != nil {
			return ordered[i], nil
		}
	}
	return nil, nil
}

func (f *fakeChainStore) LatestChainedClaimByIssuer(_ context.Context, issuer string) (*store.Claim, error) {
	ordered := f.ordered()
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].Issuer == issuer && ordered[i].GlobalChainHash != nil {
			return ordered[i], nil
		}
	}
	return nil, nil
}

func (f *fakeChainStore) SetChainHashes(_ context.Context, claimID, globalHash, issuerHash string) error {
	c, ok := f.claims[claimID]
	if !ok {
		return fmt.Errorf("no claim %s", claimID)
	}
	c.GlobalChainHash = &globalHash
	c.IssuerChainHash = &issuerHash
	return nil
}

func claimRow(id, issuer, noncedHash string) store.Claim {
	return store.Claim{ID: id, Issuer: issuer, NoncedHash: noncedHash}
}

func TestRunChainsAllClaimsInOrder(t *testing.T) {
	fake := newFakeChainStore(
		claimRow("01-a", "did:vouch:x", "hash-a"),
		claimRow("02-b", "did:vouch:y", "hash-b"),
		claimRow("03-c", "did:vouch:x", "hash-c"),
	)
	builder := New(fake, zap.NewNop())

	n, err := builder.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 links, got %d", n)
	}

	wantGlobal := link(link(link("", "hash-a"), "hash-b"), "hash-c")
	got := fake.claims["03-c"].GlobalChainHash
	if got == nil || *got != wantGlobal {
		t.Errorf("expected global chain %s, got %v", wantGlobal, got)
	}

	// x's issuer chain covers only x's claims
	wantIssuer := link(link("", "hash-a"), "hash-c")
	gotIssuer := fake.claims["03-c"].IssuerChainHash
	if gotIssuer == nil || *gotIssuer != wantIssuer {
		t.Errorf("expected issuer chain %s, got %v", wantIssuer, gotIssuer)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	build := func() map[string]string {
		fake := newFakeChainStore(
			claimRow("01-a", "did:vouch:x", "hash-a"),
			claimRow("02-b", "did:vouch:y", "hash-b"),
		)
		if _, err := New(fake, zap.NewNop()).Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		out := make(map[string]string)
		for id, c := range fake.claims {
			out[id] = *c.GlobalChainHash + "/" + *c.IssuerChainHash
		}
		return out
	}

	first, second := build(), build()
	for id, value := range first {
		if second[id] != value {
			t.Errorf("claim %s: %s vs %s", id, value, second[id])
		}
	}
}

func TestRerunOnlyAdvancesRemainingClaims(t *testing.T) {
	fake := newFakeChainStore(
		claimRow("01-a", "did:vouch:x", "hash-a"),
		claimRow("02-b", "did:vouch:x", "hash-b"),
	)
	builder := New(fake, zap.NewNop())

	if _, err := builder.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	written := *fake.claims["02-b"].GlobalChainHash

	late := claimRow("03-c", "did:vouch:x", "hash-c")
	fake.claims[late.ID] = &late

	n, err := builder.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 new link, got %d", n)
	}
	if *fake.claims["02-b"].GlobalChainHash != written {
		t.Error("an already-written link changed on re-run")
	}
	wantIssuer := link(link(link("", "hash-a"), "hash-b"), "hash-c")
	if *fake.claims["03-c"].IssuerChainHash != wantIssuer {
		t.Error("issuer chain did not continue from the prior run")
	}
}

func TestMissingPredecessorIsFatal(t *testing.T) {
	broken := claimRow("01-a", "did:vouch:x", "hash-a")
	global := "g"
	broken.GlobalChainHash = &global // chained, but no issuer value

	fake := newFakeChainStore(claimRow("02-b", "did:vouch:x", "hash-b"))
	fake.claims[broken.ID] = &broken

	_, err := New(fake, zap.NewNop()).Run(context.Background())
	if err == nil {
		t.Fatal("expected a fatal out-of-order error")
	}
	if !strings.Contains(err.Error(), "issuer-chain value") {
		t.Errorf("unexpected error: %v", err)
	}
	if fake.claims["02-b"].GlobalChainHash != nil {
		t.Error("a link was written after the fatal error")
	}
}
