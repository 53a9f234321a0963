package redact

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"vouch/api/internal/store"
)

type fakeOracle struct {
	// visible maps requester -> what they can see
	visible map[string][]string
	// seers maps target -> who can see it
	seers map[string][]string
}

func (f *fakeOracle) AllVisibleTo(_ context.Context, subject string) ([]string, error) {
	out := append([]string{subject}, f.visible[subject]...)
	return out, nil
}

func (f *fakeOracle) WhoCanSee(_ context.Context, target string) ([]string, error) {
	return f.seers[target], nil
}

const (
	issuerA    = "did:vouch:aaa"
	subjectB   = "did:vouch:bbb"
	requesterC = "did:vouch:ccc"
	friendD    = "did:vouch:ddd"
)

func sampleClaim(body string) store.Claim {
	return store.Claim{
		ID:        "claim_1",
		Issuer:    issuerA,
		Subject:   subjectB,
		IssuedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Context:   "https://schema.org",
		ClaimType: "GiveAction",
		ClaimBody: body,
		HandleID:  "vouch:lid:claim_1",
		HashNonce: "secret-nonce",
	}
}

func TestStrangerSeesSentinels(t *testing.T) {
	engine := New(&fakeOracle{visible: map[string][]string{}, seers: map[string][]string{}})
	c := sampleClaim(`{"@type":"GiveAction","agent":{"identifier":"` + issuerA + `"},"recipient":{"identifier":"` + subjectB + `"}}`)

	item, err := engine.Claim(context.Background(), requesterC, c)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if item["issuer"] != HiddenDID {
		t.Errorf("expected issuer hidden, got %v", item["issuer"])
	}
	if item["subject"] != HiddenDID {
		t.Errorf("expected subject hidden, got %v", item["subject"])
	}
	if _, ok := item["hashNonce"]; ok {
		t.Error("expected the disclosure nonce to be stripped")
	}

	body := item["claim"].(map[string]any)
	agent := body["agent"].(map[string]any)
	if agent["identifier"] != HiddenDID {
		t.Errorf("expected agent identifier hidden, got %v", agent["identifier"])
	}
	// nobody the requester can see can see the hidden identities
	if _, ok := agent["identifier"+AnnotationSuffix]; ok {
		t.Error("expected no visibility annotation when no reachable viewer exists")
	}
}

func TestGrantedVisibilityReveals(t *testing.T) {
	engine := New(&fakeOracle{
		visible: map[string][]string{requesterC: {subjectB}},
		seers:   map[string][]string{},
	})
	c := sampleClaim(`{"@type":"GiveAction","recipient":{"identifier":"` + subjectB + `"}}`)

	item, err := engine.Claim(context.Background(), requesterC, c)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	body := item["claim"].(map[string]any)
	recipient := body["recipient"].(map[string]any)
	if recipient["identifier"] != subjectB {
		t.Errorf("expected %s revealed, got %v", subjectB, recipient["identifier"])
	}
	if item["issuer"] != HiddenDID {
		t.Error("expected the issuer to stay hidden")
	}
}

func TestAnnotationNamesReachableViewers(t *testing.T) {
	engine := New(&fakeOracle{
		visible: map[string][]string{requesterC: {friendD}},
		seers:   map[string][]string{subjectB: {friendD, issuerA}},
	})
	c := sampleClaim(`{"@type":"GiveAction","recipient":{"identifier":"` + subjectB + `"}}`)

	item, err := engine.Claim(context.Background(), requesterC, c)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	recipient := item["claim"].(map[string]any)["recipient"].(map[string]any)
	got, ok := recipient["identifier"+AnnotationSuffix]
	if !ok {
		t.Fatal("expected a visibility annotation")
	}
	if !reflect.DeepEqual(got, []any{friendD}) {
		t.Errorf("expected [%s], got %v", friendD, got)
	}
}

func TestTopLevelSentinelsCarryAnnotations(t *testing.T) {
	engine := New(&fakeOracle{
		visible: map[string][]string{requesterC: {friendD}},
		seers:   map[string][]string{issuerA: {friendD}, subjectB: {friendD, issuerA}},
	})
	c := sampleClaim(`{"@type":"GiveAction","description":"shell beads"}`)

	item, err := engine.Claim(context.Background(), requesterC, c)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if item["issuer"] != HiddenDID || item["subject"] != HiddenDID {
		t.Fatalf("expected both parties hidden, got issuer=%v subject=%v", item["issuer"], item["subject"])
	}
	if got := item["issuer"+AnnotationSuffix]; !reflect.DeepEqual(got, []any{friendD}) {
		t.Errorf("expected issuer annotation [%s], got %v", friendD, got)
	}
	// issuerA sees subjectB but is not reachable by the requester
	if got := item["subject"+AnnotationSuffix]; !reflect.DeepEqual(got, []any{friendD}) {
		t.Errorf("expected subject annotation [%s], got %v", friendD, got)
	}
}

func TestIssuerAndParticipantGetFullDisclosure(t *testing.T) {
	engine := New(&fakeOracle{visible: map[string][]string{}, seers: map[string][]string{}})
	c := sampleClaim(`{"@type":"GiveAction","recipient":{"identifier":"` + subjectB + `"}}`)

	for _, requester := range []string{issuerA, subjectB} {
		item, err := engine.Claim(context.Background(), requester, c)
		if err != nil {
			t.Fatalf("Claim failed for %s: %v", requester, err)
		}
		if item["issuer"] != issuerA {
			t.Errorf("requester %s: expected full issuer, got %v", requester, item["issuer"])
		}
		if item["hashNonce"] != "secret-nonce" {
			t.Errorf("requester %s: expected the nonce disclosed", requester)
		}
	}
}

func TestDIDObjectKeysGetPositionalSentinels(t *testing.T) {
	engine := New(&fakeOracle{visible: map[string][]string{}, seers: map[string][]string{}})
	c := sampleClaim(`{"@type":"GiveAction","shares":{"` + subjectB + `":2,"` + friendD + `":3}}`)

	item, err := engine.Claim(context.Background(), requesterC, c)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	shares := item["claim"].(map[string]any)["shares"].(map[string]any)
	if len(shares) != 2 {
		t.Fatalf("expected two entries, got %v", shares)
	}
	for key := range shares {
		if !strings.HasPrefix(key, HiddenDID+"_") {
			t.Errorf("expected a positional sentinel key, got %q", key)
		}
	}
}

func TestSearchTermOracleProtection(t *testing.T) {
	engine := New(&fakeOracle{visible: map[string][]string{}, seers: map[string][]string{}})
	hidden := sampleClaim(`{"@type":"GiveAction","recipient":{"identifier":"` + subjectB + `"}}`)
	plain := sampleClaim(`{"@type":"GiveAction","description":"bbb shells for the garden"}`)

	out, err := engine.Claims(context.Background(), requesterC, []store.Claim{hidden, plain}, []string{"bbb"})
	if err != nil {
		t.Fatalf("Claims failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected the redacted match to be dropped, got %d items", len(out))
	}
	if desc, _ := out[0]["claim"].(map[string]any)["description"].(string); !strings.Contains(desc, "bbb") {
		t.Errorf("expected the surviving item to carry the term, got %v", out[0])
	}
}

func TestDIDFilterTermDropsHiddenParty(t *testing.T) {
	engine := New(&fakeOracle{visible: map[string][]string{}, seers: map[string][]string{}})
	c := sampleClaim(`{"@type":"GiveAction","description":"firewood"}`)

	// listing by a hidden issuer's DID must not reveal that their claims exist
	out, err := engine.Claims(context.Background(), requesterC, []store.Claim{c}, []string{issuerA})
	if err != nil {
		t.Fatalf("Claims failed: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected the hidden issuer's claim dropped, got %d items", len(out))
	}

	// the issuer themselves still sees it
	out, err = engine.Claims(context.Background(), issuerA, []store.Claim{c}, []string{issuerA})
	if err != nil {
		t.Fatalf("Claims failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected the issuer to see their own claim, got %d items", len(out))
	}
}

func TestPublicURLsSurviveRedaction(t *testing.T) {
	engine := New(&fakeOracle{visible: map[string][]string{}, seers: map[string][]string{}})
	c := sampleClaim(`{"@type":"GiveAction","agent":{"identifier":"` + subjectB + `","publicUrl":"https://example.org/b"}}`)

	item, err := engine.Claim(context.Background(), requesterC, c)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	urls, ok := item["publicUrls"].(map[string]any)
	if !ok {
		t.Fatal("expected a publicUrls map")
	}
	if urls[subjectB] != "https://example.org/b" {
		t.Errorf("expected the public url kept, got %v", urls)
	}
}
