// Package redact transforms query results into a requester-appropriate
// view, hiding every identity the requester may not see.
package redact

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"vouch/api/internal/claims"
	"vouch/api/internal/jtree"
	"vouch/api/internal/store"
)

// HiddenDID replaces every identity string the requester may not see.
const HiddenDID = "did:none:HIDDEN"

// AnnotationSuffix marks sibling fields listing who, among the identities
// the requester can reach, can see a hidden value.
const AnnotationSuffix = "VisibleToDids"

// oracle is the slice of the visibility graph the engine consumes.
type oracle interface {
	AllVisibleTo(ctx context.Context, subject string) ([]string, error)
	WhoCanSee(ctx context.Context, target string) ([]string, error)
}

type Engine struct {
	graph oracle
}

func New(graph oracle) *Engine {
	return &Engine{graph: graph}
}

// Claim renders one stored claim for a requester. The issuer and anyone
// named inside the claim see it in full, nonce included; everyone else
// gets the redacted view with the disclosure nonce stripped.
func (e *Engine) Claim(ctx context.Context, requester string, c store.Claim) (map[string]any, error) {
	body, err := jtree.DecodeString(c.ClaimBody)
	if err != nil {
		return nil, fmt.Errorf("decode claim body: %w", err)
	}

	item := map[string]any{
		"id":        c.ID,
		"issuedAt":  c.IssuedAt.UTC().Format(time.RFC3339),
		"context":   c.Context,
		"claimType": c.ClaimType,
		"handleId":  c.HandleID,
	}
	if c.LastClaimID != nil {
		item["lastClaimId"] = *c.LastClaimID
	}
	if c.GlobalChainHash != nil {
		item["globalChainHash"] = *c.GlobalChainHash
	}
	if c.IssuerChainHash != nil {
		item["issuerChainHash"] = *c.IssuerChainHash
	}

	if e.fullDisclosure(requester, c, body) {
		item["issuer"] = c.Issuer
		item["subject"] = c.Subject
		item["claim"] = body
		item["hashNonce"] = c.HashNonce
		return item, nil
	}

	r, err := e.newRedactor(ctx, requester)
	if err != nil {
		return nil, err
	}
	redactedBody, _ := r.value(body)
	item["claim"] = redactedBody
	for field, did := range map[string]string{"issuer": c.Issuer, "subject": c.Subject} {
		item[field] = r.redactDID(did)
		if item[field] == HiddenDID && did != HiddenDID {
			if viewers := r.reachableViewers([]string{did}); len(viewers) > 0 {
				item[field+AnnotationSuffix] = viewers
			}
		}
	}
	if urls := publicURLs(body); len(urls) > 0 {
		item["publicUrls"] = urls
	}
	return item, nil
}

// Claims renders a page of claims, dropping any item whose redacted form
// no longer contains every search term that produced it. Without the drop
// a known identity substring could be used as an oracle for hidden
// records.
func (e *Engine) Claims(ctx context.Context, requester string, items []store.Claim, searchTerms []string) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(items))
	for _, c := range items {
		rendered, err := e.Claim(ctx, requester, c)
		if err != nil {
			return nil, err
		}
		if len(searchTerms) > 0 && !containsAllTerms(rendered, searchTerms) {
			continue
		}
		out = append(out, rendered)
	}
	return out, nil
}

// fullDisclosure reports whether the requester is the issuer or is named
// anywhere inside the claim.
func (e *Engine) fullDisclosure(requester string, c store.Claim, body jtree.Value) bool {
	if requester == "" {
		return false
	}
	if requester == c.Issuer {
		return true
	}
	for _, did := range jtree.GatherStrings(body, claims.IsDID) {
		if did == requester {
			return true
		}
	}
	return false
}

type redactor struct {
	ctx     context.Context
	graph   oracle
	visible map[string]struct{}
}

func (e *Engine) newRedactor(ctx context.Context, requester string) (*redactor, error) {
	visible := make(map[string]struct{})
	if requester != "" {
		dids, err := e.graph.AllVisibleTo(ctx, requester)
		if err != nil {
			return nil, err
		}
		for _, did := range dids {
			visible[did] = struct{}{}
		}
	} else {
		dids, err := e.graph.AllVisibleTo(ctx, store.GlobalVisibleDID)
		if err != nil {
			return nil, err
		}
		for _, did := range dids {
			visible[did] = struct{}{}
		}
	}
	return &redactor{ctx: ctx, graph: e.graph, visible: visible}, nil
}

func (r *redactor) canSee(did string) bool {
	_, ok := r.visible[did]
	return ok
}

func (r *redactor) redactDID(s string) string {
	if claims.IsDID(s) && !r.canSee(s) {
		return HiddenDID
	}
	return s
}

// value redacts recursively and reports the identities hidden directly at
// this level, so the caller can attach a visibility annotation.
func (r *redactor) value(v jtree.Value) (jtree.Value, []string) {
	switch t := v.(type) {
	case map[string]any:
		return r.object(t), nil
	case []any:
		out := make([]any, len(t))
		var hidden []string
		for i, item := range t {
			redacted, itemHidden := r.value(item)
			out[i] = redacted
			hidden = append(hidden, itemHidden...)
		}
		return out, hidden
	case string:
		if claims.IsDID(t) && !r.canSee(t) {
			return HiddenDID, []string{t}
		}
		return t, nil
	default:
		return v, nil
	}
}

func (r *redactor) object(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	hiddenKeys := 0
	for _, key := range keys {
		newKey := key
		// an identity used as a key is never safe to leave in place
		if claims.IsDID(key) && !r.canSee(key) {
			hiddenKeys++
			newKey = fmt.Sprintf("%s_%d", HiddenDID, hiddenKeys)
		}
		redacted, hidden := r.value(obj[key])
		out[newKey] = redacted
		if len(hidden) > 0 {
			if viewers := r.reachableViewers(hidden); len(viewers) > 0 {
				out[newKey+AnnotationSuffix] = viewers
			}
		}
	}
	return out
}

// reachableViewers lists identities the requester can see that can in turn
// see one of the hidden identities.
func (r *redactor) reachableViewers(hidden []string) []any {
	seen := make(map[string]struct{})
	for _, did := range hidden {
		subjects, err := r.graph.WhoCanSee(r.ctx, did)
		if err != nil {
			continue
		}
		for _, subject := range subjects {
			if r.canSee(subject) {
				seen[subject] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	viewers := make([]string, 0, len(seen))
	for did := range seen {
		viewers = append(viewers, did)
	}
	sort.Strings(viewers)
	out := make([]any, len(viewers))
	for i, did := range viewers {
		out[i] = did
	}
	return out
}

// publicURLs maps every identity in the unredacted structure that carries
// a publicUrl to that URL. Public URLs are public regardless of identity
// visibility.
func publicURLs(body jtree.Value) map[string]any {
	urls := make(map[string]any)
	jtree.Walk(body, func(v jtree.Value) {
		obj := jtree.Object(v)
		if obj == nil {
			return
		}
		did, _ := jtree.String(obj["identifier"])
		url, _ := jtree.String(obj["publicUrl"])
		if claims.IsDID(did) && url != "" {
			urls[did] = url
		}
	})
	if len(urls) == 0 {
		return nil
	}
	return urls
}

// containsAllTerms checks the serialized redacted item for every literal
// search term, case-insensitively.
func containsAllTerms(item map[string]any, terms []string) bool {
	serialized, err := jtree.Encode(item)
	if err != nil {
		return false
	}
	lowered := strings.ToLower(string(serialized))
	for _, term := range terms {
		if term == "" {
			continue
		}
		if !strings.Contains(lowered, strings.ToLower(term)) {
			return false
		}
	}
	return true
}
