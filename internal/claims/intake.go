package claims

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"vouch/api/internal/envelope"
	"vouch/api/internal/jtree"
	"vouch/api/internal/metrics"
	"vouch/api/internal/store"
	"vouch/api/internal/util"
)

// SubmitClaim runs the full intake pipeline: verify the envelope, enforce
// rate limits, resolve references, settle edit-vs-create, persist, and
// dispatch the type-specific projection. Nothing is written before every
// pre-persistence check has passed; once the claim row is durable, dispatch
// failures surface as embedded errors instead of failing the request.
func (s *Service) SubmitClaim(ctx context.Context, encoded, authDID string) (IntakeResult, error) {
	result, err := s.submitClaim(ctx, encoded, authDID)
	if err != nil {
		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			metrics.ClaimRejections.WithLabelValues(clientErr.Code).Inc()
		}
	}
	return result, err
}

func (s *Service) submitClaim(ctx context.Context, encoded, authDID string) (IntakeResult, error) {
	verified, err := s.verifier.Verify(ctx, encoded)
	if err != nil {
		if errors.Is(err, envelope.ErrUnsupportedDIDMethod) {
			return IntakeResult{}, clientError(http.StatusBadRequest, CodeUnsupportedDIDMethod, err.Error(), nil)
		}
		return IntakeResult{}, clientError(http.StatusBadRequest, CodeJWTVerifyFailed, err.Error(), nil)
	}
	issuer := verified.Issuer

	rawBody, ok := verified.Payload["claim"].(map[string]any)
	if !ok || len(rawBody) == 0 {
		return IntakeResult{}, clientError(http.StatusBadRequest, CodeMissingClaim, "the payload carries no claim", nil)
	}
	body := jtree.Clone(rawBody)

	claimContext, _ := jtree.String(jtree.Object(body)["@context"])
	claimType, _ := jtree.String(jtree.Object(body)["@type"])
	kind := KindOf(claimContext, claimType)

	redemption, err := s.checkAuthority(ctx, authDID, issuer, kind, jtree.Object(body))
	if err != nil {
		return IntakeResult{}, err
	}

	now := s.now()
	if err := s.checkRateLimits(ctx, issuer, kind, redemption, now); err != nil {
		return IntakeResult{}, err
	}
	if kind == KindRegister {
		if err := s.checkInvite(ctx, jtree.Object(body), redemption, now); err != nil {
			return IntakeResult{}, err
		}
	}

	refs, notFound, mismatched, err := s.resolveRefs(ctx, body)
	if err != nil {
		return IntakeResult{}, err
	}
	if len(mismatched) > 0 {
		return IntakeResult{}, clientError(http.StatusBadRequest, CodeRefMismatch,
			"claim references resolved inconsistently", mismatched)
	}
	if len(notFound) > 0 {
		return IntakeResult{}, clientError(http.StatusBadRequest, CodeRefNotFound,
			"claim references could not be resolved", notFound)
	}

	if kind == KindAgree {
		if err := s.checkDuplicateConfirmations(ctx, issuer, jtree.Object(body), refs); err != nil {
			return IntakeResult{}, err
		}
	}

	claimID := util.NewClaimID()
	handleID, lastClaimID, err := s.resolveHandle(ctx, jtree.Object(body), kind, issuer, claimID, refs)
	if err != nil {
		return IntakeResult{}, err
	}

	canonical, err := CanonicalBody(body)
	if err != nil {
		return IntakeResult{}, fmt.Errorf("canonicalize claim: %w", err)
	}
	canonicalHash := HashText(canonical)

	if priorID, err := s.store.ExistsByHash(ctx, canonicalHash, issuer, verified.IssuedAt); err != nil {
		return IntakeResult{}, err
	} else if priorID != "" {
		return IntakeResult{}, clientError(http.StatusConflict, CodeDuplicateClaim,
			"this claim was already submitted as "+priorID, map[string]any{"claimId": priorID})
	}

	nonce := util.NewNonce()
	noncedHash, err := NoncedHash(body, nonce, issuer, verified.IssuedAt)
	if err != nil {
		return IntakeResult{}, fmt.Errorf("compute nonced hash: %w", err)
	}

	subject, _ := jtree.String(jtree.Object(body)["subject"])
	claim := store.Claim{
		ID:            claimID,
		Issuer:        issuer,
		Subject:       subject,
		IssuedAt:      verified.IssuedAt,
		Context:       claimContext,
		ClaimType:     claimType,
		ClaimBody:     canonical,
		HandleID:      handleID,
		LastClaimID:   lastClaimID,
		CanonicalHash: canonicalHash,
		HashNonce:     nonce,
		NoncedHash:    noncedHash,
	}
	if err := s.store.InsertClaim(ctx, claim); err != nil {
		return IntakeResult{}, err
	}
	metrics.ClaimsTotal.WithLabelValues(kind.String()).Inc()

	result := IntakeResult{ClaimID: claimID, HandleID: handleID, HashNonce: nonce}

	// The claim is durable from here; dispatch problems are reported back,
	// never rolled back.
	outcome := s.dispatch(ctx, kind, claim, body, refs, authDID)
	result.RecordsSavedForEdit = outcome.recordsSaved
	result.TypeResults = outcome.results
	result.EmbeddedRecordError = outcome.embeddedError
	result.EmbeddedRecordWarning = outcome.warning

	if err := s.grantMentionVisibility(ctx, body, issuer); err != nil {
		s.logger.Warn("mention visibility grants failed", zap.String("claimId", claimID), zap.Error(err))
	}

	if s.search != nil {
		s.search.IndexClaim(claim)
	}
	if s.chainKick != nil {
		s.chainKick()
	}

	return result, nil
}

// checkAuthority validates the relationship between the authenticated
// header identity and the payload issuer, and reports whether this
// submission is an invite redemption.
func (s *Service) checkAuthority(ctx context.Context, authDID, issuer string, kind Kind, body map[string]any) (bool, error) {
	inviteID, _ := jtree.String(body["identifier"])
	isInviteShaped := kind == KindRegister && inviteID != ""

	if authDID != "" && authDID != issuer {
		if !isInviteShaped {
			return false, clientError(http.StatusForbidden, CodeInvalidAuthority,
				"submitting on behalf of another identity is only allowed for invite redemption", nil)
		}
		return true, nil
	}

	// The inverse case: the inviter redeeming an invite addressed to itself.
	if authDID != "" && authDID == issuer && isInviteShaped {
		invite, err := s.store.GetInvite(ctx, inviteID)
		if err != nil {
			return false, err
		}
		if invite != nil && invite.Issuer == issuer {
			return false, clientError(http.StatusBadRequest, CodeInvalidAuthority,
				"an invite cannot be redeemed by its own issuer", nil)
		}
	}
	return false, nil
}

// checkInvite vets invite creation and redemption before anything is
// persisted: a fresh identifier must not collide, a redeemed token must
// still be live and unused.
func (s *Service) checkInvite(ctx context.Context, body map[string]any, redemption bool, now time.Time) error {
	inviteID, _ := jtree.String(body["identifier"])
	if inviteID == "" {
		return nil
	}
	invite, err := s.store.GetInvite(ctx, inviteID)
	if err != nil {
		return err
	}

	if redemption {
		if invite == nil {
			// create-and-redeem: the signed token itself is the invite, so
			// only its embedded expiry can gate it
			if expiresAt, ok := jtree.String(body["expiresAt"]); ok {
				if t := parseTimePtr(expiresAt); t != nil && t.Before(now) {
					return clientError(http.StatusForbidden, CodeInviteExpired,
						"the invite "+inviteID+" expired at "+t.Format(time.RFC3339), nil)
				}
			}
			return nil
		}
		if invite.ExpiresAt.Before(now) {
			return clientError(http.StatusForbidden, CodeInviteExpired,
				"the invite "+inviteID+" expired at "+invite.ExpiresAt.Format(time.RFC3339), nil)
		}
		if invite.RedeemedAt != nil {
			return clientError(http.StatusConflict, CodeInviteAlreadyRedeemed,
				"the invite "+inviteID+" was already redeemed", nil)
		}
		return nil
	}

	// creation of a new invite
	participant := clauseDID(body["participant"])
	if participant == "" && invite != nil {
		return clientError(http.StatusConflict, CodeInviteCollision,
			"an invite with identifier "+inviteID+" already exists", nil)
	}
	return nil
}

// checkRateLimits enforces the weekly claim and monthly registration caps
// against the payload issuer. Invite redemptions bypass the registration
// requirement for the redeemer; the inviter's limits were spent when the
// invite was created.
func (s *Service) checkRateLimits(ctx context.Context, issuer string, kind Kind, redemption bool, now time.Time) error {
	if redemption {
		return nil
	}

	registration, err := s.store.GetRegistration(ctx, issuer)
	if err != nil {
		return err
	}

	if kind == KindRegister {
		if registration == nil {
			return clientError(http.StatusForbidden, CodeUnregisteredUser,
				"only registered identities may register others", nil)
		}
		if sameUTCDay(registration.Epoch, now) {
			return clientError(http.StatusForbidden, CodeCannotRegisterTooSoon,
				"identities registered today cannot register or invite others yet", nil)
		}
		maxRegs := s.cfg.MaxRegsPerMonth
		if registration.MaxRegsPerMonth != nil {
			maxRegs = *registration.MaxRegsPerMonth
		}
		count, err := s.store.CountRegistrationsSince(ctx, issuer, startOfMonth(now))
		if err != nil {
			return err
		}
		if count >= maxRegs {
			return clientError(http.StatusTooManyRequests, CodeOverRegistrationLimit,
				fmt.Sprintf("the registration limit of %d per month is reached", maxRegs), nil)
		}
		return nil
	}

	if registration == nil {
		return clientError(http.StatusForbidden, CodeUnregisteredUser,
			"the issuer is not registered on this ledger", nil)
	}
	maxClaims := s.cfg.MaxClaimsPerWeek
	if registration.MaxClaimsPerWeek != nil {
		maxClaims = *registration.MaxClaimsPerWeek
	}
	count, err := s.store.CountClaimsSince(ctx, issuer, startOfISOWeek(now))
	if err != nil {
		return err
	}
	if count >= maxClaims {
		return clientError(http.StatusTooManyRequests, CodeOverClaimLimit,
			fmt.Sprintf("the claim limit of %d per week is reached", maxClaims), nil)
	}
	return nil
}

// resolveHandle settles edit-vs-create. Edits must stay inside the same
// context+type and may only come from the prior issuer, the handle's own
// identity, or an agent named in the prior claim.
func (s *Service) resolveHandle(ctx context.Context, body map[string]any, kind Kind, issuer, newClaimID string, refs *resolvedRefs) (string, *string, error) {
	if lastID, ok := jtree.String(body["lastClaimId"]); ok && lastID != "" {
		prior := refs.byClaimID[lastID]
		if prior == nil {
			// resolver already vetted references; a miss here is a store race
			loaded, err := s.store.GetClaimByID(ctx, lastID)
			if err != nil {
				return "", nil, err
			}
			if loaded == nil {
				return "", nil, clientError(http.StatusBadRequest, CodeRefNotFound,
					"the edited claim "+lastID+" does not exist", nil)
			}
			prior = loaded
		}
		if err := s.authorizeEdit(prior, body, issuer); err != nil {
			return "", nil, err
		}
		return prior.HandleID, &lastID, nil
	}

	identifier, _ := jtree.String(body["identifier"])
	if identifier != "" && !IsDID(identifier) && kind != KindRegister {
		if s.isLocalHandle(identifier) {
			latest := refs.lookupHandle(identifier)
			if latest == nil {
				loaded, err := s.store.GetLatestClaimByHandle(ctx, identifier)
				if err != nil {
					return "", nil, err
				}
				if loaded == nil {
					return "", nil, clientError(http.StatusBadRequest, CodeRefNotFound,
						"the handle "+identifier+" does not exist", nil)
				}
				latest = loaded
			}
			if err := s.authorizeEdit(latest, body, issuer); err != nil {
				return "", nil, err
			}
			return identifier, &latest.ID, nil
		}
		if s.isExternalHandle(identifier) {
			return identifier, nil, nil
		}
		return "", nil, clientError(http.StatusBadRequest, CodeInvalidClaim,
			"the identifier "+identifier+" is neither a known handle nor an external URI", nil)
	}

	return s.cfg.HandlePrefix + newClaimID, nil, nil
}

func (s *Service) authorizeEdit(prior *store.Claim, body map[string]any, issuer string) error {
	claimContext, _ := jtree.String(body["@context"])
	claimType, _ := jtree.String(body["@type"])
	if prior.Context != claimContext || prior.ClaimType != claimType {
		return clientError(http.StatusBadRequest, CodeInvalidClaim,
			fmt.Sprintf("an edit must keep the claim type; %s %s cannot replace %s %s",
				claimContext, claimType, prior.Context, prior.ClaimType), nil)
	}
	if issuer == prior.Issuer || issuer == prior.HandleID || agentNamedIn(prior) == issuer {
		return nil
	}
	return clientError(http.StatusForbidden, CodeUnauthorizedEdit,
		"only the prior issuer, the handle identity, or a named agent may edit this claim", nil)
}

// agentNamedIn extracts the agent DID from a stored claim body, if any.
func agentNamedIn(c *store.Claim) string {
	body, err := jtree.DecodeString(c.ClaimBody)
	if err != nil {
		return ""
	}
	agent := jtree.Object(jtree.Object(body)["agent"])
	if agent == nil {
		return ""
	}
	if did, ok := jtree.String(agent["identifier"]); ok && IsDID(did) {
		return did
	}
	if did, ok := jtree.String(agent["did"]); ok && IsDID(did) {
		return did
	}
	return ""
}

// grantMentionVisibility lets every identity named anywhere in the claim
// body see the issuer: a mentioned party can always see who is talking
// about them.
func (s *Service) grantMentionVisibility(ctx context.Context, body jtree.Value, issuer string) error {
	var firstErr error
	for _, did := range jtree.GatherStrings(body, IsDID) {
		if did == issuer {
			continue
		}
		if err := s.network.AddEdge(ctx, did, issuer); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// startOfISOWeek is Monday 00:00 UTC of t's week.
func startOfISOWeek(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
