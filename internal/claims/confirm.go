package claims

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"vouch/api/internal/jtree"
	"vouch/api/internal/store"
	"vouch/api/internal/util"
)

// errUnknownGive marks a confirmation of a give claim with no derived
// record. The confirmation still gets recorded, but nothing is credited.
var errUnknownGive = errors.New("no give record is derived from")

// confirmationClauses normalizes an AgreeAction's object into its list of
// confirmation items.
func confirmationClauses(body map[string]any) []any {
	switch t := body["object"].(type) {
	case map[string]any:
		return []any{t}
	case []any:
		return t
	}
	return nil
}

// checkDuplicateConfirmations rejects an AgreeAction before persistence
// when the issuer already confirmed any of its targets. Later reconciling
// still re-checks, which catches duplicates inside a single batch.
func (s *Service) checkDuplicateConfirmations(ctx context.Context, issuer string, body map[string]any, refs *resolvedRefs) error {
	for _, raw := range confirmationClauses(body) {
		clause := jtree.Object(raw)
		if clause == nil {
			continue
		}
		target := refs.lookup(clause)
		if target == nil {
			continue
		}
		prior, err := s.store.FindConfirmation(ctx, issuer, target.ID)
		if err != nil {
			return err
		}
		if prior != nil {
			return clientError(http.StatusConflict, CodeDuplicateConfirmation,
				"claim "+target.ID+" was already confirmed by this issuer",
				map[string]any{"confirmationId": prior.ID})
		}
	}
	return nil
}

// handleConfirmations reconciles an AgreeAction against the claims it
// corroborates. The object may be a single clause or a list; items are
// processed strictly in order, and the first failure stops the batch with
// an embedded error naming the item.
func (s *Service) handleConfirmations(ctx context.Context, claim store.Claim, body map[string]any, refs *resolvedRefs) (dispatchOutcome, error) {
	clauses := confirmationClauses(body)
	if len(clauses) == 0 {
		return dispatchOutcome{}, fmt.Errorf("an AgreeAction needs at least one object to confirm")
	}

	outcome := dispatchOutcome{results: map[string]any{}}
	var confirmed []any
	for i, raw := range clauses {
		clause := jtree.Object(raw)
		if clause == nil {
			return outcome, fmt.Errorf("confirmation %d is not an object clause", i)
		}
		item, warning, embedded, err := s.reconcileOne(ctx, claim, clause, refs)
		if err != nil {
			return outcome, fmt.Errorf("confirmation %d: %w", i, err)
		}
		if warning != "" && outcome.warning == "" {
			outcome.warning = warning
		}
		if embedded != "" && outcome.embeddedError == "" {
			outcome.embeddedError = fmt.Sprintf("confirmation %d: %s", i, embedded)
		}
		if item != nil {
			confirmed = append(confirmed, item)
			outcome.recordsSaved++
		}
	}
	outcome.results["confirmations"] = confirmed
	return outcome, nil
}

func (s *Service) reconcileOne(ctx context.Context, claim store.Claim, clause map[string]any, refs *resolvedRefs) (item map[string]any, warning, embedded string, err error) {
	target := refs.lookup(clause)
	if target == nil {
		return nil, "", "", fmt.Errorf("the confirmed claim could not be resolved")
	}
	if target.Issuer == claim.Issuer {
		return nil, "", "", fmt.Errorf("a claim cannot be confirmed by its own issuer")
	}

	// Confirming a confirmation corroborates nothing, but the row is
	// still recorded.
	if KindOf(target.Context, target.ClaimType) == KindAgree {
		warning = "claim " + target.ID + " is itself a confirmation; this one was recorded but corroborates nothing"
	}

	if prior, err := s.store.FindConfirmation(ctx, claim.Issuer, target.ID); err != nil {
		return nil, "", "", err
	} else if prior != nil {
		return nil, "", "", fmt.Errorf("claim %s was already confirmed by this issuer in confirmation %s", target.ID, prior.ID)
	}

	switch KindOf(target.Context, target.ClaimType) {
	case KindGive:
		if err := s.creditGive(ctx, claim.Issuer, clause, target); err != nil {
			if !errors.Is(err, errUnknownGive) {
				return nil, "", "", err
			}
			embedded = err.Error() + "; the confirmation was recorded but nothing was credited"
		}
	case KindOffer:
		if err := s.confirmOfferLink(ctx, claim.Issuer, target); err != nil {
			return nil, "", "", err
		}
	case KindPlan, KindProject:
		if err := s.confirmPlanLink(ctx, claim.Issuer, target); err != nil {
			return nil, "", "", err
		}
	case KindJoinAction:
		if err := s.verifyEventAttendance(ctx, clause, target); err != nil {
			return nil, "", "", err
		}
	case KindOrgRole:
		if err := s.verifyOrgRole(ctx, clause); err != nil {
			return nil, "", "", err
		}
	case KindTenure:
		if err := s.verifyTenure(ctx, clause, target); err != nil {
			return nil, "", "", err
		}
	}

	conf := store.Confirmation{
		ID:                 util.NewID("conf"),
		Issuer:             claim.Issuer,
		ConfirmedClaimID:   target.ID,
		ConfirmedFullClaim: target.ClaimBody,
		ConfirmedCanonHash: target.CanonicalHash,
	}
	if err := s.store.InsertConfirmation(ctx, conf); err != nil {
		return nil, "", "", err
	}

	return map[string]any{"confirmationId": conf.ID, "confirmedClaimId": target.ID}, warning, embedded, nil
}

// creditGive applies a confirmation to a give projection. The recipient,
// or the issuer or agent of the claim the give fulfills (including the
// plan reached through an offer), credits the amount; a named provider's
// confirmation marks their link; the fulfilled claim's owner also confirms
// the fulfillment link. A confirmation stating a different unit records
// without crediting.
func (s *Service) creditGive(ctx context.Context, confirmer string, clause map[string]any, target *store.Claim) error {
	give, err := s.store.GetGiveByHandle(ctx, target.HandleID)
	if err != nil {
		return err
	}
	if give == nil {
		return fmt.Errorf("%w %s", errUnknownGive, target.HandleID)
	}

	fulfilled, err := s.latestClaimByHandle(ctx, give.FulfillsHandleID)
	if err != nil {
		return err
	}
	var plan *store.Claim
	if give.FulfillsPlanHandleID != "" && give.FulfillsPlanHandleID != give.FulfillsHandleID {
		if plan, err = s.latestClaimByHandle(ctx, give.FulfillsPlanHandleID); err != nil {
			return err
		}
	}
	ownsFulfilled := issuerOrAgentOf(fulfilled, confirmer) || issuerOrAgentOf(plan, confirmer)

	changed := false

	if confirmer == give.Recipient || ownsFulfilled {
		amount, unit := confirmationAmount(clause)
		if unit == "" || unit == give.Unit {
			if amount == 0 {
				amount = give.Amount
			}
			give.AmountConfirmed += amount
			changed = true
			if err := s.creditOfferAggregates(ctx, give, amount); err != nil {
				return err
			}
		}
		// a stated amount in a different unit is recorded but never credited
	}

	if !give.FulfillsLinkConfirmed && ownsFulfilled {
		give.FulfillsLinkConfirmed = true
		changed = true
	}

	if changed {
		if err := s.store.UpdateGive(ctx, *give); err != nil {
			return err
		}
	}

	providers, err := s.store.ListGiveProviders(ctx, give.HandleID)
	if err != nil {
		return err
	}
	for _, p := range providers {
		if p.ProviderID == confirmer && !p.LinkConfirmed {
			if err := s.store.ConfirmGiveProviderLink(ctx, give.HandleID, confirmer); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

func (s *Service) latestClaimByHandle(ctx context.Context, handle string) (*store.Claim, error) {
	if handle == "" {
		return nil, nil
	}
	return s.store.GetLatestClaimByHandle(ctx, handle)
}

// confirmOfferLink marks an offer's fulfillment link confirmed when the
// confirmer is the issuer or agent of the claim the offer fulfills.
func (s *Service) confirmOfferLink(ctx context.Context, confirmer string, target *store.Claim) error {
	offer, err := s.store.GetOfferByHandle(ctx, target.HandleID)
	if err != nil || offer == nil {
		return err
	}
	if offer.FulfillsLinkConfirmed || offer.FulfillsHandleID == "" {
		return nil
	}
	fulfilled, err := s.latestClaimByHandle(ctx, offer.FulfillsHandleID)
	if err != nil {
		return err
	}
	if !issuerOrAgentOf(fulfilled, confirmer) {
		return nil
	}
	offer.FulfillsLinkConfirmed = true
	return s.store.UpdateOffer(ctx, *offer)
}

// confirmPlanLink marks a plan's link to its parent plan confirmed when
// the confirmer is the issuer or agent of the parent.
func (s *Service) confirmPlanLink(ctx context.Context, confirmer string, target *store.Claim) error {
	plan, err := s.store.GetPlanByHandle(ctx, target.HandleID)
	if err != nil || plan == nil {
		return err
	}
	if plan.FulfillsLinkConfirmed || plan.FulfillsPlanHandleID == "" {
		return nil
	}
	parent, err := s.latestClaimByHandle(ctx, plan.FulfillsPlanHandleID)
	if err != nil {
		return err
	}
	if !issuerOrAgentOf(parent, confirmer) {
		return nil
	}
	plan.FulfillsLinkConfirmed = true
	return s.store.UpdatePlan(ctx, *plan)
}

// creditOfferAggregates folds a freshly confirmed give into the offer it
// fulfills, when there is one.
func (s *Service) creditOfferAggregates(ctx context.Context, give *store.Give, amount float64) error {
	if give.FulfillsHandleID == "" {
		return nil
	}
	offer, err := s.store.GetOfferByHandle(ctx, give.FulfillsHandleID)
	if err != nil {
		return err
	}
	if offer == nil {
		return nil
	}
	if amount > 0 {
		offer.AmountGivenConfirmed += amount
	} else {
		offer.NonAmountGivenConfirmed++
	}
	return s.store.UpdateOffer(ctx, *offer)
}

// confirmationAmount reads the amount the confirmer attests to, from the
// clause's object sub-clause or the clause itself.
func confirmationAmount(clause map[string]any) (float64, string) {
	if object := jtree.Object(clause["object"]); object != nil {
		return clauseNumber(object, "amountOfThisGood"), clauseString(object, "unitCode")
	}
	return clauseNumber(clause, "amountOfThisGood"), clauseString(clause, "unitCode")
}

// verifyEventAttendance requires the confirmed attendance record to exist.
func (s *Service) verifyEventAttendance(ctx context.Context, clause map[string]any, target *store.Claim) error {
	agent := clauseDID(clause["agent"])
	if agent == "" {
		if body, err := jtree.DecodeString(target.ClaimBody); err == nil {
			agent = clauseDID(jtree.Object(body)["agent"])
		}
	}
	eventClause := jtree.Object(clause["event"])
	if agent == "" || eventClause == nil {
		return fmt.Errorf("an attendance confirmation needs the agent and the event")
	}
	orgName := ""
	if organizer := jtree.Object(eventClause["organizer"]); organizer != nil {
		orgName = clauseString(organizer, "name")
	}
	start := parseTimePtr(clauseString(eventClause, "startTime"))
	if start == nil {
		return fmt.Errorf("the confirmed event needs a parseable startTime")
	}
	event, err := s.store.FindEvent(ctx, orgName, clauseString(eventClause, "name"), *start)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("no such event is recorded")
	}
	action, err := s.store.FindEventAction(ctx, agent, event.ID)
	if err != nil {
		return err
	}
	if action == nil {
		return fmt.Errorf("agent %s has no recorded action for this event", agent)
	}
	return nil
}

// verifyOrgRole requires an exactly matching stored role record.
func (s *Service) verifyOrgRole(ctx context.Context, clause map[string]any) error {
	member := jtree.Object(clause["member"])
	if member == nil {
		return fmt.Errorf("an organization confirmation needs the nested role member")
	}
	role, err := s.store.FindOrgRole(ctx,
		clauseString(clause, "name"),
		clauseString(member, "roleName"),
		clauseDID(member["member"]),
		clauseString(member, "startDate"),
		clauseString(member, "endDate"),
	)
	if err != nil {
		return err
	}
	if role == nil {
		return fmt.Errorf("no organization role record matches the confirmed details")
	}
	return nil
}

// verifyTenure requires an exactly matching stored tenure record.
func (s *Service) verifyTenure(ctx context.Context, clause map[string]any, target *store.Claim) error {
	party := clauseDID(clause["party"])
	polygon := ""
	if unit := jtree.Object(clause["spatialUnit"]); unit != nil {
		if geo := jtree.Object(unit["geo"]); geo != nil {
			polygon = clauseString(geo, "polygon")
		}
	}
	if party == "" || polygon == "" {
		if body, err := jtree.DecodeString(target.ClaimBody); err == nil {
			obj := jtree.Object(body)
			if party == "" {
				party = clauseDID(obj["party"])
			}
			if polygon == "" {
				if unit := jtree.Object(obj["spatialUnit"]); unit != nil {
					if geo := jtree.Object(unit["geo"]); geo != nil {
						polygon = clauseString(geo, "polygon")
					}
				}
			}
		}
	}
	tenure, err := s.store.FindTenure(ctx, party, polygon)
	if err != nil {
		return err
	}
	if tenure == nil {
		return fmt.Errorf("no tenure record matches the confirmed details")
	}
	return nil
}
