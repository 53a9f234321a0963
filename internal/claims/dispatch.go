package claims

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vouch/api/internal/jtree"
	"vouch/api/internal/store"
	"vouch/api/internal/util"
)

// dispatchOutcome reports what the type handler did with a committed
// claim. embeddedError and warning never fail the request; the claim is
// already durable when dispatch runs.
type dispatchOutcome struct {
	recordsSaved  int
	results       map[string]any
	embeddedError string
	warning       string
}

// dispatch routes a committed claim to exactly one handler. Unknown kinds
// are accepted and produce no derived record.
func (s *Service) dispatch(ctx context.Context, kind Kind, claim store.Claim, body jtree.Value, refs *resolvedRefs, authDID string) dispatchOutcome {
	var outcome dispatchOutcome
	var err error

	switch kind {
	case KindGive:
		outcome, err = s.handleGive(ctx, claim, jtree.Object(body), refs)
	case KindOffer:
		outcome, err = s.handleOffer(ctx, claim, jtree.Object(body), refs)
	case KindPlan, KindProject:
		outcome, err = s.handlePlan(ctx, kind, claim, jtree.Object(body), refs)
	case KindJoinAction:
		outcome, err = s.handleJoinAction(ctx, claim, jtree.Object(body))
	case KindOrgRole:
		outcome, err = s.handleOrgRole(ctx, claim, jtree.Object(body))
	case KindRegister:
		outcome, err = s.handleRegister(ctx, claim, jtree.Object(body), authDID)
	case KindTenure:
		outcome, err = s.handleTenure(ctx, claim, jtree.Object(body))
	case KindVote:
		outcome, err = s.handleVote(ctx, claim, jtree.Object(body))
	case KindAgree:
		outcome, err = s.handleConfirmations(ctx, claim, jtree.Object(body), refs)
	default:
		return dispatchOutcome{}
	}

	if err != nil {
		outcome.embeddedError = err.Error()
	}
	return outcome
}

// clauseString pulls a string field out of a clause object.
func clauseString(obj map[string]any, key string) string {
	s, _ := jtree.String(obj[key])
	return s
}

// clauseNumber pulls a numeric field out of a clause; JSON numbers decode
// as float64.
func clauseNumber(obj map[string]any, key string) float64 {
	n, _ := obj[key].(float64)
	return n
}

// clauseDID extracts the DID of a party clause ({"identifier": "did:..."}).
func clauseDID(v jtree.Value) string {
	obj := jtree.Object(v)
	if obj == nil {
		if s, ok := jtree.String(v); ok && IsDID(s) {
			return s
		}
		return ""
	}
	if s := clauseString(obj, "identifier"); IsDID(s) {
		return s
	}
	if s := clauseString(obj, "did"); IsDID(s) {
		return s
	}
	return ""
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// fulfillsClause finds the fulfillment target of a give or offer: a direct
// "fulfills" clause, or the legacy nested object.isPartOf shape.
func fulfillsClause(body map[string]any) map[string]any {
	if clause := jtree.Object(body["fulfills"]); clause != nil {
		return clause
	}
	if arr := jtree.Array(body["fulfills"]); len(arr) > 0 {
		return jtree.Object(arr[0])
	}
	if object := jtree.Object(body["object"]); object != nil {
		if clause := jtree.Object(object["isPartOf"]); clause != nil {
			return clause
		}
	}
	return nil
}

// planHandleFor derives the plan a claim ultimately fulfills: directly
// when the target is a plan, or transitively through an offer's own
// fulfillment link.
func (s *Service) planHandleFor(ctx context.Context, fulfilled *store.Claim) (string, error) {
	if fulfilled == nil {
		return "", nil
	}
	switch KindOf(fulfilled.Context, fulfilled.ClaimType) {
	case KindPlan, KindProject:
		return fulfilled.HandleID, nil
	case KindOffer:
		offer, err := s.store.GetOfferByHandle(ctx, fulfilled.HandleID)
		if err != nil {
			return "", err
		}
		if offer != nil {
			return offer.FulfillsPlanHandleID, nil
		}
	}
	return "", nil
}

// issuerOrAgentOf reports whether did issued the claim or is its named agent.
func issuerOrAgentOf(c *store.Claim, did string) bool {
	if c == nil || did == "" {
		return false
	}
	return c.Issuer == did || agentNamedIn(c) == did
}

func (s *Service) handleGive(ctx context.Context, claim store.Claim, body map[string]any, refs *resolvedRefs) (dispatchOutcome, error) {
	fulfills := fulfillsClause(body)
	fulfilled := refs.lookup(fulfills)

	planHandle, err := s.planHandleFor(ctx, fulfilled)
	if err != nil {
		return dispatchOutcome{}, err
	}

	give := store.Give{
		HandleID:  claim.HandleID,
		ClaimID:   claim.ID,
		Issuer:    claim.Issuer,
		IssuedAt:  claim.IssuedAt,
		Agent:     clauseDID(body["agent"]),
		Recipient: clauseDID(body["recipient"]),
		FullClaim: claim.ClaimBody,
	}
	if fulfilled != nil {
		give.FulfillsHandleID = fulfilled.HandleID
		give.FulfillsType = fulfilled.ClaimType
		give.FulfillsLinkConfirmed = issuerOrAgentOf(fulfilled, claim.Issuer)
	} else if fulfills != nil {
		give.FulfillsHandleID = clauseString(fulfills, "identifier")
		give.FulfillsType = clauseString(fulfills, "@type")
	}
	give.FulfillsPlanHandleID = planHandle

	if object := jtree.Object(body["object"]); object != nil {
		give.Amount = clauseNumber(object, "amountOfThisGood")
		give.Unit = clauseString(object, "unitCode")
		give.Description = clauseString(object, "description")
	}
	if give.Description == "" {
		give.Description = clauseString(body, "description")
	}

	give.GiftNotTrade = classifyGiftNotTrade(body)

	// A give whose issuer is the stated recipient confirms itself.
	if give.Recipient != "" && give.Recipient == claim.Issuer {
		give.AmountConfirmed = give.Amount
	}

	providers := collectProviders(body, claim.Issuer)

	existing, err := s.store.GetGiveByHandle(ctx, claim.HandleID)
	if err != nil {
		return dispatchOutcome{}, err
	}
	if existing == nil {
		if err := s.store.InsertGive(ctx, give); err != nil {
			return dispatchOutcome{}, err
		}
	} else {
		give.AmountConfirmed += existing.AmountConfirmed
		give.FulfillsLinkConfirmed = give.FulfillsLinkConfirmed || existing.FulfillsLinkConfirmed
		if err := s.store.UpdateGive(ctx, give); err != nil {
			return dispatchOutcome{}, err
		}
	}
	if err := s.store.ReplaceGiveProviders(ctx, claim.HandleID, providers); err != nil {
		return dispatchOutcome{}, err
	}

	return dispatchOutcome{
		recordsSaved: 1,
		results: map[string]any{
			"give":              map[string]any{"handleId": give.HandleID, "fulfillsPlanHandleId": give.FulfillsPlanHandleID},
			"giveProviderCount": len(providers),
		},
	}, nil
}

// classifyGiftNotTrade scans Donate/Trade sub-clauses. A trade anywhere in
// the list forces the whole record to trade; donate only wins when no
// trade was seen.
func classifyGiftNotTrade(body map[string]any) *bool {
	var sawDonate, sawTrade bool
	jtree.Walk(body, func(v jtree.Value) {
		obj := jtree.Object(v)
		if obj == nil {
			return
		}
		switch clauseString(obj, "@type") {
		case "DonateAction":
			sawDonate = true
		case "TradeAction":
			sawTrade = true
		}
	})
	if sawTrade {
		f := false
		return &f
	}
	if sawDonate {
		t := true
		return &t
	}
	return nil
}

func collectProviders(body map[string]any, issuer string) []store.GiveProvider {
	var clauses []any
	switch t := body["provider"].(type) {
	case map[string]any:
		clauses = []any{t}
	case []any:
		clauses = t
	}
	var providers []store.GiveProvider
	for _, clause := range clauses {
		did := clauseDID(clause)
		if did == "" {
			continue
		}
		providers = append(providers, store.GiveProvider{
			ProviderID:    did,
			LinkConfirmed: did == issuer,
		})
	}
	return providers
}

func (s *Service) handleOffer(ctx context.Context, claim store.Claim, body map[string]any, refs *resolvedRefs) (dispatchOutcome, error) {
	fulfills := fulfillsClause(body)
	fulfilled := refs.lookup(fulfills)

	planHandle, err := s.planHandleFor(ctx, fulfilled)
	if err != nil {
		return dispatchOutcome{}, err
	}

	offer := store.Offer{
		HandleID:  claim.HandleID,
		ClaimID:   claim.ID,
		Issuer:    claim.Issuer,
		IssuedAt:  claim.IssuedAt,
		Recipient: clauseDID(body["recipient"]),
		FullClaim: claim.ClaimBody,
	}
	if fulfilled != nil {
		offer.FulfillsHandleID = fulfilled.HandleID
		offer.FulfillsLinkConfirmed = issuerOrAgentOf(fulfilled, claim.Issuer)
	} else if fulfills != nil {
		offer.FulfillsHandleID = clauseString(fulfills, "identifier")
	}
	offer.FulfillsPlanHandleID = planHandle

	if includes := jtree.Object(body["includesObject"]); includes != nil {
		offer.Amount = clauseNumber(includes, "amountOfThisGood")
		offer.Unit = clauseString(includes, "unitCode")
	}
	if item := jtree.Object(body["itemOffered"]); item != nil {
		offer.ObjectDescription = clauseString(item, "description")
	}
	// validity window only when parseable
	offer.ValidThrough = parseTimePtr(clauseString(body, "validThrough"))

	existing, err := s.store.GetOfferByHandle(ctx, claim.HandleID)
	if err != nil {
		return dispatchOutcome{}, err
	}
	if existing == nil {
		if err := s.store.InsertOffer(ctx, offer); err != nil {
			return dispatchOutcome{}, err
		}
	} else {
		offer.AmountGiven = existing.AmountGiven
		offer.AmountGivenConfirmed = existing.AmountGivenConfirmed
		offer.NonAmountGivenConfirmed = existing.NonAmountGivenConfirmed
		offer.FulfillsLinkConfirmed = offer.FulfillsLinkConfirmed || existing.FulfillsLinkConfirmed
		if err := s.store.UpdateOffer(ctx, offer); err != nil {
			return dispatchOutcome{}, err
		}
	}

	return dispatchOutcome{
		recordsSaved: 1,
		results:      map[string]any{"offer": map[string]any{"handleId": offer.HandleID, "fulfillsPlanHandleId": offer.FulfillsPlanHandleID}},
	}, nil
}

func (s *Service) handlePlan(ctx context.Context, kind Kind, claim store.Claim, body map[string]any, refs *resolvedRefs) (dispatchOutcome, error) {
	planKind := "plan"
	if kind == KindProject {
		planKind = "project"
	}

	plan := store.Plan{
		HandleID:    claim.HandleID,
		ClaimID:     claim.ID,
		Issuer:      claim.Issuer,
		Agent:       clauseDID(body["agent"]),
		Kind:        planKind,
		Name:        clauseString(body, "name"),
		Description: clauseString(body, "description"),
		URL:         clauseString(body, "url"),
		StartTime:   parseTimePtr(clauseString(body, "startTime")),
		EndTime:     parseTimePtr(clauseString(body, "endTime")),
		FullClaim:   claim.ClaimBody,
	}

	if fulfilled := refs.lookup(jtree.Object(body["fulfills"])); fulfilled != nil {
		switch KindOf(fulfilled.Context, fulfilled.ClaimType) {
		case KindPlan, KindProject:
			plan.FulfillsPlanHandleID = fulfilled.HandleID
			plan.FulfillsLinkConfirmed = issuerOrAgentOf(fulfilled, claim.Issuer)
		}
	}

	// geocoordinates only when well-typed
	if location := jtree.Object(body["location"]); location != nil {
		if geo := jtree.Object(location["geo"]); geo != nil {
			lat, latOK := geo["latitude"].(float64)
			lon, lonOK := geo["longitude"].(float64)
			if latOK && lonOK {
				plan.Lat, plan.Lon = &lat, &lon
			}
		}
	}

	existing, err := s.store.GetPlanByHandle(ctx, claim.HandleID)
	if err != nil {
		return dispatchOutcome{}, err
	}
	if existing == nil {
		if err := s.store.InsertPlan(ctx, plan); err != nil {
			return dispatchOutcome{}, err
		}
		return dispatchOutcome{recordsSaved: 1, results: map[string]any{"planCreated": 1}}, nil
	}
	plan.FulfillsLinkConfirmed = plan.FulfillsLinkConfirmed || existing.FulfillsLinkConfirmed
	if err := s.store.UpdatePlan(ctx, plan); err != nil {
		return dispatchOutcome{}, err
	}
	return dispatchOutcome{recordsSaved: 1, results: map[string]any{"planUpdated": 1}}, nil
}

func (s *Service) handleJoinAction(ctx context.Context, claim store.Claim, body map[string]any) (dispatchOutcome, error) {
	agent := clauseDID(body["agent"])
	if agent == "" {
		return dispatchOutcome{}, fmt.Errorf("a JoinAction requires an agent identity")
	}
	eventClause := jtree.Object(body["event"])
	if eventClause == nil {
		return dispatchOutcome{}, fmt.Errorf("a JoinAction requires an event descriptor")
	}
	orgName := ""
	if organizer := jtree.Object(eventClause["organizer"]); organizer != nil {
		orgName = clauseString(organizer, "name")
	}
	name := clauseString(eventClause, "name")
	start := parseTimePtr(clauseString(eventClause, "startTime"))
	if name == "" || start == nil {
		return dispatchOutcome{}, fmt.Errorf("a JoinAction event needs a name and a parseable startTime")
	}

	event, err := s.store.FindEvent(ctx, orgName, name, *start)
	if err != nil {
		return dispatchOutcome{}, err
	}
	if event == nil {
		event = &store.Event{ID: util.NewID("evt"), OrgName: orgName, Name: name, StartTime: *start}
		if err := s.store.InsertEvent(ctx, *event); err != nil {
			return dispatchOutcome{}, err
		}
	}

	if prior, err := s.store.FindEventAction(ctx, agent, event.ID); err != nil {
		return dispatchOutcome{}, err
	} else if prior != nil {
		return dispatchOutcome{}, fmt.Errorf("agent %s already recorded an action for this event in claim %s", agent, prior.ClaimID)
	}

	action := store.EventAction{ClaimID: claim.ID, Agent: agent, EventID: event.ID, FullClaim: claim.ClaimBody}
	if err := s.store.InsertEventAction(ctx, action); err != nil {
		return dispatchOutcome{}, err
	}
	return dispatchOutcome{recordsSaved: 1, results: map[string]any{"eventId": event.ID}}, nil
}

func (s *Service) handleOrgRole(ctx context.Context, claim store.Claim, body map[string]any) (dispatchOutcome, error) {
	member := jtree.Object(body["member"])
	if member == nil || clauseString(member, "@type") != "OrganizationRole" {
		return dispatchOutcome{}, fmt.Errorf("an Organization claim requires a nested OrganizationRole member")
	}
	memberDID := clauseDID(member["member"])
	if memberDID == "" {
		return dispatchOutcome{}, fmt.Errorf("the OrganizationRole member needs an identity")
	}

	role := store.OrgRole{
		ClaimID:   claim.ID,
		Issuer:    claim.Issuer,
		OrgName:   clauseString(body, "name"),
		RoleName:  clauseString(member, "roleName"),
		Member:    memberDID,
		StartDate: clauseString(member, "startDate"),
		EndDate:   clauseString(member, "endDate"),
	}
	if err := s.store.InsertOrgRole(ctx, role); err != nil {
		return dispatchOutcome{}, err
	}
	return dispatchOutcome{recordsSaved: 1}, nil
}

func (s *Service) handleRegister(ctx context.Context, claim store.Claim, body map[string]any, authDID string) (dispatchOutcome, error) {
	inviteID := clauseString(body, "identifier")

	// Redemption: the authenticated submitter differs from the signing
	// inviter. The preflight in intake vetted expiry and prior redemption.
	if authDID != "" && authDID != claim.Issuer {
		invite, err := s.store.GetInvite(ctx, inviteID)
		if err != nil {
			return dispatchOutcome{}, err
		}
		if invite == nil {
			// create-and-redeem: this token is itself the invite
			expires := parseTimePtr(clauseString(body, "expiresAt"))
			if expires == nil {
				fallback := s.now().Add(s.cfg.InviteTTL)
				expires = &fallback
			}
			inv := store.Invite{Identifier: inviteID, Issuer: claim.Issuer, ExpiresAt: *expires}
			if err := s.store.InsertInvite(ctx, inv); err != nil {
				return dispatchOutcome{}, err
			}
		}
		redeemed, err := s.store.RedeemInvite(ctx, inviteID, authDID)
		if err != nil {
			return dispatchOutcome{}, err
		}
		if !redeemed {
			return dispatchOutcome{}, fmt.Errorf("invite %s was already redeemed", inviteID)
		}
		if err := s.store.InsertRegistration(ctx, store.Registration{
			DID: authDID, Agent: claim.Issuer, Epoch: s.now(),
		}); err != nil {
			return dispatchOutcome{}, err
		}
		// the redeemer may always see who invited them
		if err := s.network.AddEdge(ctx, authDID, claim.Issuer); err != nil {
			return dispatchOutcome{}, err
		}
		return dispatchOutcome{recordsSaved: 1, results: map[string]any{"registered": authDID}}, nil
	}

	// Invite creation: an identifier with no participant yet.
	participant := clauseDID(body["participant"])
	if inviteID != "" && participant == "" {
		expires := parseTimePtr(clauseString(body, "expiresAt"))
		if expires == nil {
			fallback := s.now().Add(s.cfg.InviteTTL)
			expires = &fallback
		}
		inv := store.Invite{
			Identifier: inviteID,
			Issuer:     claim.Issuer,
			Notes:      clauseString(body, "description"),
			ExpiresAt:  *expires,
		}
		if err := s.store.InsertInvite(ctx, inv); err != nil {
			return dispatchOutcome{}, err
		}
		return dispatchOutcome{recordsSaved: 1, results: map[string]any{"invite": inviteID}}, nil
	}

	// Direct registration of another identity.
	if participant == "" {
		return dispatchOutcome{}, fmt.Errorf("a RegisterAction needs a participant identity or an invite identifier")
	}
	if err := s.store.InsertRegistration(ctx, store.Registration{
		DID: participant, Agent: claim.Issuer, Epoch: s.now(),
	}); err != nil {
		return dispatchOutcome{}, err
	}
	return dispatchOutcome{recordsSaved: 1, results: map[string]any{"registered": participant}}, nil
}

func (s *Service) handleTenure(ctx context.Context, claim store.Claim, body map[string]any) (dispatchOutcome, error) {
	party := clauseDID(body["party"])
	polygon := ""
	if unit := jtree.Object(body["spatialUnit"]); unit != nil {
		if geo := jtree.Object(unit["geo"]); geo != nil {
			polygon = clauseString(geo, "polygon")
		}
	}
	if party == "" || polygon == "" {
		return dispatchOutcome{}, fmt.Errorf("a Tenure claim needs a party identity and a polygon")
	}

	if existing, err := s.store.FindTenure(ctx, party, polygon); err != nil {
		return dispatchOutcome{}, err
	} else if existing != nil {
		return dispatchOutcome{results: map[string]any{"tenureClaimId": existing.ClaimID}}, nil
	}

	minLat, minLon, maxLat, maxLon, err := polygonBounds(polygon)
	if err != nil {
		return dispatchOutcome{}, err
	}
	tenure := store.Tenure{
		ClaimID:     claim.ID,
		Issuer:      claim.Issuer,
		Party:       party,
		PolygonText: polygon,
		MinLat:      minLat,
		MinLon:      minLon,
		MaxLat:      maxLat,
		MaxLon:      maxLon,
		FullClaim:   claim.ClaimBody,
	}
	if err := s.store.InsertTenure(ctx, tenure); err != nil {
		return dispatchOutcome{}, err
	}
	return dispatchOutcome{recordsSaved: 1}, nil
}

// polygonBounds computes a bounding box over "lat,lon lat,lon ..." points.
func polygonBounds(polygon string) (minLat, minLon, maxLat, maxLon float64, err error) {
	points := strings.Fields(polygon)
	if len(points) == 0 {
		return 0, 0, 0, 0, fmt.Errorf("the polygon has no points")
	}
	for i, point := range points {
		latText, lonText, found := strings.Cut(point, ",")
		if !found {
			return 0, 0, 0, 0, fmt.Errorf("polygon point %q is not lat,lon", point)
		}
		lat, latErr := strconv.ParseFloat(latText, 64)
		lon, lonErr := strconv.ParseFloat(lonText, 64)
		if latErr != nil || lonErr != nil {
			return 0, 0, 0, 0, fmt.Errorf("polygon point %q is not numeric", point)
		}
		if i == 0 {
			minLat, maxLat, minLon, maxLon = lat, lat, lon, lon
			continue
		}
		minLat = min(minLat, lat)
		maxLat = max(maxLat, lat)
		minLon = min(minLon, lon)
		maxLon = max(maxLon, lon)
	}
	return minLat, minLon, maxLat, maxLon, nil
}

func (s *Service) handleVote(ctx context.Context, claim store.Claim, body map[string]any) (dispatchOutcome, error) {
	vote := store.Vote{
		ClaimID:      claim.ID,
		Issuer:       claim.Issuer,
		ActionOption: clauseString(body, "actionOption"),
		Candidate:    clauseString(body, "candidate"),
	}
	if object := jtree.Object(body["object"]); object != nil {
		if event := jtree.Object(object["event"]); event != nil {
			vote.EventName = clauseString(event, "name")
			vote.EventStartTime = parseTimePtr(clauseString(event, "startDate"))
		}
	}
	if err := s.store.InsertVote(ctx, vote); err != nil {
		return dispatchOutcome{}, err
	}
	return dispatchOutcome{recordsSaved: 1}, nil
}
