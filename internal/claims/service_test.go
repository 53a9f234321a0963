package claims

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vouch/api/internal/config"
	"vouch/api/internal/envelope"
	"vouch/api/internal/store"
)

// memStore is an in-memory dataStore for tests, mirroring the Postgres
// semantics the service depends on. Individual fn fields override single
// methods for error injection.
type memStore struct {
	claims        map[string]store.Claim
	claimOrder    []string
	gives         map[string]store.Give
	giveProviders map[string][]store.GiveProvider
	offers        map[string]store.Offer
	plans         map[string]store.Plan
	tenures       []store.Tenure
	votes         []store.Vote
	orgRoles      []store.OrgRole
	events        map[string]store.Event
	eventActions  []store.EventAction
	registrations map[string]store.Registration
	invites       map[string]store.Invite
	confirmations []store.Confirmation

	insertClaimFn func(context.Context, store.Claim) error
}

func newMemStore() *memStore {
	return &memStore{
		claims:        make(map[string]store.Claim),
		gives:         make(map[string]store.Give),
		giveProviders: make(map[string][]store.GiveProvider),
		offers:        make(map[string]store.Offer),
		plans:         make(map[string]store.Plan),
		events:        make(map[string]store.Event),
		registrations: make(map[string]store.Registration),
		invites:       make(map[string]store.Invite),
	}
}

func (m *memStore) InsertClaim(ctx context.Context, c store.Claim) error {
	if m.insertClaimFn != nil {
		return m.insertClaimFn(ctx, c)
	}
	m.claims[c.ID] = c
	m.claimOrder = append(m.claimOrder, c.ID)
	return nil
}

func (m *memStore) GetClaimByID(_ context.Context, id string) (*store.Claim, error) {
	if c, ok := m.claims[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *memStore) GetLatestClaimByHandle(_ context.Context, handleID string) (*store.Claim, error) {
	for i := len(m.claimOrder) - 1; i >= 0; i-- {
		c := m.claims[m.claimOrder[i]]
		if c.HandleID == handleID {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStore) ExistsByHash(_ context.Context, hash, issuer string, issuedAt time.Time) (string, error) {
	for _, id := range m.claimOrder {
		c := m.claims[id]
		if c.CanonicalHash == hash && c.Issuer == issuer && c.IssuedAt.Equal(issuedAt) {
			return c.ID, nil
		}
	}
	return "", nil
}

func (m *memStore) ListClaims(_ context.Context, filter store.ClaimFilter) (store.ClaimPage, error) {
	var page store.ClaimPage
	for _, id := range m.claimOrder {
		c := m.claims[id]
		if filter.Issuer != "" && c.Issuer != filter.Issuer {
			continue
		}
		if filter.HandleID != "" && c.HandleID != filter.HandleID {
			continue
		}
		page.Data = append(page.Data, c)
	}
	if filter.Limit > 0 && len(page.Data) >= filter.Limit {
		page.Data = page.Data[:filter.Limit]
		page.HitLimit = true
	}
	return page, nil
}

func (m *memStore) InsertGive(_ context.Context, g store.Give) error {
	m.gives[g.HandleID] = g
	return nil
}

func (m *memStore) UpdateGive(_ context.Context, g store.Give) error {
	m.gives[g.HandleID] = g
	return nil
}

func (m *memStore) GetGiveByHandle(_ context.Context, handleID string) (*store.Give, error) {
	if g, ok := m.gives[handleID]; ok {
		return &g, nil
	}
	return nil, nil
}

func (m *memStore) ReplaceGiveProviders(_ context.Context, handleID string, providers []store.GiveProvider) error {
	m.giveProviders[handleID] = providers
	return nil
}

func (m *memStore) ListGiveProviders(_ context.Context, handleID string) ([]store.GiveProvider, error) {
	return m.giveProviders[handleID], nil
}

func (m *memStore) ConfirmGiveProviderLink(_ context.Context, handleID, providerID string) error {
	providers := m.giveProviders[handleID]
	for i := range providers {
		if providers[i].ProviderID == providerID {
			providers[i].LinkConfirmed = true
		}
	}
	return nil
}

func (m *memStore) InsertOffer(_ context.Context, o store.Offer) error {
	m.offers[o.HandleID] = o
	return nil
}

func (m *memStore) UpdateOffer(_ context.Context, o store.Offer) error {
	m.offers[o.HandleID] = o
	return nil
}

func (m *memStore) GetOfferByHandle(_ context.Context, handleID string) (*store.Offer, error) {
	if o, ok := m.offers[handleID]; ok {
		return &o, nil
	}
	return nil, nil
}

func (m *memStore) InsertPlan(_ context.Context, p store.Plan) error {
	m.plans[p.HandleID] = p
	return nil
}

func (m *memStore) UpdatePlan(_ context.Context, p store.Plan) error {
	m.plans[p.HandleID] = p
	return nil
}

func (m *memStore) GetPlanByHandle(_ context.Context, handleID string) (*store.Plan, error) {
	if p, ok := m.plans[handleID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *memStore) InsertTenure(_ context.Context, t store.Tenure) error {
	m.tenures = append(m.tenures, t)
	return nil
}

func (m *memStore) FindTenure(_ context.Context, party, polygonText string) (*store.Tenure, error) {
	for i := range m.tenures {
		if m.tenures[i].Party == party && m.tenures[i].PolygonText == polygonText {
			return &m.tenures[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertVote(_ context.Context, v store.Vote) error {
	m.votes = append(m.votes, v)
	return nil
}

func (m *memStore) InsertOrgRole(_ context.Context, r store.OrgRole) error {
	m.orgRoles = append(m.orgRoles, r)
	return nil
}

func (m *memStore) FindOrgRole(_ context.Context, orgName, roleName, member, startDate, endDate string) (*store.OrgRole, error) {
	for i := range m.orgRoles {
		r := m.orgRoles[i]
		if r.OrgName == orgName && r.RoleName == roleName && r.Member == member &&
			r.StartDate == startDate && r.EndDate == endDate {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindEvent(_ context.Context, orgName, name string, startTime time.Time) (*store.Event, error) {
	for _, e := range m.events {
		if e.OrgName == orgName && e.Name == name && e.StartTime.Equal(startTime) {
			return &e, nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertEvent(_ context.Context, e store.Event) error {
	m.events[e.ID] = e
	return nil
}

func (m *memStore) FindEventAction(_ context.Context, agent, eventID string) (*store.EventAction, error) {
	for i := range m.eventActions {
		if m.eventActions[i].Agent == agent && m.eventActions[i].EventID == eventID {
			return &m.eventActions[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertEventAction(_ context.Context, a store.EventAction) error {
	m.eventActions = append(m.eventActions, a)
	return nil
}

func (m *memStore) GetRegistration(_ context.Context, did string) (*store.Registration, error) {
	if r, ok := m.registrations[did]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *memStore) InsertRegistration(_ context.Context, r store.Registration) error {
	m.registrations[r.DID] = r
	return nil
}

func (m *memStore) CountClaimsSince(_ context.Context, issuer string, since time.Time) (int, error) {
	count := 0
	for _, id := range m.claimOrder {
		c := m.claims[id]
		if c.Issuer == issuer && !c.IssuedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CountRegistrationsSince(_ context.Context, agent string, since time.Time) (int, error) {
	count := 0
	for _, r := range m.registrations {
		if r.Agent == agent && !r.Epoch.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) GetInvite(_ context.Context, identifier string) (*store.Invite, error) {
	if inv, ok := m.invites[identifier]; ok {
		return &inv, nil
	}
	return nil, nil
}

func (m *memStore) InsertInvite(_ context.Context, inv store.Invite) error {
	m.invites[inv.Identifier] = inv
	return nil
}

func (m *memStore) RedeemInvite(_ context.Context, identifier, redeemedBy string) (bool, error) {
	inv, ok := m.invites[identifier]
	if !ok || inv.RedeemedAt != nil {
		return false, nil
	}
	now := time.Now()
	inv.RedeemedAt = &now
	inv.RedeemedBy = redeemedBy
	m.invites[identifier] = inv
	return true, nil
}

func (m *memStore) FindConfirmation(_ context.Context, issuer, confirmedClaimID string) (*store.Confirmation, error) {
	for i := range m.confirmations {
		if m.confirmations[i].Issuer == issuer && m.confirmations[i].ConfirmedClaimID == confirmedClaimID {
			return &m.confirmations[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertConfirmation(_ context.Context, c store.Confirmation) error {
	m.confirmations = append(m.confirmations, c)
	return nil
}

// fakeVerifier hands back pre-registered envelopes keyed by token.
type fakeVerifier struct {
	tokens map[string]envelope.Verified
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{tokens: make(map[string]envelope.Verified)}
}

func (f *fakeVerifier) add(token, issuer string, issuedAt time.Time, body map[string]any) {
	f.tokens[token] = envelope.Verified{
		Issuer:   issuer,
		IssuedAt: issuedAt,
		Payload:  map[string]any{"claim": body},
	}
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (envelope.Verified, error) {
	v, ok := f.tokens[token]
	if !ok {
		return envelope.Verified{}, fmt.Errorf("%w: unknown token", envelope.ErrVerifyFailed)
	}
	return v, nil
}

// fakeNetwork records visibility grants.
type fakeNetwork struct {
	edges [][2]string
}

func (f *fakeNetwork) AddEdge(_ context.Context, subject, object string) error {
	f.edges = append(f.edges, [2]string{subject, object})
	return nil
}

func (f *fakeNetwork) hasEdge(subject, object string) bool {
	for _, e := range f.edges {
		if e[0] == subject && e[1] == object {
			return true
		}
	}
	return false
}

type testEnv struct {
	service  *Service
	store    *memStore
	verifier *fakeVerifier
	network  *fakeNetwork
	now      time.Time
}

var testClock = time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC) // a Wednesday

func newTestEnv() *testEnv {
	env := &testEnv{
		store:    newMemStore(),
		verifier: newFakeVerifier(),
		network:  &fakeNetwork{},
		now:      testClock,
	}
	cfg := config.Config{
		HandlePrefix:     "vouch:lid:",
		MaxClaimsPerWeek: 100,
		MaxRegsPerMonth:  10,
		QueryLimit:       50,
		InviteTTL:        30 * 24 * time.Hour,
	}
	env.service = New(cfg, env.store, env.verifier, env.network, zap.NewNop())
	env.service.now = func() time.Time { return env.now }
	return env
}

// register records an existing registration so the identity may submit.
func (env *testEnv) register(did string, overrides ...func(*store.Registration)) {
	reg := store.Registration{DID: did, Agent: did, Epoch: testClock.AddDate(0, -1, 0)}
	for _, apply := range overrides {
		apply(&reg)
	}
	env.store.registrations[did] = reg
}

// submit registers a token for issuer and runs it through intake.
func (env *testEnv) submit(issuer string, body map[string]any) (IntakeResult, error) {
	return env.submitAs(issuer, "", body)
}

func (env *testEnv) submitAs(issuer, authDID string, body map[string]any) (IntakeResult, error) {
	token := fmt.Sprintf("token-%d", len(env.verifier.tokens))
	env.verifier.add(token, issuer, env.now, body)
	return env.service.SubmitClaim(context.Background(), token, authDID)
}
