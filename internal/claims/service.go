package claims

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vouch/api/internal/config"
	"vouch/api/internal/envelope"
	"vouch/api/internal/store"
)

// dataStore is the abstract claim store the core consumes. The Postgres
// implementation lives in internal/store; tests use an in-memory fake.
type dataStore interface {
	InsertClaim(context.Context, store.Claim) error
	GetClaimByID(context.Context, string) (*store.Claim, error)
	GetLatestClaimByHandle(context.Context, string) (*store.Claim, error)
	ExistsByHash(context.Context, string, string, time.Time) (string, error)
	ListClaims(context.Context, store.ClaimFilter) (store.ClaimPage, error)

	InsertGive(context.Context, store.Give) error
	UpdateGive(context.Context, store.Give) error
	GetGiveByHandle(context.Context, string) (*store.Give, error)
	ReplaceGiveProviders(context.Context, string, []store.GiveProvider) error
	ListGiveProviders(context.Context, string) ([]store.GiveProvider, error)
	ConfirmGiveProviderLink(context.Context, string, string) error

	InsertOffer(context.Context, store.Offer) error
	UpdateOffer(context.Context, store.Offer) error
	GetOfferByHandle(context.Context, string) (*store.Offer, error)

	InsertPlan(context.Context, store.Plan) error
	UpdatePlan(context.Context, store.Plan) error
	GetPlanByHandle(context.Context, string) (*store.Plan, error)

	InsertTenure(context.Context, store.Tenure) error
	FindTenure(context.Context, string, string) (*store.Tenure, error)

	InsertVote(context.Context, store.Vote) error

	InsertOrgRole(context.Context, store.OrgRole) error
	FindOrgRole(context.Context, string, string, string, string, string) (*store.OrgRole, error)

	FindEvent(context.Context, string, string, time.Time) (*store.Event, error)
	InsertEvent(context.Context, store.Event) error
	FindEventAction(context.Context, string, string) (*store.EventAction, error)
	InsertEventAction(context.Context, store.EventAction) error

	GetRegistration(context.Context, string) (*store.Registration, error)
	InsertRegistration(context.Context, store.Registration) error
	CountClaimsSince(context.Context, string, time.Time) (int, error)
	CountRegistrationsSince(context.Context, string, time.Time) (int, error)

	GetInvite(context.Context, string) (*store.Invite, error)
	InsertInvite(context.Context, store.Invite) error
	RedeemInvite(context.Context, string, string) (bool, error)

	FindConfirmation(context.Context, string, string) (*store.Confirmation, error)
	InsertConfirmation(context.Context, store.Confirmation) error
}

// visibilityWriter is the slice of the visibility graph the claim pipeline
// writes through, so the cache is updated alongside the store.
type visibilityWriter interface {
	AddEdge(ctx context.Context, subject, object string) error
}

// searchIndexer receives committed claims for full-text indexing. May be a
// no-op when search is not configured.
type searchIndexer interface {
	IndexClaim(c store.Claim)
}

// Service is the claim intake core: envelope verification, consistency
// validation, type dispatch, and confirmation reconciliation.
type Service struct {
	cfg      config.Config
	store    dataStore
	verifier envelope.Verifier
	network  visibilityWriter
	search   searchIndexer
	logger   *zap.Logger
	// chainKick nudges the hash-chain builder after a successful intake.
	chainKick func()
	now       func() time.Time
}

func New(cfg config.Config, dataStore dataStore, verifier envelope.Verifier, network visibilityWriter, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		verifier: verifier,
		network:  network,
		logger:   logger,
		now:      time.Now,
	}
}

// WithSearch attaches an optional claim search indexer.
func (s *Service) WithSearch(indexer searchIndexer) *Service {
	s.search = indexer
	return s
}

// WithChainKick attaches the hash-chain trigger invoked after intake.
func (s *Service) WithChainKick(kick func()) *Service {
	s.chainKick = kick
	return s
}

// IntakeResult is returned from a successful claim submission.
// EmbeddedRecordError and EmbeddedRecordWarning report dispatch-time
// failures that did not prevent the claim itself from being committed.
type IntakeResult struct {
	ClaimID               string         `json:"claimId"`
	HandleID              string         `json:"handleId"`
	HashNonce             string         `json:"hashNonce"`
	RecordsSavedForEdit   int            `json:"recordsSavedForEdit"`
	TypeResults           map[string]any `json:"typeResults,omitempty"`
	EmbeddedRecordError   string         `json:"embeddedRecordError,omitempty"`
	EmbeddedRecordWarning string         `json:"embeddedRecordWarning,omitempty"`
}

// ListClaims is the paginated read path; redaction happens above this
// layer, in the HTTP handlers, where the requester identity is known.
func (s *Service) ListClaims(ctx context.Context, filter store.ClaimFilter) (store.ClaimPage, error) {
	if filter.Limit <= 0 || filter.Limit > s.cfg.QueryLimit {
		filter.Limit = s.cfg.QueryLimit
	}
	return s.store.ListClaims(ctx, filter)
}

// GetClaim loads a single claim by id.
func (s *Service) GetClaim(ctx context.Context, id string) (*store.Claim, error) {
	return s.store.GetClaimByID(ctx, id)
}
