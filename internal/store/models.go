package store

import "time"

// GlobalVisibleDID is the reserved wildcard subject on a visibility edge:
// an edge (subject="*", object=X) means X is visible to everyone.
const GlobalVisibleDID = "*"

// Claim is the immutable ledger record. Only the two chain-hash fields are
// ever written after insert, and only by the hash-chain builder.
type Claim struct {
	ID              string
	Issuer          string
	Subject         string
	IssuedAt        time.Time
	Context         string
	ClaimType       string
	ClaimBody       string // canonical JSON payload
	HandleID        string
	LastClaimID     *string
	CanonicalHash   string
	HashNonce       string
	NoncedHash      string
	GlobalChainHash *string
	IssuerChainHash *string
	CreatedAt       time.Time
}

// ClaimFilter narrows paginated claim queries. AfterID restarts a page
// after the given claim id (ids sort by creation time).
type ClaimFilter struct {
	Issuer       string
	Subject      string
	ClaimType    string
	HandleID     string
	IssuedAfter  *time.Time
	IssuedBefore *time.Time
	AfterID      string
	Limit        int
}

// ClaimPage is a paged claim result. HitLimit is true when the page holds
// exactly the configured maximum, signaling more rows may exist.
type ClaimPage struct {
	Data     []Claim
	HitLimit bool
}

// Give is the derived projection for GiveAction claims, one live row per
// handle.
type Give struct {
	HandleID              string
	ClaimID               string
	Issuer                string
	IssuedAt              time.Time
	Agent                 string
	Recipient             string
	FulfillsHandleID      string
	FulfillsType          string
	FulfillsPlanHandleID  string
	FulfillsLinkConfirmed bool
	Amount                float64
	Unit                  string
	Description           string
	AmountConfirmed       float64
	// GiftNotTrade is nil until a Donate/Trade sub-clause classifies the
	// give; a Trade clause anywhere forces false.
	GiftNotTrade *bool
	FullClaim    string
}

// GiveProvider names a party that helped deliver a give; LinkConfirmed is
// set only by the confirmation reconciler.
type GiveProvider struct {
	GiveHandleID  string
	ProviderID    string
	LinkConfirmed bool
}

// Offer is the derived projection for Offer claims.
type Offer struct {
	HandleID                string
	ClaimID                 string
	Issuer                  string
	IssuedAt                time.Time
	Recipient               string
	FulfillsHandleID        string
	FulfillsPlanHandleID    string
	FulfillsLinkConfirmed   bool
	Amount                  float64
	Unit                    string
	AmountGiven             float64
	AmountGivenConfirmed    float64
	NonAmountGivenConfirmed int
	ObjectDescription       string
	ValidThrough            *time.Time
	FullClaim               string
}

// Plan is the derived projection for PlanAction and Project claims; Kind
// distinguishes the two.
type Plan struct {
	HandleID              string
	ClaimID               string
	Issuer                string
	Agent                 string
	Kind                  string // "plan" or "project"
	Name                  string
	Description           string
	FulfillsPlanHandleID  string
	FulfillsLinkConfirmed bool
	StartTime             *time.Time
	EndTime               *time.Time
	Lat                   *float64
	Lon                   *float64
	URL                   string
	FullClaim             string
}

// Tenure records a claimed occupancy over a spatial region, with a
// bounding box derived from the polygon description.
type Tenure struct {
	ClaimID     string
	Issuer      string
	Party       string
	PolygonText string
	MinLat      float64
	MinLon      float64
	MaxLat      float64
	MaxLon      float64
	FullClaim   string
}

// Vote is the derived projection for VoteAction claims.
type Vote struct {
	ClaimID        string
	Issuer         string
	ActionOption   string
	Candidate      string
	EventName      string
	EventStartTime *time.Time
}

// OrgRole records a person holding a named role in an organization.
type OrgRole struct {
	ClaimID   string
	Issuer    string
	OrgName   string
	RoleName  string
	Member    string
	StartDate string
	EndDate   string
}

// Event is a find-or-create row keyed by organizer, name and start time.
type Event struct {
	ID        string
	OrgName   string
	Name      string
	StartTime time.Time
}

// EventAction links an agent to an event; at most one per (agent, event).
type EventAction struct {
	ClaimID   string
	Agent     string
	EventID   string
	FullClaim string
}

// Registration gates claim submission. Overrides, when non-nil, replace
// the configured rate-limit defaults for this identity.
type Registration struct {
	DID              string
	Agent            string
	Epoch            time.Time
	MaxClaimsPerWeek *int
	MaxRegsPerMonth  *int
}

// Invite is a single-use, expiring registration voucher.
type Invite struct {
	Identifier string
	Issuer     string
	Notes      string
	ExpiresAt  time.Time
	RedeemedAt *time.Time
	RedeemedBy string
}

// Confirmation links a confirming issuer to the claim it corroborates.
// At most one per (issuer, confirmed claim).
type Confirmation struct {
	ID                 string
	Issuer             string
	ConfirmedClaimID   string
	ConfirmedFullClaim string
	ConfirmedCanonHash string
	CreatedAt          time.Time
}

// NetworkEdge means Subject may see Object's identity in results.
type NetworkEdge struct {
	Subject string
	Object  string
}
