package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const claimColumns = `id, issuer, subject, issued_at, context, claim_type, claim_body,
	handle_id, last_claim_id, canonical_hash, hash_nonce, nonced_hash,
	global_chain_hash, issuer_chain_hash, created_at`

func scanClaim(row interface{ Scan(...any) error }) (Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.Issuer, &c.Subject, &c.IssuedAt, &c.Context, &c.ClaimType,
		&c.ClaimBody, &c.HandleID, &c.LastClaimID, &c.CanonicalHash, &c.HashNonce,
		&c.NoncedHash, &c.GlobalChainHash, &c.IssuerChainHash, &c.CreatedAt)
	return c, err
}

func (s *PostgresStore) InsertClaim(ctx context.Context, c Claim) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (id, issuer, subject, issued_at, context, claim_type, claim_body,
			handle_id, last_claim_id, canonical_hash, hash_nonce, nonced_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, c.ID, c.Issuer, c.Subject, c.IssuedAt, c.Context, c.ClaimType, c.ClaimBody,
		c.HandleID, c.LastClaimID, c.CanonicalHash, c.HashNonce, c.NoncedHash)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetClaimByID(ctx context.Context, id string) (*Claim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=$1`, id)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetLatestClaimByHandle(ctx context.Context, handleID string) (*Claim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+claimColumns+` FROM claims WHERE handle_id=$1 ORDER BY id DESC LIMIT 1
	`, handleID)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest claim by handle: %w", err)
	}
	return &c, nil
}

// ExistsByHash returns the id of a claim with the same canonical hash,
// issuer, and issuedAt, or "" when no such claim exists.
func (s *PostgresStore) ExistsByHash(ctx context.Context, hash, issuer string, issuedAt time.Time) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM claims WHERE canonical_hash=$1 AND issuer=$2 AND issued_at=$3 LIMIT 1
	`, hash, issuer, issuedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check duplicate claim: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListClaims(ctx context.Context, filter ClaimFilter) (ClaimPage, error) {
	where := []string{"1=1"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.Issuer != "" {
		where = append(where, "issuer="+arg(filter.Issuer))
	}
	if filter.Subject != "" {
		where = append(where, "subject="+arg(filter.Subject))
	}
	if filter.ClaimType != "" {
		where = append(where, "claim_type="+arg(filter.ClaimType))
	}
	if filter.HandleID != "" {
		where = append(where, "handle_id="+arg(filter.HandleID))
	}
	if filter.IssuedAfter != nil {
		where = append(where, "issued_at >= "+arg(*filter.IssuedAfter))
	}
	if filter.IssuedBefore != nil {
		where = append(where, "issued_at <= "+arg(*filter.IssuedBefore))
	}
	if filter.AfterID != "" {
		where = append(where, "id > "+arg(filter.AfterID))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + claimColumns + ` FROM claims WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY id ASC LIMIT ` + arg(limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ClaimPage{}, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	page := ClaimPage{Data: make([]Claim, 0)}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return ClaimPage{}, fmt.Errorf("scan claim: %w", err)
		}
		page.Data = append(page.Data, c)
	}
	if err := rows.Err(); err != nil {
		return ClaimPage{}, fmt.Errorf("iterate claims: %w", err)
	}
	page.HitLimit = len(page.Data) == limit
	return page, nil
}

// SearchClaims is the Postgres fallback for full-text claim search.
func (s *PostgresStore) SearchClaims(ctx context.Context, term string, limit int) ([]Claim, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM claims WHERE claim_body ILIKE '%' || $1 || '%'
		ORDER BY id DESC LIMIT $2
	`, term, limit)
	if err != nil {
		return nil, fmt.Errorf("search claims: %w", err)
	}
	defer rows.Close()

	items := make([]Claim, 0)
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search claims: %w", err)
	}
	return items, nil
}

// ListUnchainedClaims returns claims without chain hashes, oldest first.
func (s *PostgresStore) ListUnchainedClaims(ctx context.Context, limit int) ([]Claim, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM claims WHERE global_chain_hash IS NULL ORDER BY id ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unchained claims: %w", err)
	}
	defer rows.Close()

	items := make([]Claim, 0)
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unchained claims: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetChainHashes(ctx context.Context, claimID, globalHash, issuerHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE claims SET global_chain_hash=$2, issuer_chain_hash=$3
		WHERE id=$1 AND global_chain_hash IS NULL
	`, claimID, globalHash, issuerHash)
	if err != nil {
		return fmt.Errorf("set chain hashes: %w", err)
	}
	return nil
}

// LatestChainedClaim returns the most recent claim carrying a global chain
// hash, or nil when the chain is empty.
func (s *PostgresStore) LatestChainedClaim(ctx context.Context) (*Claim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+claimColumns+` FROM claims WHERE global_chain_hash IS NOT NULL ORDER BY id DESC LIMIT 1
	`)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest chained claim: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) LatestChainedClaimByIssuer(ctx context.Context, issuer string) (*Claim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+claimColumns+` FROM claims
		WHERE issuer=$1 AND issuer_chain_hash IS NOT NULL ORDER BY id DESC LIMIT 1
	`, issuer)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest chained claim by issuer: %w", err)
	}
	return &c, nil
}

// Gives

func (s *PostgresStore) InsertGive(ctx context.Context, g Give) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gives (handle_id, claim_id, issuer, issued_at, agent, recipient,
			fulfills_handle_id, fulfills_type, fulfills_plan_handle_id, fulfills_link_confirmed,
			amount, unit, description, amount_confirmed, gift_not_trade, full_claim)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, g.HandleID, g.ClaimID, g.Issuer, g.IssuedAt, g.Agent, g.Recipient,
		g.FulfillsHandleID, g.FulfillsType, g.FulfillsPlanHandleID, g.FulfillsLinkConfirmed,
		g.Amount, g.Unit, g.Description, g.AmountConfirmed, g.GiftNotTrade, g.FullClaim)
	if err != nil {
		return fmt.Errorf("insert give: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateGive(ctx context.Context, g Give) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE gives SET claim_id=$2, issuer=$3, issued_at=$4, agent=$5, recipient=$6,
			fulfills_handle_id=$7, fulfills_type=$8, fulfills_plan_handle_id=$9,
			fulfills_link_confirmed=$10, amount=$11, unit=$12, description=$13,
			amount_confirmed=$14, gift_not_trade=$15, full_claim=$16
		WHERE handle_id=$1
	`, g.HandleID, g.ClaimID, g.Issuer, g.IssuedAt, g.Agent, g.Recipient,
		g.FulfillsHandleID, g.FulfillsType, g.FulfillsPlanHandleID, g.FulfillsLinkConfirmed,
		g.Amount, g.Unit, g.Description, g.AmountConfirmed, g.GiftNotTrade, g.FullClaim)
	if err != nil {
		return fmt.Errorf("update give: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGiveByHandle(ctx context.Context, handleID string) (*Give, error) {
	var g Give
	err := s.db.QueryRowContext(ctx, `
		SELECT handle_id, claim_id, issuer, issued_at, agent, recipient,
			fulfills_handle_id, fulfills_type, fulfills_plan_handle_id, fulfills_link_confirmed,
			amount, unit, description, amount_confirmed, gift_not_trade, full_claim
		FROM gives WHERE handle_id=$1
	`, handleID).Scan(&g.HandleID, &g.ClaimID, &g.Issuer, &g.IssuedAt, &g.Agent, &g.Recipient,
		&g.FulfillsHandleID, &g.FulfillsType, &g.FulfillsPlanHandleID, &g.FulfillsLinkConfirmed,
		&g.Amount, &g.Unit, &g.Description, &g.AmountConfirmed, &g.GiftNotTrade, &g.FullClaim)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get give: %w", err)
	}
	return &g, nil
}

// ReplaceGiveProviders deletes then reinserts the provider rows for a give.
func (s *PostgresStore) ReplaceGiveProviders(ctx context.Context, handleID string, providers []GiveProvider) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin providers tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM give_providers WHERE give_handle_id=$1`, handleID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete providers: %w", err)
	}
	for _, p := range providers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO give_providers (give_handle_id, provider_id, link_confirmed)
			VALUES ($1, $2, $3)
			ON CONFLICT (give_handle_id, provider_id) DO NOTHING
		`, handleID, p.ProviderID, p.LinkConfirmed); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert provider: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit providers tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGiveProviders(ctx context.Context, handleID string) ([]GiveProvider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT give_handle_id, provider_id, link_confirmed FROM give_providers
		WHERE give_handle_id=$1 ORDER BY provider_id
	`, handleID)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	items := make([]GiveProvider, 0)
	for rows.Next() {
		var p GiveProvider
		if err := rows.Scan(&p.GiveHandleID, &p.ProviderID, &p.LinkConfirmed); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate providers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ConfirmGiveProviderLink(ctx context.Context, handleID, providerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE give_providers SET link_confirmed=TRUE WHERE give_handle_id=$1 AND provider_id=$2
	`, handleID, providerID)
	if err != nil {
		return fmt.Errorf("confirm provider link: %w", err)
	}
	return nil
}

// Offers

func (s *PostgresStore) InsertOffer(ctx context.Context, o Offer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offers (handle_id, claim_id, issuer, issued_at, recipient,
			fulfills_handle_id, fulfills_plan_handle_id, fulfills_link_confirmed,
			amount, unit, amount_given, amount_given_confirmed, non_amount_given_confirmed,
			object_description, valid_through, full_claim)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, o.HandleID, o.ClaimID, o.Issuer, o.IssuedAt, o.Recipient,
		o.FulfillsHandleID, o.FulfillsPlanHandleID, o.FulfillsLinkConfirmed,
		o.Amount, o.Unit, o.AmountGiven, o.AmountGivenConfirmed, o.NonAmountGivenConfirmed,
		o.ObjectDescription, o.ValidThrough, o.FullClaim)
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateOffer(ctx context.Context, o Offer) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE offers SET claim_id=$2, issuer=$3, issued_at=$4, recipient=$5,
			fulfills_handle_id=$6, fulfills_plan_handle_id=$7, fulfills_link_confirmed=$8,
			amount=$9, unit=$10, amount_given=$11, amount_given_confirmed=$12,
			non_amount_given_confirmed=$13, object_description=$14, valid_through=$15, full_claim=$16
		WHERE handle_id=$1
	`, o.HandleID, o.ClaimID, o.Issuer, o.IssuedAt, o.Recipient,
		o.FulfillsHandleID, o.FulfillsPlanHandleID, o.FulfillsLinkConfirmed,
		o.Amount, o.Unit, o.AmountGiven, o.AmountGivenConfirmed, o.NonAmountGivenConfirmed,
		o.ObjectDescription, o.ValidThrough, o.FullClaim)
	if err != nil {
		return fmt.Errorf("update offer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOfferByHandle(ctx context.Context, handleID string) (*Offer, error) {
	var o Offer
	err := s.db.QueryRowContext(ctx, `
		SELECT handle_id, claim_id, issuer, issued_at, recipient,
			fulfills_handle_id, fulfills_plan_handle_id, fulfills_link_confirmed,
			amount, unit, amount_given, amount_given_confirmed, non_amount_given_confirmed,
			object_description, valid_through, full_claim
		FROM offers WHERE handle_id=$1
	`, handleID).Scan(&o.HandleID, &o.ClaimID, &o.Issuer, &o.IssuedAt, &o.Recipient,
		&o.FulfillsHandleID, &o.FulfillsPlanHandleID, &o.FulfillsLinkConfirmed,
		&o.Amount, &o.Unit, &o.AmountGiven, &o.AmountGivenConfirmed, &o.NonAmountGivenConfirmed,
		&o.ObjectDescription, &o.ValidThrough, &o.FullClaim)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return &o, nil
}

// Plans (PlanAction and Project projections share the table; kind splits them)

func (s *PostgresStore) InsertPlan(ctx context.Context, p Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (handle_id, claim_id, issuer, agent, kind, name, description,
			fulfills_plan_handle_id, fulfills_link_confirmed, start_time, end_time, lat, lon, url, full_claim)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, p.HandleID, p.ClaimID, p.Issuer, p.Agent, p.Kind, p.Name, p.Description,
		p.FulfillsPlanHandleID, p.FulfillsLinkConfirmed, p.StartTime, p.EndTime, p.Lat, p.Lon, p.URL, p.FullClaim)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePlan(ctx context.Context, p Plan) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE plans SET claim_id=$2, issuer=$3, agent=$4, kind=$5, name=$6, description=$7,
			fulfills_plan_handle_id=$8, fulfills_link_confirmed=$9, start_time=$10, end_time=$11,
			lat=$12, lon=$13, url=$14, full_claim=$15
		WHERE handle_id=$1
	`, p.HandleID, p.ClaimID, p.Issuer, p.Agent, p.Kind, p.Name, p.Description,
		p.FulfillsPlanHandleID, p.FulfillsLinkConfirmed, p.StartTime, p.EndTime, p.Lat, p.Lon, p.URL, p.FullClaim)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlanByHandle(ctx context.Context, handleID string) (*Plan, error) {
	var p Plan
	err := s.db.QueryRowContext(ctx, `
		SELECT handle_id, claim_id, issuer, agent, kind, name, description,
			fulfills_plan_handle_id, fulfills_link_confirmed, start_time, end_time, lat, lon, url, full_claim
		FROM plans WHERE handle_id=$1
	`, handleID).Scan(&p.HandleID, &p.ClaimID, &p.Issuer, &p.Agent, &p.Kind, &p.Name,
		&p.Description, &p.FulfillsPlanHandleID, &p.FulfillsLinkConfirmed, &p.StartTime, &p.EndTime,
		&p.Lat, &p.Lon, &p.URL, &p.FullClaim)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &p, nil
}

// Tenures

func (s *PostgresStore) InsertTenure(ctx context.Context, t Tenure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenures (claim_id, issuer, party, polygon_text, min_lat, min_lon, max_lat, max_lon, full_claim)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, t.ClaimID, t.Issuer, t.Party, t.PolygonText, t.MinLat, t.MinLon, t.MaxLat, t.MaxLon, t.FullClaim)
	if err != nil {
		return fmt.Errorf("insert tenure: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindTenure(ctx context.Context, party, polygonText string) (*Tenure, error) {
	var t Tenure
	err := s.db.QueryRowContext(ctx, `
		SELECT claim_id, issuer, party, polygon_text, min_lat, min_lon, max_lat, max_lon, full_claim
		FROM tenures WHERE party=$1 AND polygon_text=$2 LIMIT 1
	`, party, polygonText).Scan(&t.ClaimID, &t.Issuer, &t.Party, &t.PolygonText,
		&t.MinLat, &t.MinLon, &t.MaxLat, &t.MaxLon, &t.FullClaim)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find tenure: %w", err)
	}
	return &t, nil
}

// Votes

func (s *PostgresStore) InsertVote(ctx context.Context, v Vote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (claim_id, issuer, action_option, candidate, event_name, event_start_time)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, v.ClaimID, v.Issuer, v.ActionOption, v.Candidate, v.EventName, v.EventStartTime)
	if err != nil {
		return fmt.Errorf("insert vote: %w", err)
	}
	return nil
}

// Org roles

func (s *PostgresStore) InsertOrgRole(ctx context.Context, r OrgRole) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_roles (claim_id, issuer, org_name, role_name, member, start_date, end_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, r.ClaimID, r.Issuer, r.OrgName, r.RoleName, r.Member, r.StartDate, r.EndDate)
	if err != nil {
		return fmt.Errorf("insert org role: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindOrgRole(ctx context.Context, orgName, roleName, member, startDate, endDate string) (*OrgRole, error) {
	var r OrgRole
	err := s.db.QueryRowContext(ctx, `
		SELECT claim_id, issuer, org_name, role_name, member, start_date, end_date
		FROM org_roles
		WHERE org_name=$1 AND role_name=$2 AND member=$3 AND start_date=$4 AND end_date=$5
		LIMIT 1
	`, orgName, roleName, member, startDate, endDate).Scan(&r.ClaimID, &r.Issuer, &r.OrgName,
		&r.RoleName, &r.Member, &r.StartDate, &r.EndDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find org role: %w", err)
	}
	return &r, nil
}

// Events

func (s *PostgresStore) FindEvent(ctx context.Context, orgName, name string, startTime time.Time) (*Event, error) {
	var e Event
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_name, name, start_time FROM events
		WHERE org_name=$1 AND name=$2 AND start_time=$3
	`, orgName, name, startTime).Scan(&e.ID, &e.OrgName, &e.Name, &e.StartTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find event: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, org_name, name, start_time) VALUES ($1,$2,$3,$4)
		ON CONFLICT (org_name, name, start_time) DO NOTHING
	`, e.ID, e.OrgName, e.Name, e.StartTime)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindEventAction(ctx context.Context, agent, eventID string) (*EventAction, error) {
	var a EventAction
	err := s.db.QueryRowContext(ctx, `
		SELECT claim_id, agent, event_id, full_claim FROM event_actions
		WHERE agent=$1 AND event_id=$2
	`, agent, eventID).Scan(&a.ClaimID, &a.Agent, &a.EventID, &a.FullClaim)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find event action: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) InsertEventAction(ctx context.Context, a EventAction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_actions (claim_id, agent, event_id, full_claim) VALUES ($1,$2,$3,$4)
	`, a.ClaimID, a.Agent, a.EventID, a.FullClaim)
	if err != nil {
		return fmt.Errorf("insert event action: %w", err)
	}
	return nil
}

// Registrations and rate limits

func (s *PostgresStore) GetRegistration(ctx context.Context, did string) (*Registration, error) {
	var r Registration
	err := s.db.QueryRowContext(ctx, `
		SELECT did, agent, epoch, max_claims_per_week, max_regs_per_month
		FROM registrations WHERE did=$1
	`, did).Scan(&r.DID, &r.Agent, &r.Epoch, &r.MaxClaimsPerWeek, &r.MaxRegsPerMonth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) InsertRegistration(ctx context.Context, r Registration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registrations (did, agent, epoch, max_claims_per_week, max_regs_per_month)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (did) DO NOTHING
	`, r.DID, r.Agent, r.Epoch, r.MaxClaimsPerWeek, r.MaxRegsPerMonth)
	if err != nil {
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountClaimsSince(ctx context.Context, issuer string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM claims WHERE issuer=$1 AND issued_at >= $2
	`, issuer, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountRegistrationsSince(ctx context.Context, agent string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM registrations WHERE agent=$1 AND epoch >= $2
	`, agent, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count registrations: %w", err)
	}
	return count, nil
}

// Invites

func (s *PostgresStore) GetInvite(ctx context.Context, identifier string) (*Invite, error) {
	var inv Invite
	err := s.db.QueryRowContext(ctx, `
		SELECT identifier, issuer, notes, expires_at, redeemed_at, redeemed_by
		FROM invites WHERE identifier=$1
	`, identifier).Scan(&inv.Identifier, &inv.Issuer, &inv.Notes, &inv.ExpiresAt,
		&inv.RedeemedAt, &inv.RedeemedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invite: %w", err)
	}
	return &inv, nil
}

func (s *PostgresStore) InsertInvite(ctx context.Context, inv Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invites (identifier, issuer, notes, expires_at) VALUES ($1,$2,$3,$4)
	`, inv.Identifier, inv.Issuer, inv.Notes, inv.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

// RedeemInvite marks an invite used; returns false when it was already
// redeemed (the single-use check and the mark are one statement).
func (s *PostgresStore) RedeemInvite(ctx context.Context, identifier, redeemedBy string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invites SET redeemed_at=NOW(), redeemed_by=$2
		WHERE identifier=$1 AND redeemed_at IS NULL
	`, identifier, redeemedBy)
	if err != nil {
		return false, fmt.Errorf("redeem invite: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("redeem invite result: %w", err)
	}
	return affected == 1, nil
}

// Confirmations

func (s *PostgresStore) FindConfirmation(ctx context.Context, issuer, confirmedClaimID string) (*Confirmation, error) {
	var c Confirmation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, issuer, confirmed_claim_id, confirmed_full_claim, confirmed_canon_hash, created_at
		FROM confirmations WHERE issuer=$1 AND confirmed_claim_id=$2
	`, issuer, confirmedClaimID).Scan(&c.ID, &c.Issuer, &c.ConfirmedClaimID,
		&c.ConfirmedFullClaim, &c.ConfirmedCanonHash, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find confirmation: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) InsertConfirmation(ctx context.Context, c Confirmation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO confirmations (id, issuer, confirmed_claim_id, confirmed_full_claim, confirmed_canon_hash)
		VALUES ($1,$2,$3,$4,$5)
	`, c.ID, c.Issuer, c.ConfirmedClaimID, c.ConfirmedFullClaim, c.ConfirmedCanonHash)
	if err != nil {
		return fmt.Errorf("insert confirmation: %w", err)
	}
	return nil
}

// Visibility edges

func (s *PostgresStore) InsertEdge(ctx context.Context, subject, object string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO network_edges (subject, object) VALUES ($1,$2)
		ON CONFLICT (subject, object) DO NOTHING
	`, subject, object)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteEdge(ctx context.Context, subject, object string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM network_edges WHERE subject=$1 AND object=$2
	`, subject, object)
	if err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListObjectsSeenBy(ctx context.Context, subject string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object FROM network_edges WHERE subject=$1 ORDER BY object
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("list seen objects: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *PostgresStore) ListSubjectsWhoSee(ctx context.Context, object string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject FROM network_edges WHERE object=$1 ORDER BY subject
	`, object)
	if err != nil {
		return nil, fmt.Errorf("list seeing subjects: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	items := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan string row: %w", err)
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate string rows: %w", err)
	}
	return items, nil
}
