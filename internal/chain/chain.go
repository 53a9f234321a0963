// Package chain extends the global and per-issuer hash chains over newly
// committed claims.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"vouch/api/internal/metrics"
	"vouch/api/internal/store"
)

const batchSize = 200

type chainStore interface {
	ListUnchainedClaims(ctx context.Context, limit int) ([]store.Claim, error)
	LatestChainedClaim(ctx context.Context) (*store.Claim, error)
	LatestChainedClaimByIssuer(ctx context.Context, issuer string) (*store.Claim, error)
	SetChainHashes(ctx context.Context, claimID, globalHash, issuerHash string) error
}

// Builder advances the chains strictly in ascending claim-id order. A
// single mutex makes concurrent runs impossible; every link depends on
// the previous one.
type Builder struct {
	mu     sync.Mutex
	store  chainStore
	logger *zap.Logger
	kicks  chan struct{}
}

func New(chainStore chainStore, logger *zap.Logger) *Builder {
	return &Builder{
		store:  chainStore,
		logger: logger,
		kicks:  make(chan struct{}, 1),
	}
}

// Kick requests a run from the background loop without blocking. Multiple
// kicks while a run is in flight collapse into one.
func (b *Builder) Kick() {
	select {
	case b.kicks <- struct{}{}:
	default:
	}
}

// Start runs the builder loop until the context ends.
func (b *Builder) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.kicks:
			if _, err := b.Run(ctx); err != nil {
				b.logger.Error("chain run failed", zap.Error(err))
			}
		}
	}
}

// Run chains every not-yet-chained claim and returns how many links were
// written. Safe to invoke repeatedly; already-written links never change.
func (b *Builder) Run(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	globalValue, err := b.loadGlobalValue(ctx)
	if err != nil {
		return 0, err
	}
	issuerValues := make(map[string]string)
	chained := 0

	for {
		batch, err := b.store.ListUnchainedClaims(ctx, batchSize)
		if err != nil {
			return chained, err
		}
		if len(batch) == 0 {
			return chained, nil
		}
		for _, claim := range batch {
			issuerValue, err := b.issuerValue(ctx, issuerValues, claim.Issuer)
			if err != nil {
				return chained, err
			}

			commitment := claim.NoncedHash
			globalValue = link(globalValue, commitment)
			issuerValue = link(issuerValue, commitment)

			if err := b.store.SetChainHashes(ctx, claim.ID, globalValue, issuerValue); err != nil {
				return chained, fmt.Errorf("write chain hashes for %s: %w", claim.ID, err)
			}
			issuerValues[claim.Issuer] = issuerValue
			chained++
			metrics.ChainLinksTotal.WithLabelValues("global").Inc()
			metrics.ChainLinksTotal.WithLabelValues("issuer").Inc()
		}
	}
}

func (b *Builder) loadGlobalValue(ctx context.Context) (string, error) {
	latest, err := b.store.LatestChainedClaim(ctx)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", nil
	}
	if latest.GlobalChainHash == nil {
		return "", fmt.Errorf("claim %s is chained without a global value", latest.ID)
	}
	return *latest.GlobalChainHash, nil
}

// issuerValue loads the running chain value for an issuer the first time
// it appears in this run. A chained predecessor without an issuer-chain
// value means the chain was built out of order; that aborts the run.
func (b *Builder) issuerValue(ctx context.Context, cache map[string]string, issuer string) (string, error) {
	if value, ok := cache[issuer]; ok {
		return value, nil
	}
	prior, err := b.store.LatestChainedClaimByIssuer(ctx, issuer)
	if err != nil {
		return "", err
	}
	if prior == nil {
		return "", nil
	}
	if prior.IssuerChainHash == nil {
		return "", fmt.Errorf("issuer %s has chained claim %s without an issuer-chain value", issuer, prior.ID)
	}
	return *prior.IssuerChainHash, nil
}

func link(prev, commitment string) string {
	sum := sha256.Sum256([]byte(prev + commitment))
	return hex.EncodeToString(sum[:])
}
