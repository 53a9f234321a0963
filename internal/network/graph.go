// Package network maintains the DID visibility graph: directed edges
// saying who may see whom in query results.
package network

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"vouch/api/internal/metrics"
	"vouch/api/internal/store"
)

// nonePrefix marks placeholder identities that never take part in the
// graph, such as the redaction sentinel.
const nonePrefix = "did:none:"

// edgeStore is the durable side of the graph.
type edgeStore interface {
	InsertEdge(ctx context.Context, subject, object string) error
	DeleteEdge(ctx context.Context, subject, object string) error
	ListObjectsSeenBy(ctx context.Context, subject string) ([]string, error)
	ListSubjectsWhoSee(ctx context.Context, object string) ([]string, error)
}

// visCache holds per-subject visible sets. Writes update cached sets in
// place rather than invalidating them, so a hot subject stays hot.
type visCache interface {
	Get(ctx context.Context, subject string) ([]string, bool)
	Put(ctx context.Context, subject string, objects []string)
	AddMember(ctx context.Context, subject, object string)
	RemoveMember(ctx context.Context, subject, object string)
}

// Graph answers visibility questions, cache first.
type Graph struct {
	store  edgeStore
	cache  visCache
	logger *zap.Logger
}

func New(edges edgeStore, cache visCache, logger *zap.Logger) *Graph {
	if cache == nil {
		cache = NewMemoryCache(15 * time.Minute)
	}
	return &Graph{store: edges, cache: cache, logger: logger}
}

func skipEdge(subject, object string) bool {
	return subject == "" || object == "" || subject == object ||
		strings.HasPrefix(subject, nonePrefix) || strings.HasPrefix(object, nonePrefix)
}

// AddEdge grants subject visibility into object. Self-edges and sentinel
// identities are silently ignored.
func (g *Graph) AddEdge(ctx context.Context, subject, object string) error {
	if skipEdge(subject, object) {
		return nil
	}
	if err := g.store.InsertEdge(ctx, subject, object); err != nil {
		return err
	}
	g.cache.AddMember(ctx, subject, object)
	return nil
}

// RemoveEdge revokes subject's visibility into object.
func (g *Graph) RemoveEdge(ctx context.Context, subject, object string) error {
	if skipEdge(subject, object) {
		return nil
	}
	if err := g.store.DeleteEdge(ctx, subject, object); err != nil {
		return err
	}
	g.cache.RemoveMember(ctx, subject, object)
	return nil
}

// AllVisibleTo returns every identity the subject may see: its direct
// edges, the globally visible set, and always itself.
func (g *Graph) AllVisibleTo(ctx context.Context, subject string) ([]string, error) {
	own, err := g.visibleSet(ctx, subject)
	if err != nil {
		return nil, err
	}
	global, err := g.visibleSet(ctx, store.GlobalVisibleDID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]struct{}, len(own)+len(global)+1)
	for _, did := range own {
		merged[did] = struct{}{}
	}
	for _, did := range global {
		merged[did] = struct{}{}
	}
	if subject != store.GlobalVisibleDID {
		merged[subject] = struct{}{}
	}

	out := make([]string, 0, len(merged))
	for did := range merged {
		out = append(out, did)
	}
	sort.Strings(out)
	return out, nil
}

// CanSee reports whether viewer may see target.
func (g *Graph) CanSee(ctx context.Context, viewer, target string) (bool, error) {
	if viewer == target {
		return true, nil
	}
	visible, err := g.AllVisibleTo(ctx, viewer)
	if err != nil {
		return false, err
	}
	for _, did := range visible {
		if did == target {
			return true, nil
		}
	}
	return false, nil
}

// WhoCanSee returns the identities that hold an edge into target. Reads
// straight through to the store; the cache is keyed by subject only.
func (g *Graph) WhoCanSee(ctx context.Context, target string) ([]string, error) {
	subjects, err := g.store.ListSubjectsWhoSee(ctx, target)
	if err != nil {
		return nil, err
	}
	sort.Strings(subjects)
	return subjects, nil
}

// CommonVisibility names the identities that could introduce the
// requester to the target: everyone the requester may see who also holds
// an edge into the target.
func (g *Graph) CommonVisibility(ctx context.Context, requester, target string) ([]string, error) {
	visible, err := g.AllVisibleTo(ctx, requester)
	if err != nil {
		return nil, err
	}
	seers, err := g.WhoCanSee(ctx, target)
	if err != nil {
		return nil, err
	}
	sees := make(map[string]struct{}, len(seers))
	for _, did := range seers {
		sees[did] = struct{}{}
	}
	var common []string
	for _, did := range visible {
		if _, ok := sees[did]; ok {
			common = append(common, did)
		}
	}
	return common, nil
}

func (g *Graph) visibleSet(ctx context.Context, subject string) ([]string, error) {
	if objects, ok := g.cache.Get(ctx, subject); ok {
		metrics.VisibilityCache.WithLabelValues("hit").Inc()
		return objects, nil
	}
	metrics.VisibilityCache.WithLabelValues("miss").Inc()

	objects, err := g.store.ListObjectsSeenBy(ctx, subject)
	if err != nil {
		return nil, err
	}
	g.cache.Put(ctx, subject, objects)
	return objects, nil
}
