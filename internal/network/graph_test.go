package network

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type fakeEdgeStore struct {
	edges map[string][]string
	calls int
}

func newFakeEdgeStore() *fakeEdgeStore {
	return &fakeEdgeStore{edges: make(map[string][]string)}
}

func (f *fakeEdgeStore) InsertEdge(_ context.Context, subject, object string) error {
	for _, existing := range f.edges[subject] {
		if existing == object {
			return nil
		}
	}
	f.edges[subject] = append(f.edges[subject], object)
	return nil
}

func (f *fakeEdgeStore) DeleteEdge(_ context.Context, subject, object string) error {
	kept := f.edges[subject][:0]
	for _, existing := range f.edges[subject] {
		if existing != object {
			kept = append(kept, existing)
		}
	}
	f.edges[subject] = kept
	return nil
}

func (f *fakeEdgeStore) ListObjectsSeenBy(_ context.Context, subject string) ([]string, error) {
	f.calls++
	return f.edges[subject], nil
}

func (f *fakeEdgeStore) ListSubjectsWhoSee(_ context.Context, object string) ([]string, error) {
	var subjects []string
	for subject, objects := range f.edges {
		for _, o := range objects {
			if o == object {
				subjects = append(subjects, subject)
			}
		}
	}
	return subjects, nil
}

const (
	alice = "did:vouch:alice"
	bob   = "did:vouch:bob"
	carol = "did:vouch:carol"
)

func testGraph(t *testing.T) (*Graph, *fakeEdgeStore) {
	t.Helper()
	edges := newFakeEdgeStore()
	return New(edges, NewMemoryCache(time.Minute), zap.NewNop()), edges
}

func TestAllVisibleToIncludesSelfAndGlobal(t *testing.T) {
	g, edges := testGraph(t)
	ctx := context.Background()

	if err := g.AddEdge(ctx, alice, bob); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := g.AddEdge(ctx, "*", carol); err != nil {
		t.Fatalf("AddEdge global failed: %v", err)
	}

	visible, err := g.AllVisibleTo(ctx, alice)
	if err != nil {
		t.Fatalf("AllVisibleTo failed: %v", err)
	}
	want := []string{alice, bob, carol}
	if !reflect.DeepEqual(visible, want) {
		t.Errorf("expected %v, got %v", want, visible)
	}
	if len(edges.edges[alice]) != 1 {
		t.Errorf("expected one stored edge for alice, got %d", len(edges.edges[alice]))
	}
}

func TestSelfAndSentinelEdgesIgnored(t *testing.T) {
	g, edges := testGraph(t)
	ctx := context.Background()

	if err := g.AddEdge(ctx, alice, alice); err != nil {
		t.Fatalf("self edge errored: %v", err)
	}
	if err := g.AddEdge(ctx, alice, "did:none:HIDDEN"); err != nil {
		t.Fatalf("sentinel edge errored: %v", err)
	}
	if err := g.AddEdge(ctx, "did:none:HIDDEN", alice); err != nil {
		t.Fatalf("sentinel subject errored: %v", err)
	}
	if len(edges.edges) != 0 {
		t.Errorf("expected no stored edges, got %v", edges.edges)
	}
}

func TestRemoveEdgeRevokesVisibility(t *testing.T) {
	g, _ := testGraph(t)
	ctx := context.Background()

	if err := g.AddEdge(ctx, alice, bob); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	ok, err := g.CanSee(ctx, alice, bob)
	if err != nil || !ok {
		t.Fatalf("expected alice to see bob, ok=%v err=%v", ok, err)
	}

	if err := g.RemoveEdge(ctx, alice, bob); err != nil {
		t.Fatalf("RemoveEdge failed: %v", err)
	}
	ok, err = g.CanSee(ctx, alice, bob)
	if err != nil {
		t.Fatalf("CanSee failed: %v", err)
	}
	if ok {
		t.Error("expected visibility to be revoked")
	}
}

func TestCommonVisibilityNamesIntroducers(t *testing.T) {
	g, _ := testGraph(t)
	ctx := context.Background()

	for _, edge := range [][2]string{{alice, bob}, {alice, carol}, {bob, carol}} {
		if err := g.AddEdge(ctx, edge[0], edge[1]); err != nil {
			t.Fatalf("AddEdge failed: %v", err)
		}
	}

	// alice holds the only edge into bob, so she is her own introducer;
	// carol sees nothing and bob cannot see himself into the list
	common, err := g.CommonVisibility(ctx, alice, bob)
	if err != nil {
		t.Fatalf("CommonVisibility failed: %v", err)
	}
	if want := []string{alice}; !reflect.DeepEqual(common, want) {
		t.Errorf("expected %v, got %v", want, common)
	}

	// both alice and bob hold edges into carol, and alice sees bob
	common, err = g.CommonVisibility(ctx, alice, carol)
	if err != nil {
		t.Fatalf("CommonVisibility failed: %v", err)
	}
	if want := []string{alice, bob}; !reflect.DeepEqual(common, want) {
		t.Errorf("expected %v, got %v", want, common)
	}
}

func TestCacheAvoidsRepeatStoreReads(t *testing.T) {
	g, edges := testGraph(t)
	ctx := context.Background()

	if err := g.AddEdge(ctx, alice, bob); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if _, err := g.AllVisibleTo(ctx, alice); err != nil {
		t.Fatalf("AllVisibleTo failed: %v", err)
	}
	before := edges.calls
	if _, err := g.AllVisibleTo(ctx, alice); err != nil {
		t.Fatalf("AllVisibleTo failed: %v", err)
	}
	if edges.calls != before {
		t.Errorf("expected cached read, store was hit %d more times", edges.calls-before)
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := NewRedisCacheWithClient(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	if _, ok := cache.Get(ctx, alice); ok {
		t.Fatal("expected a miss on an empty cache")
	}

	cache.Put(ctx, alice, []string{bob})
	objects, ok := cache.Get(ctx, alice)
	if !ok || !reflect.DeepEqual(objects, []string{bob}) {
		t.Fatalf("expected [%s], got %v ok=%v", bob, objects, ok)
	}

	cache.AddMember(ctx, alice, carol)
	objects, _ = cache.Get(ctx, alice)
	if !reflect.DeepEqual(objects, []string{bob, carol}) {
		t.Errorf("expected member added, got %v", objects)
	}

	cache.RemoveMember(ctx, alice, bob)
	objects, _ = cache.Get(ctx, alice)
	if !reflect.DeepEqual(objects, []string{carol}) {
		t.Errorf("expected member removed, got %v", objects)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok := cache.Get(ctx, alice); ok {
		t.Error("expected entry to expire")
	}
}

func TestWhoCanSee(t *testing.T) {
	g, _ := testGraph(t)
	ctx := context.Background()

	if err := g.AddEdge(ctx, alice, carol); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := g.AddEdge(ctx, bob, carol); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}

	subjects, err := g.WhoCanSee(ctx, carol)
	if err != nil {
		t.Fatalf("WhoCanSee failed: %v", err)
	}
	want := []string{alice, bob}
	if !reflect.DeepEqual(subjects, want) {
		t.Errorf("expected %v, got %v", want, subjects)
	}
}
