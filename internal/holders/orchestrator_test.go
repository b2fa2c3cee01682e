package holders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/curvescan/curvescan/internal/model"
)

type fakeSource struct {
	name    string
	holders []Holder
	err     error
	calls   int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(_ context.Context, _ string, maxHolders int) ([]Holder, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return capHolders(sortHolders(append([]Holder(nil), f.holders...)), maxHolders), nil
}

type memStore struct {
	mu    sync.Mutex
	saves int
	byMnt map[string]model.HolderSnapshot
}

func newMemStore() *memStore {
	return &memStore{byMnt: make(map[string]model.HolderSnapshot)}
}

func (s *memStore) LatestSnapshot(_ context.Context, mint string) (model.HolderSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byMnt[mint]
	return snap, ok, nil
}

func (s *memStore) SaveSnapshot(_ context.Context, snap model.HolderSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.byMnt[snap.Mint] = snap
	return nil
}

type staticClassifier struct {
	classes map[string]WalletClass
	calls   int
}

func (c *staticClassifier) Classify(_ context.Context, wallet string) (WalletClass, error) {
	c.calls++
	if class, ok := c.classes[wallet]; ok {
		return class, nil
	}
	return ClassNormal, nil
}

func holdersOfSize(n int) []Holder {
	hs := make([]Holder, n)
	for i := range hs {
		hs[i] = Holder{Address: addr(i) + string(rune('0'+i%10)) + string(rune('0'+(i/10)%10)), Balance: float64(n - i)}
	}
	return hs
}

func TestOrchestratorFallback(t *testing.T) {
	primary := &fakeSource{name: "rpc"}
	secondary := &fakeSource{name: "complete", holders: holdersOfSize(12_345)}
	store := newMemStore()

	o := NewOrchestrator(OrchestratorConfig{
		Sources:        []Source{primary, secondary},
		Store:          store,
		EnableFallback: true,
	})

	snap, err := o.Analyze(context.Background(), Request{Mint: "M", SaveSnapshot: true, SkipClassification: true})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("calls: primary=%d secondary=%d, want 1/1", primary.calls, secondary.calls)
	}
	if snap.TotalHolders != 12_345 {
		t.Errorf("total holders = %d, want 12345", snap.TotalHolders)
	}
	if snap.Gini < 0 || snap.Gini > 1 || snap.HHI < 0 || snap.HHI > 1 {
		t.Errorf("metric out of range: gini=%v hhi=%v", snap.Gini, snap.HHI)
	}
	if snap.Top10Pct > snap.Top25Pct || snap.Top25Pct > snap.Top100Pct {
		t.Errorf("top-k not monotone: %v %v %v", snap.Top10Pct, snap.Top25Pct, snap.Top100Pct)
	}
	if store.saves != 1 {
		t.Errorf("saves = %d, want 1", store.saves)
	}
}

func TestOrchestratorNoFallbackStopsAtFirstTier(t *testing.T) {
	primary := &fakeSource{name: "rpc"}
	secondary := &fakeSource{name: "complete", holders: holdersOfSize(10)}

	o := NewOrchestrator(OrchestratorConfig{
		Sources:        []Source{primary, secondary},
		EnableFallback: false,
	})
	_, err := o.Analyze(context.Background(), Request{Mint: "M", SkipClassification: true})
	if !errors.Is(err, ErrNoHolderData) {
		t.Fatalf("err = %v, want ErrNoHolderData", err)
	}
	if secondary.calls != 0 {
		t.Error("secondary consulted despite fallback disabled")
	}
}

func TestOrchestratorPreferredSource(t *testing.T) {
	rpc := &fakeSource{name: "rpc", holders: holdersOfSize(5)}
	complete := &fakeSource{name: "complete", holders: holdersOfSize(10)}

	o := NewOrchestrator(OrchestratorConfig{
		Sources:        []Source{rpc, complete},
		EnableFallback: true,
	})
	snap, err := o.Analyze(context.Background(), Request{
		Mint: "M", PreferredSource: "complete", SkipClassification: true,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if snap.TotalHolders != 10 {
		t.Errorf("total holders = %d, want 10 from preferred source", snap.TotalHolders)
	}
	if rpc.calls != 0 {
		t.Error("non-preferred source consulted before preferred succeeded")
	}
}

func TestOrchestratorFreshnessReuse(t *testing.T) {
	src := &fakeSource{name: "rpc", holders: holdersOfSize(10)}
	store := newMemStore()
	o := NewOrchestrator(OrchestratorConfig{Sources: []Source{src}, Store: store, EnableFallback: true})

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	now := base
	o.SetNowFunc(func() time.Time { return now })

	first, err := o.Analyze(context.Background(), Request{Mint: "M", SaveSnapshot: true, SkipClassification: true})
	if err != nil {
		t.Fatal(err)
	}

	// Within the freshness window: reuse, no fetch.
	now = base.Add(30 * time.Minute)
	second, err := o.Analyze(context.Background(), Request{Mint: "M", SaveSnapshot: true, SkipClassification: true})
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1 (fresh snapshot reused)", src.calls)
	}
	if second.TakenAtNs != first.TakenAtNs {
		t.Error("fresh snapshot not reused")
	}

	// ForceRefresh bypasses freshness.
	_, err = o.Analyze(context.Background(), Request{Mint: "M", ForceRefresh: true, SkipClassification: true})
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2 after force refresh", src.calls)
	}

	// Past the freshness window: refetch.
	now = base.Add(61 * time.Minute)
	_, err = o.Analyze(context.Background(), Request{Mint: "M", SkipClassification: true})
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 3 {
		t.Errorf("source calls = %d, want 3 after expiry", src.calls)
	}
}

func TestOrchestratorSnapshotHashDedup(t *testing.T) {
	src := &fakeSource{name: "rpc", holders: holdersOfSize(10)}
	store := newMemStore()
	o := NewOrchestrator(OrchestratorConfig{Sources: []Source{src}, Store: store, EnableFallback: true})

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	now := base
	o.SetNowFunc(func() time.Time { return now })

	if _, err := o.Analyze(context.Background(), Request{Mint: "M", SaveSnapshot: true, SkipClassification: true}); err != nil {
		t.Fatal(err)
	}

	// Same holder set two hours later: no second row.
	now = base.Add(2 * time.Hour)
	if _, err := o.Analyze(context.Background(), Request{Mint: "M", SaveSnapshot: true, SkipClassification: true}); err != nil {
		t.Fatal(err)
	}
	if store.saves != 1 {
		t.Fatalf("saves = %d, want 1 (identical set deduplicated)", store.saves)
	}

	// Changed holder set: new row.
	src.holders = holdersOfSize(11)
	now = base.Add(4 * time.Hour)
	if _, err := o.Analyze(context.Background(), Request{Mint: "M", SaveSnapshot: true, SkipClassification: true}); err != nil {
		t.Fatal(err)
	}
	if store.saves != 2 {
		t.Fatalf("saves = %d, want 2 after holder change", store.saves)
	}
}

func TestOrchestratorClassification(t *testing.T) {
	hs := holdersOfSize(150)
	classes := map[string]WalletClass{hs[0].Address: ClassWhale, hs[1].Address: ClassSniper}
	classifier := &staticClassifier{classes: classes}
	src := &fakeSource{name: "rpc", holders: hs}

	o := NewOrchestrator(OrchestratorConfig{
		Sources:        []Source{src},
		Classifier:     classifier,
		EnableFallback: true,
	})
	snap, err := o.Analyze(context.Background(), Request{Mint: "M"})
	if err != nil {
		t.Fatal(err)
	}
	// Only the top 100 wallets are classified.
	if classifier.calls != 100 {
		t.Errorf("classifier calls = %d, want 100", classifier.calls)
	}
	if snap.Score <= 0 {
		t.Errorf("score = %v, want > 0", snap.Score)
	}
}

func TestCachedClassifier(t *testing.T) {
	inner := &staticClassifier{classes: map[string]WalletClass{"w": ClassWhale}}
	cached := NewCachedClassifier(inner, 100)

	for i := 0; i < 5; i++ {
		class, err := cached.Classify(context.Background(), "w")
		if err != nil {
			t.Fatal(err)
		}
		if class != ClassWhale {
			t.Fatalf("class = %s, want whale", class)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1 (cached)", inner.calls)
	}
}
