package cycle

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/tdalverme/umbral/internal/domain"
	"github.com/tdalverme/umbral/internal/enrich"
	"github.com/tdalverme/umbral/internal/matching"
	"github.com/tdalverme/umbral/internal/metrics"
)

type fakeStore struct {
	mu       sync.Mutex
	users    []domain.User
	usersErr error
	listings []domain.Listing
	candErr  map[string]error
	sent     map[string]float64
	vectors  map[string][]float64
}

func newFakeStore(users []domain.User, listings []domain.Listing) *fakeStore {
	return &fakeStore{
		users:    users,
		listings: listings,
		candErr:  map[string]error{},
		sent:     map[string]float64{},
		vectors:  map[string][]float64{},
	}
}

func (s *fakeStore) ActiveOnboardedUsers(context.Context) ([]domain.User, error) {
	return s.users, s.usersErr
}

func (s *fakeStore) GetUser(_ context.Context, id string) (domain.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return domain.User{}, errors.New("not found")
}

func (s *fakeStore) UpdatePreferenceVector(_ context.Context, id string, v []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[id] = v
	return nil
}

// Candidates ignores the filters so the hard filter has to do the work.
func (s *fakeStore) Candidates(_ context.Context, _ string, h domain.HardFilters, _ int) ([]domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.candErr[string(h.OperationType)]; err != nil {
		return nil, err
	}
	return append([]domain.Listing(nil), s.listings...), nil
}

func (s *fakeStore) WasNotified(_ context.Context, u, l string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sent[u+"/"+l]
	return ok, nil
}

func (s *fakeStore) RecordNotification(_ context.Context, u, l string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[u+"/"+l] = score
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []domain.Notification
	fail     map[string]error
	panicFor string

	entered chan struct{}
	gate    chan struct{}
}

func (n *fakeNotifier) Send(_ context.Context, msg domain.Notification) (bool, error) {
	if n.gate != nil {
		n.entered <- struct{}{}
		<-n.gate
	}
	if n.panicFor != "" && msg.UserID == n.panicFor {
		panic("notifier exploded")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.fail[msg.ListingID]; ok {
		return false, err
	}
	n.sent = append(n.sent, msg)
	return true, nil
}

type fakeExplainer struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (e *fakeExplainer) Explain(context.Context, domain.User, domain.Listing, float64) (enrich.Rationale, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return enrich.Rationale{}, e.err
	}
	return enrich.Rationale{WhyMatch: "luz y silencio", Conclusion: "vale la pena"}, nil
}

type fakeEmbedder struct{ v []float64 }

func (e fakeEmbedder) Embed(context.Context, string) ([]float64, error) { return e.v, nil }

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }

// vecAt returns a unit vector whose cosine with [1,0] is cos.
func vecAt(cos float64) []float64 { return []float64{cos, math.Sqrt(1 - cos*cos)} }

func listing(id string, priceUSD float64, rooms int, emb []float64) domain.Listing {
	return domain.Listing{
		ID:           id,
		Source:       domain.ListingSource{OperationType: domain.OperationRent, Title: "Depto " + id, URL: "https://example.com/" + id},
		PriceUSD:     priceUSD,
		Rooms:        rooms,
		Neighborhood: "Palermo",
		Embedding:    emb,
	}
}

func scenarioUser() domain.User {
	return domain.User{
		ID:               "u-1",
		ChatID:           "42",
		Hard:             domain.HardFilters{MaxPriceUSD: f64(1000), MinRooms: intp(2)},
		Soft:             domain.DefaultSoftPreferences(),
		PreferenceVector: []float64{1, 0},
		Active:           true,
	}
}

func newTestRunner(t *testing.T, cfg Config, store *fakeStore, n *fakeNotifier, ex Explainer) *Runner {
	t.Helper()
	r, err := NewRunner(cfg, matching.NewEngine(matching.DefaultConfig()), Deps{
		Users:     store,
		Listings:  store,
		Ledger:    store,
		Notifier:  n,
		Explainer: ex,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func TestRunScenario(t *testing.T) {
	t.Parallel()

	a := listing("A", 900, 2, vecAt(0.95))
	b := listing("B", 1500, 2, vecAt(0.99))
	store := newFakeStore([]domain.User{scenarioUser()}, []domain.Listing{a, b})
	n := &fakeNotifier{}
	ex := &fakeExplainer{}

	stats, err := newTestRunner(t, DefaultConfig(), store, n, ex).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.UsersProcessed != 1 || stats.MatchesFound != 1 || stats.NotificationsSent != 1 || stats.Errors != 0 {
		t.Fatalf("stats=%+v", stats)
	}
	if len(n.sent) != 1 || n.sent[0].ListingID != "A" {
		t.Fatalf("sent=%+v", n.sent)
	}
	if math.Abs(n.sent[0].Score-0.975) > 1e-9 {
		t.Fatalf("score=%v want=0.975", n.sent[0].Score)
	}
	if ex.calls != 1 || stats.Enriched != 1 || n.sent[0].Rationale == "" {
		t.Fatalf("enrichment calls=%d enriched=%d rationale=%q", ex.calls, stats.Enriched, n.sent[0].Rationale)
	}
	if _, ok := store.sent["u-1/A"]; !ok {
		t.Fatal("notification not recorded")
	}
	if _, ok := store.sent["u-1/B"]; ok {
		t.Fatal("B must be excluded by the hard filter")
	}
}

func TestRunTwiceSendsNothingNew(t *testing.T) {
	t.Parallel()

	store := newFakeStore([]domain.User{scenarioUser()}, []domain.Listing{listing("A", 900, 2, vecAt(0.95))})
	n := &fakeNotifier{}
	r := newTestRunner(t, DefaultConfig(), store, n, nil)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	stats, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.NotificationsSent != 0 || len(n.sent) != 1 {
		t.Fatalf("second run sent=%d total=%d", stats.NotificationsSent, len(n.sent))
	}
}

func TestFailedSendIsNotRecorded(t *testing.T) {
	t.Parallel()

	store := newFakeStore([]domain.User{scenarioUser()}, []domain.Listing{
		listing("A", 900, 2, vecAt(0.95)),
		listing("C", 800, 3, vecAt(0.9)),
	})
	n := &fakeNotifier{fail: map[string]error{"A": errors.New("telegram down")}}

	stats, err := newTestRunner(t, DefaultConfig(), store, n, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.NotificationsSent != 1 || stats.DeliveryFailures != 1 || stats.Errors != 1 {
		t.Fatalf("stats=%+v", stats)
	}
	if _, ok := store.sent["u-1/A"]; ok {
		t.Fatal("failed send recorded as sent")
	}
	if _, ok := store.sent["u-1/C"]; !ok {
		t.Fatal("successful send not recorded")
	}
}

func TestPerUserFailureDoesNotAbortCycle(t *testing.T) {
	t.Parallel()

	broken := scenarioUser()
	broken.ID = "u-broken"
	broken.Hard.OperationType = domain.OperationSale
	store := newFakeStore([]domain.User{broken, scenarioUser()}, []domain.Listing{listing("A", 900, 2, vecAt(0.95))})
	store.candErr["sale"] = errors.New("db timeout")
	n := &fakeNotifier{}

	stats, err := newTestRunner(t, DefaultConfig(), store, n, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.UsersProcessed != 2 || stats.Errors != 1 || stats.NotificationsSent != 1 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestPanicInOneUserIsContained(t *testing.T) {
	t.Parallel()

	boom := scenarioUser()
	boom.ID = "u-boom"
	store := newFakeStore([]domain.User{boom, scenarioUser()}, []domain.Listing{listing("A", 900, 2, vecAt(0.95))})
	n := &fakeNotifier{panicFor: "u-boom"}

	stats, err := newTestRunner(t, DefaultConfig(), store, n, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.UsersProcessed != 2 || stats.Errors != 1 || stats.NotificationsSent != 1 {
		t.Fatalf("stats=%+v", stats)
	}
	if _, ok := store.sent["u-1/A"]; !ok {
		t.Fatal("healthy user not notified")
	}
}

// Not parallel: reads process-wide counters.
func TestDeliveryCountersMoveOncePerSend(t *testing.T) {
	store := newFakeStore([]domain.User{scenarioUser()}, []domain.Listing{
		listing("A", 900, 2, vecAt(0.95)),
		listing("C", 800, 3, vecAt(0.9)),
	})
	n := &fakeNotifier{fail: map[string]error{"A": errors.New("telegram down")}}

	sent := metrics.NotificationsSent.WithLabelValues("sent")
	failed := metrics.NotificationsSent.WithLabelValues("failed")
	sentBefore, failedBefore := testutil.ToFloat64(sent), testutil.ToFloat64(failed)

	stats, err := newTestRunner(t, DefaultConfig(), store, n, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(sent) - sentBefore; got != 1 || stats.NotificationsSent != 1 {
		t.Fatalf("sent delta=%v stats=%d want=1", got, stats.NotificationsSent)
	}
	if got := testutil.ToFloat64(failed) - failedBefore; got != 1 {
		t.Fatalf("failed delta=%v want=1", got)
	}
}

func TestUserEnumerationFailureIsFatal(t *testing.T) {
	t.Parallel()

	store := newFakeStore(nil, nil)
	store.usersErr = errors.New("connection refused")

	if _, err := newTestRunner(t, DefaultConfig(), store, &fakeNotifier{}, nil).Run(context.Background()); err == nil {
		t.Fatal("expected fatal error")
	}
}

func TestEnrichmentFailureFallsBack(t *testing.T) {
	t.Parallel()

	store := newFakeStore([]domain.User{scenarioUser()}, []domain.Listing{listing("A", 900, 2, vecAt(0.95))})
	n := &fakeNotifier{}
	ex := &fakeExplainer{err: enrich.ErrBreakerOpen}

	stats, err := newTestRunner(t, DefaultConfig(), store, n, ex).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.NotificationsSent != 1 || stats.Enriched != 0 {
		t.Fatalf("stats=%+v", stats)
	}
	if want := enrich.Fallback().Text(); n.sent[0].Rationale != want {
		t.Fatalf("rationale=%q want=%q", n.sent[0].Rationale, want)
	}
}

func TestThresholdAndCap(t *testing.T) {
	t.Parallel()

	var ls []domain.Listing
	for i, cos := range []float64{0.99, 0.98, 0.97, 0.96, 0.95, 0.94, 0.93, 0.5} {
		ls = append(ls, listing(string(rune('a'+i)), 900, 2, vecAt(cos)))
	}
	store := newFakeStore([]domain.User{scenarioUser()}, ls)
	n := &fakeNotifier{}

	cfg := DefaultConfig()
	cfg.MaxPerUser = 3
	stats, err := newTestRunner(t, cfg, store, n, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.MatchesFound != 3 || len(n.sent) != 3 || n.sent[0].ListingID != "a" || n.sent[2].ListingID != "c" {
		t.Fatalf("stats=%+v sent=%d", stats, len(n.sent))
	}

	// cos 0.5 rescales to 0.75, below the 0.85 threshold
	store2 := newFakeStore([]domain.User{scenarioUser()}, []domain.Listing{ls[7]})
	stats, _ = newTestRunner(t, DefaultConfig(), store2, &fakeNotifier{}, nil).Run(context.Background())
	if stats.MatchesFound != 0 {
		t.Fatalf("below-threshold listing matched: %+v", stats)
	}
}

func TestLowSimilaritySkipsEnrichment(t *testing.T) {
	t.Parallel()

	u := scenarioUser()
	u.PreferenceVector = nil
	l := listing("A", 900, 2, nil)
	l.Scores = &domain.Scores{Quietness: 0.9, Luminosity: 0.9, Connectivity: 0.9, WFHSuitability: 0.9, Modernity: 0.9, GreenSpaces: 0.9}
	store := newFakeStore([]domain.User{u}, []domain.Listing{l})
	n := &fakeNotifier{}
	ex := &fakeExplainer{}

	stats, err := newTestRunner(t, DefaultConfig(), store, n, ex).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// weighted 0.9 passes the gate, neutral similarity 0.5 does not clear personalization
	if stats.NotificationsSent != 1 || ex.calls != 0 || n.sent[0].Rationale != "" {
		t.Fatalf("stats=%+v calls=%d", stats, ex.calls)
	}
}

func TestSeedPreferenceFromDescription(t *testing.T) {
	t.Parallel()

	u := scenarioUser()
	u.PreferenceVector = nil
	u.Soft.IdealDescription = "luminoso y tranquilo"
	store := newFakeStore([]domain.User{u}, []domain.Listing{listing("A", 900, 2, vecAt(0.95))})
	n := &fakeNotifier{}

	r, err := NewRunner(DefaultConfig(), matching.NewEngine(matching.DefaultConfig()), Deps{
		Users: store, Listings: store, Ledger: store, Notifier: n,
		Embedder: fakeEmbedder{v: []float64{1, 0}},
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	stats, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.NotificationsSent != 1 || len(store.vectors["u-1"]) != 2 {
		t.Fatalf("stats=%+v vectors=%v", stats, store.vectors)
	}
}

func TestConcurrentRunIsRejected(t *testing.T) {
	t.Parallel()

	store := newFakeStore([]domain.User{scenarioUser()}, []domain.Listing{listing("A", 900, 2, vecAt(0.95))})
	n := &fakeNotifier{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	r := newTestRunner(t, DefaultConfig(), store, n, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run(context.Background())
	}()

	select {
	case <-n.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never reached dispatch")
	}
	if _, err := r.Run(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("err=%v want ErrCycleInProgress", err)
	}
	close(n.gate)
	<-done
}

func TestPreviewDoesNotSend(t *testing.T) {
	t.Parallel()

	store := newFakeStore([]domain.User{scenarioUser()}, []domain.Listing{
		listing("A", 900, 2, vecAt(0.95)),
		listing("B", 1500, 2, vecAt(0.99)),
	})
	n := &fakeNotifier{}

	got, err := newTestRunner(t, DefaultConfig(), store, n, nil).Preview(context.Background(), "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Listing.ID != "A" || len(n.sent) != 0 || len(store.sent) != 0 {
		t.Fatalf("preview=%+v sent=%d recorded=%d", got, len(n.sent), len(store.sent))
	}
}
