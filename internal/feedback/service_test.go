package feedback

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tdalverme/umbral/internal/domain"
	"github.com/tdalverme/umbral/internal/matching"
)

var errMissing = errors.New("missing")

type fakeStore struct {
	users    map[string]domain.User
	listings map[string]domain.Listing
	feedback map[string]domain.Polarity
	updates  int
}

func (f *fakeStore) GetUser(_ context.Context, id string) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, errMissing
	}
	return u, nil
}

func (f *fakeStore) UpdatePreferenceVector(_ context.Context, id string, v []float64) error {
	u := f.users[id]
	u.PreferenceVector = v
	f.users[id] = u
	f.updates++
	return nil
}

func (f *fakeStore) RecordFeedback(_ context.Context, u, l string, p domain.Polarity) error {
	f.feedback[u+"/"+l] = p
	return nil
}

func (f *fakeStore) GetListing(_ context.Context, id string) (domain.Listing, error) {
	l, ok := f.listings[id]
	if !ok {
		return domain.Listing{}, errMissing
	}
	return l, nil
}

func newFixture(pref []float64) (*fakeStore, *Service) {
	st := &fakeStore{
		users: map[string]domain.User{"u": {ID: "u", PreferenceVector: pref}},
		listings: map[string]domain.Listing{
			"l":    {ID: "l", Embedding: []float64{0, 1}},
			"vibe": {ID: "vibe", VibeEmbedding: []float64{1, 1}},
			"wide": {ID: "wide", Embedding: []float64{1, 0, 0}},
			"bad":  {ID: "bad", VibeEmbedding: []float64{0, 1}, MalformedEmbedding: true},
		},
		feedback: map[string]domain.Polarity{},
	}
	return st, NewService(st, st, matching.NewLearner(0.1), errMissing, zerolog.Nop())
}

func TestApplyLikeMovesVector(t *testing.T) {
	t.Parallel()

	st, svc := newFixture([]float64{1, 0})
	res, err := svc.Apply(context.Background(), "u", "l", domain.Like)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Outcome != matching.OutcomeUpdated || st.updates != 1 {
		t.Fatalf("outcome=%s updates=%d", res.Outcome, st.updates)
	}
	got := st.users["u"].PreferenceVector
	if math.Abs(got[0]-0.9) > 1e-12 || math.Abs(got[1]-0.1) > 1e-12 {
		t.Fatalf("vector=%v want=[0.9 0.1]", got)
	}
	if st.feedback["u/l"] != domain.Like {
		t.Fatal("feedback not recorded")
	}
}

func TestApplyLikeSeedsFromVibeEmbedding(t *testing.T) {
	t.Parallel()

	st, svc := newFixture(nil)
	res, err := svc.Apply(context.Background(), "u", "vibe", domain.Like)
	if err != nil || res.Outcome != matching.OutcomeSeeded {
		t.Fatalf("outcome=%s err=%v", res.Outcome, err)
	}
	if v := st.users["u"].PreferenceVector; len(v) != 2 || v[0] != 1 {
		t.Fatalf("vector=%v", v)
	}
}

func TestApplyDislikeWithoutPriorKeepsNil(t *testing.T) {
	t.Parallel()

	st, svc := newFixture(nil)
	res, err := svc.Apply(context.Background(), "u", "l", domain.Dislike)
	if err != nil || res.Outcome != matching.OutcomeNoPrior {
		t.Fatalf("outcome=%s err=%v", res.Outcome, err)
	}
	if st.users["u"].PreferenceVector != nil || st.updates != 0 {
		t.Fatal("dislike created a vector")
	}
	if st.feedback["u/l"] != domain.Dislike {
		t.Fatal("feedback not recorded")
	}
}

func TestApplyMalformedEmbeddingSkipsUpdate(t *testing.T) {
	t.Parallel()

	st, svc := newFixture([]float64{1, 0})
	res, err := svc.Apply(context.Background(), "u", "bad", domain.Like)
	if err != nil || res.Outcome != matching.OutcomeNoTarget || st.updates != 0 {
		t.Fatalf("outcome=%s err=%v updates=%d", res.Outcome, err, st.updates)
	}
	if v := st.users["u"].PreferenceVector; v[0] != 1 || v[1] != 0 {
		t.Fatalf("vector=%v want=[1 0]", v)
	}
	if st.feedback["u/bad"] != domain.Like {
		t.Fatal("feedback not recorded")
	}
}

func TestApplyDimensionMismatchIsNotPersisted(t *testing.T) {
	t.Parallel()

	st, svc := newFixture([]float64{1, 0})
	res, err := svc.Apply(context.Background(), "u", "wide", domain.Like)
	if err != nil || res.Outcome != matching.OutcomeDimensionMismatch || st.updates != 0 {
		t.Fatalf("outcome=%s err=%v updates=%d", res.Outcome, err, st.updates)
	}
}

func TestApplyErrors(t *testing.T) {
	t.Parallel()

	_, svc := newFixture(nil)
	ctx := context.Background()
	if _, err := svc.Apply(ctx, "nobody", "l", domain.Like); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if _, err := svc.Apply(ctx, "u", "gone", domain.Like); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if _, err := svc.Apply(ctx, "u", "l", "meh"); err == nil {
		t.Fatal("invalid polarity accepted")
	}
}
