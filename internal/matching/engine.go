package matching

import (
	"sort"

	"github.com/tdalverme/umbral/internal/domain"
	"github.com/tdalverme/umbral/internal/metrics"
	"github.com/tdalverme/umbral/internal/vecmath"
)

// HighlightThreshold is the sub-score from which a dimension is worth mentioning.
const HighlightThreshold = 0.7

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

func (e *Engine) Config() Config { return e.cfg }

// Admit runs the hard filter with the engine's exchange rates.
func (e *Engine) Admit(f domain.HardFilters, l domain.Listing) Verdict {
	return Admit(f, l, e.cfg.Rates)
}

// Similarity compares the user's preference vector with the listing's match
// vector. ok is false when the neutral score was returned because a vector was
// missing, not finite, or of the wrong length.
func (e *Engine) Similarity(pref []float64, l domain.Listing) (score float64, ok bool) {
	target := l.MatchVector()
	if !vecmath.Usable(pref) || !vecmath.Usable(target) {
		return NeutralScore, false
	}
	if d := e.cfg.Dimensions; d > 0 && (len(pref) != d || len(target) != d) {
		return NeutralScore, false
	}
	cos, err := vecmath.Cosine(pref, target)
	if err != nil {
		return NeutralScore, false
	}
	return vecmath.Rescale(cos), true
}

type factor struct {
	key    string
	weight float64
	value  float64
}

func factors(s domain.Scores, soft domain.SoftPreferences) []factor {
	return []factor{
		{"quietness", soft.Quietness, clamp01(s.Quietness)},
		{"luminosity", soft.Luminosity, clamp01(s.Luminosity)},
		{"connectivity", soft.Connectivity, clamp01(s.Connectivity)},
		{"wfh_suitability", soft.WFHSuitability, clamp01(s.WFHSuitability)},
		{"modernity", soft.Modernity, clamp01(s.Modernity)},
		{"green_spaces", soft.GreenSpaces, clamp01(s.GreenSpaces)},
	}
}

// WeightedScore is the weight-normalized average of the listing's qualitative
// scores. ok is false when the listing carries no scores.
func (e *Engine) WeightedScore(scores *domain.Scores, soft domain.SoftPreferences) (float64, bool) {
	if scores == nil {
		return NeutralScore, false
	}
	soft = soft.Normalize()

	var sumW, sum float64
	for _, f := range factors(*scores, soft) {
		sumW += f.weight
		sum += f.weight * f.value
	}
	if sumW <= 0 {
		return NeutralScore, true
	}
	return clamp01(sum / sumW), true
}

// Score blends similarity and the weighted score when both are available.
// With one signal it is used alone; with none the result is neutral.
func (e *Engine) Score(u domain.User, l domain.Listing) domain.MatchResult {
	sim, simOK := e.Similarity(u.PreferenceVector, l)
	weighted, wOK := e.WeightedScore(l.Scores, u.Soft)
	if !simOK {
		metrics.NeutralSimilarity.Inc()
	}

	res := domain.MatchResult{Listing: l, SimilarityScore: sim}
	switch {
	case simOK && wOK:
		sw := e.cfg.SimilarityWeight
		res.FinalScore = sw*sim + (1-sw)*weighted
	case simOK:
		res.FinalScore = sim
	case wOK:
		res.FinalScore = weighted
	default:
		res.FinalScore = NeutralScore
	}
	if wOK {
		res.WeightedScore = &weighted
	}
	res.FinalScore = clamp01(res.FinalScore)
	return res
}

// Rank scores every listing and sorts by final score, highest first.
// Equal scores keep their input order.
func (e *Engine) Rank(u domain.User, listings []domain.Listing) []domain.MatchResult {
	out := make([]domain.MatchResult, 0, len(listings))
	for _, l := range listings {
		out = append(out, e.Score(u, l))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FinalScore > out[j].FinalScore })
	return out
}

// Highlights names the listing's strongest dimensions, ordered by how much the
// user cares about them.
func Highlights(scores *domain.Scores, soft domain.SoftPreferences, max int) []string {
	if scores == nil {
		return nil
	}
	var picked []factor
	for _, f := range factors(*scores, soft.Normalize()) {
		if f.value >= HighlightThreshold {
			picked = append(picked, f)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		return picked[i].weight*picked[i].value > picked[j].weight*picked[j].value
	})
	if max > 0 && len(picked) > max {
		picked = picked[:max]
	}
	out := make([]string, 0, len(picked))
	for _, f := range picked {
		out = append(out, f.key)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
