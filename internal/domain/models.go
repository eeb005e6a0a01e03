package domain

import (
	"fmt"
	"strings"
	"time"
)

type OperationType string

const (
	OperationRent OperationType = "rent"
	OperationSale OperationType = "sale"
)

// HardFilters are the non-negotiable constraints of a user. A nil bound is unset.
type HardFilters struct {
	MinPriceUSD   *float64      `json:"min_price_usd,omitempty"`
	MaxPriceUSD   *float64      `json:"max_price_usd,omitempty"`
	MinRooms      *int          `json:"min_rooms,omitempty"`
	MaxRooms      *int          `json:"max_rooms,omitempty"`
	Neighborhoods []string      `json:"neighborhoods,omitempty"`
	OperationType OperationType `json:"operation_type"`

	RequiresBalcony     bool `json:"requires_balcony"`
	RequiresParking     bool `json:"requires_parking"`
	RequiresPetsAllowed bool `json:"requires_pets_allowed"`
	RequiresFurnished   bool `json:"requires_furnished"`
}

// MustHaves lists the requested must-have features by name.
func (h HardFilters) MustHaves() []string {
	var out []string
	if h.RequiresBalcony {
		out = append(out, "balcony")
	}
	if h.RequiresParking {
		out = append(out, "parking")
	}
	if h.RequiresPetsAllowed {
		out = append(out, "pets_allowed")
	}
	if h.RequiresFurnished {
		out = append(out, "furnished")
	}
	return out
}

// SoftPreferences weights the six qualitative dimensions, each in [0,1].
type SoftPreferences struct {
	Quietness      float64 `json:"quietness"`
	Luminosity     float64 `json:"luminosity"`
	Connectivity   float64 `json:"connectivity"`
	WFHSuitability float64 `json:"wfh_suitability"`
	Modernity      float64 `json:"modernity"`
	GreenSpaces    float64 `json:"green_spaces"`

	IdealDescription string `json:"ideal_description,omitempty"`
}

func DefaultSoftPreferences() SoftPreferences {
	return SoftPreferences{
		Quietness:      0.5,
		Luminosity:     0.5,
		Connectivity:   0.5,
		WFHSuitability: 0.5,
		Modernity:      0.5,
		GreenSpaces:    0.5,
	}
}

// Normalize clamps every weight into [0,1].
func (s SoftPreferences) Normalize() SoftPreferences {
	s.Quietness = clamp01(s.Quietness)
	s.Luminosity = clamp01(s.Luminosity)
	s.Connectivity = clamp01(s.Connectivity)
	s.WFHSuitability = clamp01(s.WFHSuitability)
	s.Modernity = clamp01(s.Modernity)
	s.GreenSpaces = clamp01(s.GreenSpaces)
	s.IdealDescription = strings.TrimSpace(s.IdealDescription)
	return s
}

type User struct {
	ID       string `json:"id"`
	ChatID   string `json:"chat_id"`
	Username string `json:"username,omitempty"`

	Hard HardFilters     `json:"hard_filters"`
	Soft SoftPreferences `json:"soft_preferences"`

	// PreferenceVector is nil until seeded from a description or a first like.
	PreferenceVector []float64 `json:"preference_vector,omitempty"`

	Active              bool `json:"active"`
	OnboardingCompleted bool `json:"onboarding_completed"`
	TotalLikes          int  `json:"total_likes"`
	TotalDislikes       int  `json:"total_dislikes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scores are the qualitative sub-scores produced by listing analysis.
type Scores struct {
	Quietness      float64 `json:"quietness"`
	Luminosity     float64 `json:"luminosity"`
	Connectivity   float64 `json:"connectivity"`
	WFHSuitability float64 `json:"wfh_suitability"`
	Modernity      float64 `json:"modernity"`
	GreenSpaces    float64 `json:"green_spaces"`
}

type InferredFeatures struct {
	IsInvestmentOpportunity bool   `json:"is_investment_opportunity"`
	IsFamilyFriendly        bool   `json:"is_family_friendly"`
	HasGoodStorage          bool   `json:"has_good_storage"`
	NeighborhoodVibe        string `json:"neighborhood_vibe,omitempty"`
	ViewType                string `json:"view_type,omitempty"`
}

// ListingSource holds the raw scraped attributes the hard filter reads.
type ListingSource struct {
	OperationType OperationType `json:"operation_type"`
	Price         string        `json:"price"`
	Currency      string        `json:"currency"`
	Rooms         string        `json:"rooms"`
	ParkingSpaces *int          `json:"parking_spaces,omitempty"`
	HasBalcony    bool          `json:"has_balcony"`
	IsPetFriendly bool          `json:"is_pet_friendly"`
	IsFurnished   bool          `json:"is_furnished"`

	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

type Listing struct {
	ID     string        `json:"id"`
	Source ListingSource `json:"source"`

	PriceUSD      float64 `json:"price_usd"`
	PricePerM2USD float64 `json:"price_per_m2_usd"`
	Neighborhood  string  `json:"neighborhood"`
	Rooms         int     `json:"rooms"`

	// Scores is nil when the listing has no qualitative analysis.
	Scores    *Scores          `json:"scores,omitempty"`
	Features  InferredFeatures `json:"features"`
	StyleTags []string         `json:"style_tags,omitempty"`
	Summary   string           `json:"summary,omitempty"`

	Embedding     []float64 `json:"embedding,omitempty"`
	VibeEmbedding []float64 `json:"vibe_embedding,omitempty"`
	// MalformedEmbedding marks a stored full embedding that could not be
	// decoded. The vibe embedding must not stand in for it.
	MalformedEmbedding bool `json:"-"`

	AnalysisVersion string    `json:"analysis_version,omitempty"`
	AnalyzedAt      time.Time `json:"analyzed_at"`
}

// MatchVector is the full embedding when present, the vibe embedding
// otherwise. A malformed full embedding yields nil.
func (l Listing) MatchVector() []float64 {
	if len(l.Embedding) > 0 {
		return l.Embedding
	}
	if l.MalformedEmbedding {
		return nil
	}
	return l.VibeEmbedding
}

type Polarity string

const (
	Like    Polarity = "like"
	Dislike Polarity = "dislike"
)

func (p Polarity) Valid() bool {
	return p == Like || p == Dislike
}

func ParsePolarity(s string) (Polarity, error) {
	p := Polarity(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("invalid polarity %q", s)
	}
	return p, nil
}

type FeedbackEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ListingID string    `json:"listing_id"`
	Polarity  Polarity  `json:"polarity"`
	CreatedAt time.Time `json:"created_at"`
}

type SentNotification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ListingID string    `json:"listing_id"`
	Score     float64   `json:"score"`
	SentAt    time.Time `json:"sent_at"`
}

// MatchResult is the transient outcome of scoring one listing for one user.
type MatchResult struct {
	Listing         Listing  `json:"listing"`
	SimilarityScore float64  `json:"similarity_score"`
	WeightedScore   *float64 `json:"weighted_score,omitempty"`
	FinalScore      float64  `json:"final_score"`
	Rationale       string   `json:"rationale,omitempty"`
	Personalized    bool     `json:"personalized"`
}

// Notification is the message handed to the notifier.
type Notification struct {
	UserID     string   `json:"user_id"`
	ChatID     string   `json:"chat_id"`
	ListingID  string   `json:"listing_id"`
	Title      string   `json:"title"`
	URL        string   `json:"url"`
	Summary    string   `json:"summary"`
	PriceText  string   `json:"price_text"`
	Rooms      int      `json:"rooms"`
	Area       string   `json:"neighborhood"`
	Score      float64  `json:"score"`
	Rationale  string   `json:"rationale"`
	Highlights []string `json:"highlights,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type CycleStats struct {
	UsersProcessed    int `json:"users_processed"`
	MatchesFound      int `json:"matches_found"`
	NotificationsSent int `json:"notifications_sent"`
	Errors            int `json:"errors"`

	Enriched         int           `json:"enriched"`
	DeliveryFailures int           `json:"delivery_failures"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
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
