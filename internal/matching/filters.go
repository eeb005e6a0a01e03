package matching

import (
	"github.com/tdalverme/umbral/internal/domain"
)

type RejectReason string

const (
	ReasonNone             RejectReason = ""
	ReasonOperationType    RejectReason = "operation_type"
	ReasonPriceUnparseable RejectReason = "price_unparseable"
	ReasonPriceBelowMin    RejectReason = "price_below_min"
	ReasonPriceAboveMax    RejectReason = "price_above_max"
	ReasonRoomsBelowMin    RejectReason = "rooms_below_min"
	ReasonRoomsAboveMax    RejectReason = "rooms_above_max"
	ReasonMissingBalcony   RejectReason = "missing_balcony"
	ReasonMissingParking   RejectReason = "missing_parking"
	ReasonMissingPets      RejectReason = "missing_pets_allowed"
	ReasonMissingFurnished RejectReason = "missing_furnished"
)

// Verdict is the outcome of the hard filter. PriceParsed is false when
// neither the source price nor the normalized USD price could be read.
type Verdict struct {
	Admitted    bool
	Reason      RejectReason
	PriceParsed bool
	PriceUSD    float64
}

func reject(r RejectReason, parsed bool, usd float64) Verdict {
	return Verdict{Reason: r, PriceParsed: parsed, PriceUSD: usd}
}

// Admit applies the hard filters of a user to a listing. All rules must hold.
//
// A listing whose price cannot be read is rejected whenever either price
// bound is set, so max and min bounds treat it the same way.
func Admit(f domain.HardFilters, l domain.Listing, rates ExchangeRates) Verdict {
	usd, parsed := listingPriceUSD(l, rates)

	if f.OperationType != "" && l.Source.OperationType != f.OperationType {
		return reject(ReasonOperationType, parsed, usd)
	}

	if f.MinPriceUSD != nil || f.MaxPriceUSD != nil {
		if !parsed {
			return reject(ReasonPriceUnparseable, parsed, usd)
		}
		if f.MinPriceUSD != nil && usd < *f.MinPriceUSD {
			return reject(ReasonPriceBelowMin, parsed, usd)
		}
		if f.MaxPriceUSD != nil && usd > *f.MaxPriceUSD {
			return reject(ReasonPriceAboveMax, parsed, usd)
		}
	}

	if f.MinRooms != nil || f.MaxRooms != nil {
		rooms := listingRooms(l)
		if f.MinRooms != nil && rooms < *f.MinRooms {
			return reject(ReasonRoomsBelowMin, parsed, usd)
		}
		if f.MaxRooms != nil && rooms > *f.MaxRooms {
			return reject(ReasonRoomsAboveMax, parsed, usd)
		}
	}

	src := l.Source
	if f.RequiresBalcony && !src.HasBalcony {
		return reject(ReasonMissingBalcony, parsed, usd)
	}
	if f.RequiresParking && (src.ParkingSpaces == nil || *src.ParkingSpaces <= 0) {
		return reject(ReasonMissingParking, parsed, usd)
	}
	if f.RequiresPetsAllowed && !src.IsPetFriendly {
		return reject(ReasonMissingPets, parsed, usd)
	}
	if f.RequiresFurnished && !src.IsFurnished {
		return reject(ReasonMissingFurnished, parsed, usd)
	}

	return Verdict{Admitted: true, PriceParsed: parsed, PriceUSD: usd}
}

func listingPriceUSD(l domain.Listing, rates ExchangeRates) (float64, bool) {
	if v, ok := ParsePrice(l.Source.Price); ok {
		return rates.ToUSD(v, l.Source.Currency), true
	}
	if l.PriceUSD > 0 {
		return l.PriceUSD, true
	}
	return 0, false
}

// listingRooms prefers the scraped room string and defaults to 0.
func listingRooms(l domain.Listing) int {
	if n, ok := ParseRooms(l.Source.Rooms); ok {
		return n
	}
	return l.Rooms
}
