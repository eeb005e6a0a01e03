package enrich

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tdalverme/umbral/internal/domain"
)

const systemPrompt = "Seguí exactamente las instrucciones del mensaje del usuario y respondé solo con JSON válido."

const promptTemplate = `Actuás como asesor inmobiliario personal en CABA: honesto, cercano y concreto, en español rioplatense.
Explicale a ESTA persona por qué esta propiedad le puede cerrar o no.

Reglas:
- Hablale de "vos".
- Nombrá 2 o 3 cosas que le importan y un posible trade-off.
- Conectá su estilo de vida con la propiedad; no repitas datos técnicos sueltos.
- No inventes datos ni uses frases de aviso publicitario.
- Si falta un must-have, mencionalo con tacto. No ignores red flags aunque la similitud sea alta.
- Sin listas. Frases cortas.
- Respondé SOLO con este JSON:
{"why_match": "2-3 frases cortas", "warnings": "1 frase con el trade-off, o vacío", "conclusion": "1 frase con el veredicto"}

[USUARIO]
- Hogar ideal: %s
- Must-haves: %s
- Presupuesto: %s
- Ambientes: %s
- Barrios: %s

[PROPIEDAD]
- Título: %s
- Barrio: %s
- Precio: %s
- Ambientes: %s
- Features: %s
- Descripción: %s
- Similitud vectorial: %.3f`

var mustHaveLabels = map[string]string{
	"balcony":      "balcón",
	"parking":      "cochera",
	"pets_allowed": "que acepte mascotas",
	"furnished":    "amoblado",
}

// BuildPrompt renders the user prompt for one user and listing.
func BuildPrompt(u domain.User, l domain.Listing, similarity float64) string {
	h := u.Hard

	ideal := u.Soft.IdealDescription
	if strings.TrimSpace(ideal) == "" {
		ideal = "sin descripción"
	}

	var must []string
	for _, m := range h.MustHaves() {
		must = append(must, mustHaveLabels[m])
	}

	budget := "sin límite"
	if h.MaxPriceUSD != nil {
		budget = "hasta USD " + strconv.FormatFloat(*h.MaxPriceUSD, 'f', 0, 64)
	}

	neighborhoods := "todo CABA"
	if len(h.Neighborhoods) > 0 {
		neighborhoods = strings.Join(h.Neighborhoods, ", ")
	}

	return fmt.Sprintf(promptTemplate,
		ideal,
		orDefault(strings.Join(must, ", "), "ninguno"),
		budget,
		roomsText(h.MinRooms, h.MaxRooms),
		neighborhoods,
		l.Source.Title,
		l.Neighborhood,
		PriceText(l),
		listingRoomsText(l),
		orDefault(strings.Join(listingFeatures(l), ", "), "ninguna"),
		truncateRunes(l.Source.Description, maxDescription),
		similarity,
	)
}

// PriceText renders the listing price in its source currency.
func PriceText(l domain.Listing) string {
	price := strings.TrimSpace(l.Source.Price)
	if price == "" && l.PriceUSD > 0 {
		return "USD " + strconv.FormatFloat(l.PriceUSD, 'f', 0, 64)
	}
	if price == "" {
		return "a consultar"
	}
	cur := strings.ToUpper(strings.TrimSpace(l.Source.Currency))
	if cur == "ARS" || cur == "$" {
		return "ARS " + price
	}
	return "USD " + price
}

func roomsText(min, max *int) string {
	switch {
	case min != nil && max != nil:
		return fmt.Sprintf("%d-%d", *min, *max)
	case min != nil:
		return fmt.Sprintf("%d+", *min)
	case max != nil:
		return fmt.Sprintf("hasta %d", *max)
	default:
		return "cualquiera"
	}
}

func listingRoomsText(l domain.Listing) string {
	if s := strings.TrimSpace(l.Source.Rooms); s != "" {
		return s
	}
	if l.Rooms > 0 {
		return strconv.Itoa(l.Rooms)
	}
	return "?"
}

func listingFeatures(l domain.Listing) []string {
	var out []string
	s := l.Source
	if s.HasBalcony {
		out = append(out, "balcón")
	}
	if s.ParkingSpaces != nil && *s.ParkingSpaces > 0 {
		out = append(out, "cochera")
	}
	if s.IsPetFriendly {
		out = append(out, "apto mascotas")
	}
	if s.IsFurnished {
		out = append(out, "amoblado")
	}
	f := l.Features
	if f.IsFamilyFriendly {
		out = append(out, "apto familia")
	}
	if f.HasGoodStorage {
		out = append(out, "buen guardado")
	}
	if f.IsInvestmentOpportunity {
		out = append(out, "oportunidad de inversión")
	}
	if f.ViewType != "" {
		out = append(out, "vista "+f.ViewType)
	}
	return out
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
