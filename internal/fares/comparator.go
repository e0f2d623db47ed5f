package fares

import (
	"context"

	"railfair/internal/store"
)

// FarePrice is one ticket type's standard-class price, pence.
type FarePrice struct {
	TicketType  string `json:"ticket_type"`
	AdultPence  int    `json:"adult_pence"`
	Restriction string `json:"restriction,omitempty"`
	TOCCode     string `json:"toc_code,omitempty"`
}

// Comparison summarises the cheapest option for a flow.
type Comparison struct {
	Origin       string      `json:"origin"`
	Destination  string      `json:"destination"`
	Fares        []FarePrice `json:"fares"`
	CheapestType string      `json:"cheapest_type,omitempty"`
	CheapestPence int        `json:"cheapest_pence,omitempty"`
	SavingsPence  int        `json:"savings_pence"`
	SavingsPct    float64    `json:"savings_percentage"`
	DataSource    string     `json:"data_source"`
}

// Compare reads the cached fares for one flow and derives the comparison.
// Returns nil when the cache holds nothing for the route.
func Compare(ctx context.Context, st FareStore, origin, destination string) (*Comparison, error) {
	offers, err := st.FaresForRoute(ctx, origin, destination)
	if err != nil {
		return nil, err
	}
	return CompareOffers(origin, destination, offers), nil
}

// CompareOffers builds a comparison from already-loaded offers. Only
// standard-class fares participate.
func CompareOffers(origin, destination string, offers []store.FareOffer) *Comparison {
	var std []store.FareOffer
	for _, o := range offers {
		if o.TicketClass == store.ClassStandard {
			std = append(std, o)
		}
	}
	if len(std) == 0 {
		return nil
	}

	c := &Comparison{Origin: origin, Destination: destination, DataSource: std[0].DataSource}

	cheapest := std[0]
	dearest := std[0]
	for _, o := range std {
		fp := FarePrice{TicketType: o.TicketType, AdultPence: o.AdultPence}
		if o.RouteRestriction.Valid {
			fp.Restriction = o.RouteRestriction.String
		}
		if o.TOCCode.Valid {
			fp.TOCCode = o.TOCCode.String
		}
		c.Fares = append(c.Fares, fp)

		if o.AdultPence < cheapest.AdultPence {
			cheapest = o
		}
		if o.AdultPence > dearest.AdultPence {
			dearest = o
		}
	}

	c.CheapestType = cheapest.TicketType
	c.CheapestPence = cheapest.AdultPence
	c.SavingsPence = dearest.AdultPence - cheapest.AdultPence
	if dearest.AdultPence > 0 {
		c.SavingsPct = float64(c.SavingsPence) / float64(dearest.AdultPence) * 100
	}
	return c
}
