package api

import (
	"fmt"
	"sort"

	"railfair/internal/fares"
	"railfair/internal/predict"
)

// Recommendation is one ranked travel suggestion.
type Recommendation struct {
	Tag         string  `json:"tag"` // money, time or balanced
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Score       float64 `json:"score"` // 0..10
}

// tagRank breaks score ties: money > time > balanced.
var tagRank = map[string]int{"money": 0, "time": 1, "balanced": 2}

// buildRecommendations derives up to three suggestions from a prediction
// and an optional fare comparison, ordered by score descending.
func buildRecommendations(p *predict.Result, c *fares.Comparison) []Recommendation {
	var out []Recommendation

	var moneyScore, timeScore float64
	haveMoney := false

	if c != nil && c.SavingsPence > 0 {
		moneyScore = capScore(c.SavingsPct / 10)
		haveMoney = true
		out = append(out, Recommendation{
			Tag:   "money",
			Title: fmt.Sprintf("Save £%.2f with a %s ticket", float64(c.SavingsPence)/100, ticketLabel(c.CheapestType)),
			Description: fmt.Sprintf("A %s ticket costs £%.2f, %.1f%% below the most expensive option.",
				ticketLabel(c.CheapestType), float64(c.CheapestPence)/100, c.SavingsPct),
			Score: moneyScore,
		})
	}

	timeScore = capScore(p.ExpectedDelayMin / 6)
	if p.ExpectedDelayMin > 0 {
		out = append(out, Recommendation{
			Tag:   "time",
			Title: "Allow for delays on this service",
			Description: fmt.Sprintf("Around %.1f minutes of delay is typical for this departure; consider an earlier train for tight connections.",
				p.ExpectedDelayMin),
			Score: timeScore,
		})
	}

	if haveMoney {
		balanced := moneyScore*0.5 + timeScore*0.5
		out = append(out, Recommendation{
			Tag:         "balanced",
			Title:       "Weigh cost against punctuality",
			Description: "Combines the fare savings with the expected delay for this departure window.",
			Score:       capScore(balanced),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return tagRank[out[i].Tag] < tagRank[out[j].Tag]
	})
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

func capScore(s float64) float64 {
	if s > 10 {
		return 10
	}
	if s < 0 {
		return 0
	}
	return s
}

func ticketLabel(ticketType string) string {
	switch ticketType {
	case "advance":
		return "Advance"
	case "off_peak":
		return "Off-Peak"
	case "super_off_peak":
		return "Super Off-Peak"
	case "anytime":
		return "Anytime"
	case "season":
		return "Season"
	default:
		return ticketType
	}
}
