package router

// Analytics summarizes a sequence of routing decisions.
type Analytics struct {
	TotalRoutes       int            `json:"total_routes"`
	TierDistribution  map[string]int `json:"tier_distribution"`
	AverageComplexity float64        `json:"avg_complexity"`
	DominantSentiment Sentiment      `json:"dominant_sentiment"`
	Fallbacks         int            `json:"fallbacks"`
}

// Analyze computes route analytics. The dominant sentiment is the most
// frequent one, ties going to the earliest seen; NEUTRAL when empty.
func Analyze(decisions []Decision) Analytics {
	out := Analytics{
		TotalRoutes:       len(decisions),
		TierDistribution:  make(map[string]int),
		DominantSentiment: Neutral,
	}
	if len(decisions) == 0 {
		return out
	}

	counts := make(map[Sentiment]int)
	var order []Sentiment
	total := 0
	for _, d := range decisions {
		out.TierDistribution[d.Tier.String()]++
		total += d.Complexity
		if d.Fallback {
			out.Fallbacks++
		}
		if _, seen := counts[d.Sentiment]; !seen {
			order = append(order, d.Sentiment)
		}
		counts[d.Sentiment]++
	}
	out.AverageComplexity = float64(total) / float64(len(decisions))

	best := 0
	for _, s := range order {
		if counts[s] > best {
			out.DominantSentiment, best = s, counts[s]
		}
	}
	return out
}
