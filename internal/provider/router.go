package provider

import (
	"errors"
	"strings"
)

// Constraints narrow the candidate model set during resolution.
type Constraints struct {
	RequireTools  bool
	RequireVision bool
	// MaxCostUSD caps the per-MTok cost; zero means no cap.
	MaxCostUSD float64
}

// ResolutionRequest asks the router for a model satisfying the
// constraints, preferring the listed models in order.
type ResolutionRequest struct {
	Constraints     Constraints
	PreferredModels []string
}

// Resolution is the router's answer.
type Resolution struct {
	Primary ModelRecord
}

// ErrNoModel is returned when no record satisfies the constraints.
var ErrNoModel = errors.New("no model satisfies constraints")

// Router picks a model from a record list. The zero value is usable.
type Router struct{}

// Resolve filters records by the request constraints, then returns the
// first preferred model that survives, or the first survivor when no
// preference matches. Preferred entries match the canonical id, the
// provider model id, or a "provider/" prefix.
func (r *Router) Resolve(records []ModelRecord, req ResolutionRequest) (Resolution, error) {
	candidates := make([]ModelRecord, 0, len(records))
	for _, rec := range records {
		if req.Constraints.RequireTools && !rec.SupportsTools {
			continue
		}
		if req.Constraints.RequireVision && !rec.SupportsVision {
			continue
		}
		if req.Constraints.MaxCostUSD > 0 && rec.CostPerMTokUSD > req.Constraints.MaxCostUSD {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return Resolution{}, ErrNoModel
	}
	for _, pref := range req.PreferredModels {
		for _, rec := range candidates {
			if matchesPreference(rec, pref) {
				return Resolution{Primary: rec}, nil
			}
		}
	}
	return Resolution{Primary: candidates[0]}, nil
}

func matchesPreference(rec ModelRecord, pref string) bool {
	pref = strings.TrimSpace(pref)
	if pref == "" {
		return false
	}
	if rec.ID == pref || rec.ProviderModelID == pref {
		return true
	}
	// "anthropic/" means any model from that provider.
	if strings.HasSuffix(pref, "/") && rec.Provider == strings.TrimSuffix(pref, "/") {
		return true
	}
	return false
}
