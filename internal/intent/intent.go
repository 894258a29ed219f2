// Package intent adjusts a keyword's intent label and scores once its SERP
// is known. The commercial share of the result set can flip a label or
// raise a score; it never clears one.
package intent

import (
	"github.com/sells-group/serp-enricher/internal/model"
)

// Labels produced or recognised by Recompute.
const (
	Commercial       = "commercial"
	Informational    = "informational"
	CommercialGeo    = "commercial_geo"
	InformationalGeo = "informational_geo"
)

// DefaultThreshold is the result share needed to flip a label.
const DefaultThreshold = 0.6

// DefaultOfferFactors is the number of offer-bearing results that makes a
// SERP commercial on its own.
const DefaultOfferFactors = 7

// scoreScale maps a ratio in [0,1] onto the 0-10 score range.
const scoreScale = 10.0

// OfferIntent labels a SERP by its offer-bearing results alone: Commercial
// when at least minOffers results carry an offer, Informational otherwise.
// An empty SERP has no offer intent.
func OfferIntent(p *model.Payload, minOffers int) string {
	if p == nil || len(p.Results) == 0 {
		return ""
	}
	if minOffers <= 0 {
		minOffers = DefaultOfferFactors
	}
	if p.CommercialResults >= minOffers {
		return Commercial
	}
	return Informational
}

// Recompute derives the intent for a record whose SERP is p, starting from
// current. A serpIntent of Commercial or Informational (see OfferIntent)
// takes priority over the current label; any other value is ignored. The
// second return is false when p has no results, in which case current is
// returned unchanged.
func Recompute(current model.Intent, p *model.Payload, threshold float64, serpIntent string) (model.Intent, bool) {
	if p == nil || len(p.Results) == 0 {
		return current, false
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	total := float64(len(p.Results))
	commercialRatio := float64(p.CommercialResults) / total
	infoRatio := float64(len(p.Results)-p.CommercialResults) / total

	curCommercial := deref(current.CommercialScore)
	curInfo := deref(current.InformationalScore)

	label := ""
	if current.MainIntent != nil {
		label = *current.MainIntent
	}

	var (
		newLabel      = label
		newCommercial float64
		newInfo       float64
	)

	switch {
	case serpIntent == Commercial:
		newLabel = Commercial
		newCommercial = max(curCommercial, commercialRatio*scoreScale)
		newInfo = curInfo * 0.5

	case serpIntent == Informational:
		newLabel = Informational
		newInfo = max(curInfo, infoRatio*scoreScale)
		newCommercial = curCommercial * 0.5

	case label == "":
		switch {
		case commercialRatio >= threshold:
			newLabel = Commercial
		case infoRatio >= threshold:
			newLabel = Informational
		default:
			newLabel = Commercial
		}
		newCommercial = commercialRatio * scoreScale
		newInfo = infoRatio * scoreScale

	case label == Informational && commercialRatio >= threshold:
		newLabel = Commercial
		newCommercial = commercialRatio * scoreScale
		newInfo = curInfo * 0.5

	case label == Commercial && infoRatio >= threshold:
		newLabel = Informational
		newInfo = infoRatio * scoreScale
		newCommercial = curCommercial * 0.5

	case label == CommercialGeo:
		newCommercial = max(curCommercial, commercialRatio*scoreScale)
		newInfo = curInfo

	case label == InformationalGeo:
		newInfo = max(curInfo, infoRatio*scoreScale)
		newCommercial = curCommercial

	default:
		newCommercial = max(curCommercial, commercialRatio*scoreScale)
		newInfo = max(curInfo, infoRatio*scoreScale)
	}

	return model.Intent{
		MainIntent:         model.StringPtr(newLabel),
		CommercialScore:    model.Float64Ptr(newCommercial),
		InformationalScore: model.Float64Ptr(newInfo),
	}, true
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
