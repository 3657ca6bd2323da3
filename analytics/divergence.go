package analytics

import (
	"time"

	"github.com/google/uuid"

	"marketpulse/models"
)

// AlignedPoint pairs a price sample with the most recent CVD value at or
// before its timestamp.
type AlignedPoint struct {
	Timestamp time.Time
	CVD       float64
	Price     float64
}

// AlignAsOf joins the price series onto the CVD series with as-of
// semantics: each price sample takes the nearest preceding CVD sample.
// Price samples older than the first CVD sample are skipped. Both inputs
// must be ordered by timestamp, which the producers guarantee.
func AlignAsOf(cvd []models.CVDPoint, prices []models.PricePoint) []AlignedPoint {
	if len(cvd) == 0 || len(prices) == 0 {
		return nil
	}

	aligned := make([]AlignedPoint, 0, len(prices))
	ci := 0
	for _, p := range prices {
		for ci+1 < len(cvd) && !cvd[ci+1].Timestamp.After(p.Timestamp) {
			ci++
		}
		if cvd[ci].Timestamp.After(p.Timestamp) {
			continue
		}
		aligned = append(aligned, AlignedPoint{
			Timestamp: p.Timestamp,
			CVD:       cvd[ci].CVD,
			Price:     p.Price,
		})
	}
	return aligned
}

// DetectDivergences scans adjacent aligned pairs and flags CVD-vs-price
// disagreement. A flat CVD triggers nothing: strict inequality on the CVD
// side is required. The first sample never produces an event.
func DetectDivergences(aligned []AlignedPoint) []models.DivergenceEvent {
	var events []models.DivergenceEvent
	for i := 1; i < len(aligned); i++ {
		prev, cur := aligned[i-1], aligned[i]

		var kind models.DivergenceKind
		switch {
		case cur.CVD > prev.CVD && cur.Price <= prev.Price:
			kind = models.DivergenceBullish
		case cur.CVD < prev.CVD && cur.Price >= prev.Price:
			kind = models.DivergenceBearish
		default:
			continue
		}

		events = append(events, models.DivergenceEvent{
			ID:        uuid.NewString(),
			Timestamp: cur.Timestamp,
			Kind:      kind,
			CVD:       cur.CVD,
			Price:     cur.Price,
		})
	}
	return events
}
