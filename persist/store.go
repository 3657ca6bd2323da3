package persist

import (
	"context"

	"marketpulse/models"
)

// Store is the durable boundary for CVD and price history. Loads happen
// once at startup to seed the accumulator; saves happen on a cadence so a
// crash loses at most one cadence worth of points.
type Store interface {
	LoadCVD(ctx context.Context) ([]models.CVDPoint, error)
	SaveCVD(ctx context.Context, points []models.CVDPoint) error
	LoadPrices(ctx context.Context) ([]models.PricePoint, error)
	SavePrices(ctx context.Context, points []models.PricePoint) error
}
