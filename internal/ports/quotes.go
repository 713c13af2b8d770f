package ports

import "context"

// QuoteSource provides the current best bid/ask for an instrument. The trade
// machinery only consults it before an entry order has any fill, to project
// protective prices ahead of the actual fill price.
type QuoteSource interface {
	BestBid(ctx context.Context, symbol string) (float64, error)
	BestAsk(ctx context.Context, symbol string) (float64, error)
}
