package trade

// Event identifies a lifecycle event emitted by a Trade.
type Event string

const (
	EventSubmitted     Event = "submitted"
	EventMarketEntered Event = "market_entered"
	EventFilled        Event = "filled"
	EventStoppedOut    Event = "stopped_out"
	EventProfitted     Event = "profitted"
	EventCompleted     Event = "completed"
	EventFailed        Event = "failed"
)

// Listener receives lifecycle events for one trade. All callbacks are
// optional; nil callbacks are skipped. Callbacks are invoked serially, outside
// the trade's internal lock, so they may freely call the trade's read
// accessors. Within one order update the emission order is fixed: fill and
// count updates always precede MarketEntered, and Completed is always last, so
// listeners observe consistent counts.
//
// Completed and Failed are mutually exclusive terminal events: a fatally
// failed trade (rejected order, bracket creation failure) never reports
// Completed.
type Listener struct {
	OnSubmitted     func(*Trade)
	OnMarketEntered func(*Trade)
	OnFilled        func(*Trade)
	OnStoppedOut    func(*Trade)
	OnProfitted     func(*Trade)
	OnCompleted     func(*Trade)
	OnFailed        func(*Trade, error)
}

// emit dispatches events to the given listeners in order. Must be called
// without holding the trade lock.
func (t *Trade) emit(listeners []Listener, events []Event, failure error) {
	for _, ev := range events {
		for _, l := range listeners {
			switch ev {
			case EventSubmitted:
				if l.OnSubmitted != nil {
					l.OnSubmitted(t)
				}
			case EventMarketEntered:
				if l.OnMarketEntered != nil {
					l.OnMarketEntered(t)
				}
			case EventFilled:
				if l.OnFilled != nil {
					l.OnFilled(t)
				}
			case EventStoppedOut:
				if l.OnStoppedOut != nil {
					l.OnStoppedOut(t)
				}
			case EventProfitted:
				if l.OnProfitted != nil {
					l.OnProfitted(t)
				}
			case EventCompleted:
				if l.OnCompleted != nil {
					l.OnCompleted(t)
				}
			case EventFailed:
				if l.OnFailed != nil {
					l.OnFailed(t, failure)
				}
			}
		}
	}
}
