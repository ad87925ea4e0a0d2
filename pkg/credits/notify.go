package credits

import "context"

// EventKind enumerates push-notification event kinds.
type EventKind string

const (
	EventBalanceChanged    EventKind = "balance_changed"
	EventLowBalanceWarning EventKind = "low_balance_warning"
)

// BalanceEvent is emitted after any committed mutation of an account's
// available balance. Delivery is at-most-once and best-effort; ledger
// consistency never depends on it.
type BalanceEvent struct {
	Kind      EventKind
	AccountID AccountID
	Available Credits
	Delta     int64
	Threshold Credits
}

// Notifier forwards balance events to the platform's push channels.
// Implementations must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, event BalanceEvent)
}

func (service *Service) notifyBalanceChanged(ctx context.Context, accountID AccountID, available Credits, delta int64) {
	if service.notifier == nil || delta == 0 {
		return
	}
	service.notifier.Notify(ctx, BalanceEvent{
		Kind:      EventBalanceChanged,
		AccountID: accountID,
		Available: available,
		Delta:     delta,
	})
	if service.lowBalanceThreshold > 0 && available < service.lowBalanceThreshold {
		service.notifier.Notify(ctx, BalanceEvent{
			Kind:      EventLowBalanceWarning,
			AccountID: accountID,
			Available: available,
			Threshold: service.lowBalanceThreshold,
		})
	}
}
