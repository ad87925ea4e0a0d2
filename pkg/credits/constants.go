package credits

const (
	operationPurchase = "purchase"
	operationRefund   = "refund"
	operationDeduct   = "deduct"
	operationReserve  = "reserve"
	operationConfirm  = "confirm"
	operationCancel   = "cancel"
	operationExpire   = "expire"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultPageLimit = 50
	maxPageLimit     = 200

	defaultSweepBatchSize = 100
)
