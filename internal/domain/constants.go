package domain

const (
	SettlementTypeDeposit    = "DEPOSIT"
	SettlementTypeWithdrawal = "WITHDRAWAL"

	SettlementStatusPending    = "PENDING"
	SettlementStatusProcessing = "PROCESSING"
	SettlementStatusCompleted  = "COMPLETED"
	SettlementStatusFailed     = "FAILED"
	SettlementStatusCancelled  = "CANCELLED"

	// Webhook event names sent by the settlement protocol.
	EventSettlementCompleted  = "settlement.completed"
	EventSettlementFailed     = "settlement.failed"
	EventSettlementProcessing = "settlement.processing"
)

// IsTerminalStatus reports whether a settlement can no longer change state.
func IsTerminalStatus(status string) bool {
	switch status {
	case SettlementStatusCompleted, SettlementStatusFailed, SettlementStatusCancelled:
		return true
	default:
		return false
	}
}
