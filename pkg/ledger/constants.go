package ledger

import "time"

const (
	operationLockWager    = "lock_wager"
	operationPayoutWinner = "payout_winner"
	operationRefundMatch  = "refund_match"
	operationLock         = "lock"
	operationUnlock       = "unlock"
	operationEarn         = "earn"
	operationWithdraw     = "withdraw"
	operationPublish      = "publish"

	operationStatusOK       = "ok"
	operationStatusReplayed = "replayed"
	operationStatusError    = "error"

	idempotencyKeyDelimiter      = ":"
	idempotencyPrefixMatch       = "match"
	idempotencySuffixLoss        = "loss"
	idempotencySuffixPlatformFee = "platform_fee"

	earnReasonDeposit = "deposit"

	defaultListLimit = 50
	maxListLimit     = 200

	fcScale int32 = 2

	// DefaultRakePercent is applied to matches created without an explicit rake.
	DefaultRakePercent int64 = 10
	// DefaultPlatformUserID owns the wallet that collects rake.
	DefaultPlatformUserID = "platform"
	// SystemActor marks disputes and ledger entries initiated by the engine itself.
	SystemActor = "system"
)

// Topics published by the engine after a store transaction commits.
const (
	TopicWagerLocked     = "wallet.wager.locked"
	TopicWagerPayout     = "wallet.wager.payout"
	TopicWagerRefund     = "wallet.wager.refund"
	TopicMatchCompleted  = "match.completed"
	TopicMatchDisputed   = "match.disputed"
	TopicDisputeOpened   = "dispute.opened"
	TopicDisputeResolved = "dispute.resolved"
)

const (
	defaultRetryAttempts   = 3
	defaultRetryBaseDelay  = 25 * time.Millisecond
	defaultRetryMultiplier = 2
)
