package market

// Event type identifiers emitted by the engine.
const (
	EventTypeTradeSettled        = "market.trade.settled"
	EventTypeTradeCancelled      = "market.trade.cancelled"
	EventTypeDiscountApplied     = "market.discount.applied"
	EventTypeDiscountAllowed     = "market.discount.allowed"
	EventTypeDiscountRevoked     = "market.discount.revoked"
	EventTypeContractEpochBumped = "market.epoch.contract_bumped"
	EventTypeSignerEpochBumped   = "market.epoch.signer_bumped"
	EventTypePaused              = "market.paused"
	EventTypeUnpaused            = "market.unpaused"
)

// TradeSettledEvent is emitted once per settled trade within a batch.
type TradeSettledEvent struct {
	SignatureHash [32]byte
	Identity      [32]byte
	Signer        [20]byte
	Caller        [20]byte
	Uses          uint64
}

func (TradeSettledEvent) EventType() string { return EventTypeTradeSettled }

// TradeCancelledEvent is emitted when a signer voids one of its signatures.
type TradeCancelledEvent struct {
	SignatureHash [32]byte
	Caller        [20]byte
}

func (TradeCancelledEvent) EventType() string { return EventTypeTradeCancelled }

// DiscountAppliedEvent is emitted when a coupon rewrites a trade.
type DiscountAppliedEvent struct {
	Implementation [20]byte
	CouponHash     [32]byte
	TradeHash      [32]byte
}

func (DiscountAppliedEvent) EventType() string { return EventTypeDiscountApplied }

// DiscountListEvent is emitted on allow-list maintenance.
type DiscountListEvent struct {
	Implementation [20]byte
	Allowed        bool
}

func (e DiscountListEvent) EventType() string {
	if e.Allowed {
		return EventTypeDiscountAllowed
	}
	return EventTypeDiscountRevoked
}

// ContractEpochBumpedEvent is emitted when the owner invalidates every
// signature citing an older contract epoch.
type ContractEpochBumpedEvent struct {
	Epoch uint64
}

func (ContractEpochBumpedEvent) EventType() string { return EventTypeContractEpochBumped }

// SignerEpochBumpedEvent is emitted when a signer invalidates its own
// previously signed trades.
type SignerEpochBumpedEvent struct {
	Signer [20]byte
	Epoch  uint64
}

func (SignerEpochBumpedEvent) EventType() string { return EventTypeSignerEpochBumped }

// PauseEvent is emitted on pause state changes.
type PauseEvent struct {
	Paused bool
}

func (e PauseEvent) EventType() string {
	if e.Paused {
		return EventTypePaused
	}
	return EventTypeUnpaused
}
