package market

import (
	"bytes"
	"fmt"
	"time"

	"offmarket/core/events"
	nativecommon "offmarket/native/common"
)

const moduleName = "market"

// DiscountResolver binds allow-listed implementation addresses to live
// discount hooks. The persistent allow-list is still consulted first: an
// address that resolves but is not allow-listed fails closed.
type DiscountResolver interface {
	Discount(addr [20]byte) (Discount, bool)
}

// Engine verifies and settles signed trades. It owns no business state:
// replay bookkeeping lives behind SnapshotState and asset movement behind
// the injected registries. All dependencies are wired through setters, the
// zero-value dependencies failing closed.
type Engine struct {
	state     SnapshotState
	tokens    TokenRegistry
	checks    CheckResolver
	signers   SignerResolver
	discounts DiscountResolver
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	owner     [20]byte
	nowFn     func() int64
}

// NewEngine constructs an engine with a no-op emitter and the wall clock.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the persistence backend.
func (e *Engine) SetState(state SnapshotState) { e.state = state }

// SetTokens configures the asset contract registry.
func (e *Engine) SetTokens(tokens TokenRegistry) { e.tokens = tokens }

// SetCheckResolver configures the external-check target resolver.
func (e *Engine) SetCheckResolver(resolver CheckResolver) { e.checks = resolver }

// SetSignerResolver configures the contract-signature validator resolver.
func (e *Engine) SetSignerResolver(resolver SignerResolver) { e.signers = resolver }

// SetDiscountResolver configures the discount implementation resolver.
func (e *Engine) SetDiscountResolver(resolver DiscountResolver) { e.discounts = resolver }

// SetOwner configures the address allowed to pause, bump the contract epoch
// and maintain the discount allow-list.
func (e *Engine) SetOwner(owner [20]byte) { e.owner = owner }

// SetPauses configures an external pause view consulted alongside the
// persisted pause flag.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets it to a
// no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) guard(st State) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	flag, err := paused(st)
	if err != nil {
		return err
	}
	if flag {
		return nativecommon.ErrModulePaused
	}
	return nil
}

// Accept settles a batch of trades on behalf of caller. The batch is
// all-or-nothing: a failure on any trade discards every write.
func (e *Engine) Accept(caller [20]byte, trades []*Trade) error {
	return e.AcceptWithCoupons(caller, trades, nil)
}

// AcceptWithCoupons settles a batch of trades, each optionally paired with a
// coupon (coupons may be nil or hold nil entries). Per trade: authenticate,
// evaluate checks against a freshly read use count, apply the discount hook,
// record consumption, then dispatch both asset legs. All bookkeeping happens
// before the asset adapters run; the snapshot commits only when every trade
// settled.
func (e *Engine) AcceptWithCoupons(caller [20]byte, trades []*Trade, coupons []*Coupon) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if len(trades) == 0 {
		return fmt.Errorf("market: empty batch")
	}
	if coupons != nil && len(coupons) != len(trades) {
		return fmt.Errorf("market: %d trades but %d coupons", len(trades), len(coupons))
	}
	tx := e.state.Begin()
	if err := e.guard(tx); err != nil {
		return err
	}
	settled := make([]TradeSettledEvent, 0, len(trades))
	applied := make([]DiscountAppliedEvent, 0)
	for i, trade := range trades {
		var coupon *Coupon
		if coupons != nil {
			coupon = coupons[i]
		}
		evtTrade, evtCoupon, err := e.settleOne(tx, caller, trade, coupon)
		if err != nil {
			return fmt.Errorf("market: trade %d: %w", i, err)
		}
		settled = append(settled, evtTrade)
		if evtCoupon != nil {
			applied = append(applied, *evtCoupon)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for i := range applied {
		e.emit(applied[i])
	}
	for i := range settled {
		e.emit(settled[i])
	}
	return nil
}

func (e *Engine) settleOne(tx State, caller [20]byte, trade *Trade, coupon *Coupon) (TradeSettledEvent, *DiscountAppliedEvent, error) {
	sanitized, err := SanitizeTrade(trade)
	if err != nil {
		return TradeSettledEvent{}, nil, err
	}
	hash := TradeHash(sanitized)
	if err := authenticate(e.signers, sanitized.Signer, hash, sanitized.Signature); err != nil {
		return TradeSettledEvent{}, nil, err
	}
	sigHash := SignatureHash(sanitized.Signature)
	identity := TradeIdentity(sanitized, caller)
	led := tradeLedger(tx)
	// Use count is read fresh here and again inside recordUse: the discount
	// hook sits between the two and must never see a stale counter.
	useCount, err := led.useCount(sanitized.Signer, sigHash)
	if err != nil {
		return TradeSettledEvent{}, nil, err
	}
	now := e.now()
	if err := e.evaluateChecks(tx, led, sanitized.Checks, sigHash, sanitized.Signer, caller, useCount, now); err != nil {
		return TradeSettledEvent{}, nil, err
	}
	// The identity axis is checked after the per-signature quota so a
	// resubmitted trade reports quota exhaustion, while a competing trade
	// sharing the identity reports the identity as exhausted.
	exhausted, err := led.identityExhausted(identity)
	if err != nil {
		return TradeSettledEvent{}, nil, err
	}
	if exhausted {
		return TradeSettledEvent{}, nil, ErrIdentityExhausted
	}
	var discountEvt *DiscountAppliedEvent
	if coupon != nil {
		discounted, evt, err := e.applyCoupon(tx, caller, sanitized, coupon, now)
		if err != nil {
			return TradeSettledEvent{}, nil, err
		}
		sanitized = discounted
		discountEvt = evt
	}
	newCount, err := led.recordUse(sanitized.Signer, sigHash)
	if err != nil {
		return TradeSettledEvent{}, nil, err
	}
	if sanitized.Checks.Uses > 0 && newCount >= sanitized.Checks.Uses {
		if err := led.exhaustIdentity(identity); err != nil {
			return TradeSettledEvent{}, nil, err
		}
	}
	// Ledger writes are complete; only now do the untrusted asset adapters
	// run.
	if err := e.dispatchTransfers(tx, sanitized, caller); err != nil {
		return TradeSettledEvent{}, nil, err
	}
	evt := TradeSettledEvent{
		SignatureHash: sigHash,
		Identity:      identity,
		Signer:        sanitized.Signer,
		Caller:        caller,
		Uses:          newCount,
	}
	return evt, discountEvt, nil
}

// applyCoupon authenticates the coupon, evaluates its own checks against the
// coupon ledger, records its consumption and invokes the allow-listed
// implementation. The returned trade replaces the submitted one.
func (e *Engine) applyCoupon(tx State, caller [20]byte, trade *Trade, coupon *Coupon, now int64) (*Trade, *DiscountAppliedEvent, error) {
	allowed, err := discountAllowed(tx, coupon.Implementation)
	if err != nil {
		return nil, nil, err
	}
	if !allowed {
		return nil, nil, ErrDiscountNotAllowed
	}
	if e.discounts == nil {
		return nil, nil, ErrDiscountNotAllowed
	}
	impl, ok := e.discounts.Discount(coupon.Implementation)
	if !ok {
		return nil, nil, ErrDiscountNotAllowed
	}
	couponHash := CouponHash(coupon)
	if err := authenticate(e.signers, trade.Signer, couponHash, coupon.Signature); err != nil {
		return nil, nil, err
	}
	sigHash := SignatureHash(coupon.Signature)
	led := couponLedger(tx)
	useCount, err := led.useCount(trade.Signer, sigHash)
	if err != nil {
		return nil, nil, err
	}
	if err := e.evaluateChecks(tx, led, coupon.Checks, sigHash, trade.Signer, caller, useCount, now); err != nil {
		return nil, nil, err
	}
	if _, err := led.recordUse(trade.Signer, sigHash); err != nil {
		return nil, nil, err
	}
	discounted, err := impl.ApplyDiscount(trade, coupon)
	if err != nil {
		return nil, nil, err
	}
	discounted, err = SanitizeTrade(discounted)
	if err != nil {
		return nil, nil, fmt.Errorf("market: discount returned invalid trade: %w", err)
	}
	if err := ensureNotIncreased(trade, discounted); err != nil {
		return nil, nil, err
	}
	evt := &DiscountAppliedEvent{
		Implementation: coupon.Implementation,
		CouponHash:     couponHash,
		TradeHash:      TradeHash(trade),
	}
	return discounted, evt, nil
}

// ensureNotIncreased enforces the hook contract: a discount may only lower
// received values. Everything else, the signer, both asset lists and the
// sent values included, must come back untouched.
func ensureNotIncreased(before, after *Trade) error {
	if after.Signer != before.Signer {
		return fmt.Errorf("market: discount changed the signer")
	}
	if len(after.Received) != len(before.Received) || len(after.Sent) != len(before.Sent) {
		return fmt.Errorf("market: discount changed asset count")
	}
	for i := range after.Sent {
		if err := sameAssetShape(before.Sent[i], after.Sent[i]); err != nil {
			return fmt.Errorf("market: discount rewrote sent asset %d: %w", i, err)
		}
		if after.Sent[i].Value.Cmp(before.Sent[i].Value) != 0 {
			return fmt.Errorf("market: discount changed sent value for asset %d", i)
		}
	}
	for i := range after.Received {
		if err := sameAssetShape(before.Received[i], after.Received[i]); err != nil {
			return fmt.Errorf("market: discount rewrote received asset %d: %w", i, err)
		}
		if after.Received[i].Value.Cmp(before.Received[i].Value) > 0 {
			return fmt.Errorf("market: discount increased received value for asset %d", i)
		}
	}
	return nil
}

func sameAssetShape(before, after Asset) error {
	switch {
	case after.Kind != before.Kind:
		return fmt.Errorf("kind changed")
	case after.Contract != before.Contract:
		return fmt.Errorf("contract changed")
	case after.Beneficiary != before.Beneficiary:
		return fmt.Errorf("beneficiary changed")
	case !bytes.Equal(after.Extra, before.Extra):
		return fmt.Errorf("signed extra changed")
	}
	return nil
}

// dispatchTransfers moves both legs: sent assets flow from the signer, the
// unset beneficiary defaulting to the caller; received assets flow from the
// caller, defaulting to the signer.
func (e *Engine) dispatchTransfers(st State, trade *Trade, caller [20]byte) error {
	for i := range trade.Sent {
		asset := trade.Sent[i]
		to := asset.Beneficiary
		if to == ([20]byte{}) {
			to = caller
		}
		if err := e.transferAsset(st, asset, trade.Signer, to, trade.Signer, caller); err != nil {
			return fmt.Errorf("market: sent asset %d: %w", i, err)
		}
	}
	for i := range trade.Received {
		asset := trade.Received[i]
		to := asset.Beneficiary
		if to == ([20]byte{}) {
			to = trade.Signer
		}
		if err := e.transferAsset(st, asset, caller, to, trade.Signer, caller); err != nil {
			return fmt.Errorf("market: received asset %d: %w", i, err)
		}
	}
	return nil
}

// Cancel voids the supplied trades for the caller. Each trade is
// authenticated against the caller as signer, so a party can only void its
// own signatures, and the cancellation is scoped to the (caller, signature)
// pair: a different caller settling the same signed content is unaffected.
// Cancellation stays available while paused.
func (e *Engine) Cancel(caller [20]byte, trades []*Trade) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if len(trades) == 0 {
		return fmt.Errorf("market: empty batch")
	}
	tx := e.state.Begin()
	led := tradeLedger(tx)
	hashes := make([][32]byte, 0, len(trades))
	for i, trade := range trades {
		if trade == nil {
			return errNilTrade
		}
		hash := TradeHash(trade)
		if err := authenticate(e.signers, caller, hash, trade.Signature); err != nil {
			return fmt.Errorf("market: trade %d: %w", i, err)
		}
		sigHash := SignatureHash(trade.Signature)
		if err := led.setCancelled(caller, sigHash); err != nil {
			return err
		}
		hashes = append(hashes, sigHash)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, h := range hashes {
		e.emit(TradeCancelledEvent{SignatureHash: h, Caller: caller})
	}
	return nil
}

// BumpContractEpoch invalidates every signature citing an older contract
// epoch. Owner only.
func (e *Engine) BumpContractEpoch(caller [20]byte) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if caller != e.owner {
		return 0, ErrUnauthorized
	}
	tx := e.state.Begin()
	epoch, err := bumpContractEpoch(tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.emit(ContractEpochBumpedEvent{Epoch: epoch})
	return epoch, nil
}

// BumpSignerEpoch invalidates every signature the caller produced under an
// older signer epoch. Self-service.
func (e *Engine) BumpSignerEpoch(caller [20]byte) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	tx := e.state.Begin()
	epoch, err := bumpSignerEpoch(tx, caller)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.emit(SignerEpochBumpedEvent{Signer: caller, Epoch: epoch})
	return epoch, nil
}

// ContractEpoch returns the current contract epoch.
func (e *Engine) ContractEpoch() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return contractEpoch(e.state)
}

// SignerEpoch returns the current epoch for signer.
func (e *Engine) SignerEpoch(signer [20]byte) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return signerEpoch(e.state, signer)
}

// AllowDiscount adds a discount implementation to the persistent allow-list.
// Owner only.
func (e *Engine) AllowDiscount(caller, impl [20]byte) error {
	return e.setDiscountListed(caller, impl, true)
}

// RevokeDiscount removes a discount implementation from the allow-list.
// Owner only.
func (e *Engine) RevokeDiscount(caller, impl [20]byte) error {
	return e.setDiscountListed(caller, impl, false)
}

func (e *Engine) setDiscountListed(caller, impl [20]byte, allowed bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != e.owner {
		return ErrUnauthorized
	}
	tx := e.state.Begin()
	if err := setDiscountAllowed(tx, impl, allowed); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.emit(DiscountListEvent{Implementation: impl, Allowed: allowed})
	return nil
}

// Pause blocks settlement. Cancellation stays available. Owner only.
func (e *Engine) Pause(caller [20]byte) error { return e.setPauseFlag(caller, true) }

// Unpause re-enables settlement. Owner only.
func (e *Engine) Unpause(caller [20]byte) error { return e.setPauseFlag(caller, false) }

func (e *Engine) setPauseFlag(caller [20]byte, flag bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != e.owner {
		return ErrUnauthorized
	}
	tx := e.state.Begin()
	if err := setPaused(tx, flag); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.emit(PauseEvent{Paused: flag})
	return nil
}

// Paused reports whether settlement is currently blocked.
func (e *Engine) Paused() (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return paused(e.state)
}
