package market

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Discount rewrites a trade's received values before settlement. The hook
// receives the trade and returns a full replacement; it must never increase
// a received value and must have no side effects of its own; consumption
// bookkeeping for the coupon happens in the orchestrator.
type Discount interface {
	ApplyDiscount(trade *Trade, coupon *Coupon) (*Trade, error)
}

// RateRule is the signed payload of a rate coupon. Rate is expressed in
// parts per million of the original value: 500_000 halves every received
// value, 1_000_000 zeroes it.
type RateRule struct {
	Rate uint32 `json:"rate"`
}

// FlatRule is the signed payload of a flat coupon. Amount is subtracted from
// every received asset value and must not underflow any of them.
type FlatRule struct {
	Amount *big.Int `json:"amount"`
}

// CollectionRule restricts a wrapped rate or flat rule to trades whose sent
// assets all belong to an allow-listed collection set, committed to by Root,
// whose registered creator is the trade signer.
type CollectionRule struct {
	Root   [32]byte `json:"root"`
	Rate   *uint32  `json:"rate,omitempty"`
	Amount *big.Int `json:"amount,omitempty"`
}

// CollectionProofs is the caller-supplied payload of a collection coupon:
// one Merkle inclusion proof per sent asset, in trade order.
type CollectionProofs struct {
	Proofs [][][32]byte `json:"proofs"`
}

// RateDiscount scales every received asset value by
// (1_000_000 - rate) / 1_000_000.
type RateDiscount struct{}

// ApplyDiscount implements the Discount interface.
func (RateDiscount) ApplyDiscount(trade *Trade, coupon *Coupon) (*Trade, error) {
	var rule RateRule
	if err := json.Unmarshal(coupon.Data, &rule); err != nil {
		return nil, fmt.Errorf("market: rate rule: %w", err)
	}
	return applyRate(trade, rule.Rate)
}

// FlatDiscount subtracts a fixed amount from every received asset value.
type FlatDiscount struct{}

// ApplyDiscount implements the Discount interface.
func (FlatDiscount) ApplyDiscount(trade *Trade, coupon *Coupon) (*Trade, error) {
	var rule FlatRule
	if err := json.Unmarshal(coupon.Data, &rule); err != nil {
		return nil, fmt.Errorf("market: flat rule: %w", err)
	}
	return applyFlat(trade, rule.Amount)
}

// CollectionDiscount proves every sent asset against the rule's collection
// commitment and checks the collection creator is the trade signer before
// delegating to the wrapped rate or flat rule. Creator lookups go through
// State, which should be the committed store: creators never change within
// a batch.
type CollectionDiscount struct {
	Tokens TokenRegistry
	State  State
}

// ApplyDiscount implements the Discount interface.
func (d CollectionDiscount) ApplyDiscount(trade *Trade, coupon *Coupon) (*Trade, error) {
	var rule CollectionRule
	if err := json.Unmarshal(coupon.Data, &rule); err != nil {
		return nil, fmt.Errorf("market: collection rule: %w", err)
	}
	var proofs CollectionProofs
	if err := json.Unmarshal(coupon.CallerData, &proofs); err != nil {
		return nil, fmt.Errorf("market: collection proofs: %w", err)
	}
	if len(proofs.Proofs) != len(trade.Sent) {
		return nil, fmt.Errorf("market: want %d collection proofs, got %d", len(trade.Sent), len(proofs.Proofs))
	}
	if d.Tokens == nil {
		return nil, errNilRegistry
	}
	for i := range trade.Sent {
		contract := trade.Sent[i].Contract
		if !VerifyMerkleProof(rule.Root, AddressLeaf(contract), proofs.Proofs[i]) {
			return nil, fmt.Errorf("market: sent asset %d not in collection set", i)
		}
		coll, ok := d.Tokens.Collection(d.State, contract)
		if !ok {
			return nil, fmt.Errorf("%w: %x", ErrUnknownToken, contract)
		}
		if coll.Creator() != trade.Signer {
			return nil, ErrNotCreator
		}
	}
	switch {
	case rule.Rate != nil:
		return applyRate(trade, *rule.Rate)
	case rule.Amount != nil:
		return applyFlat(trade, rule.Amount)
	default:
		return nil, fmt.Errorf("market: collection rule carries no discount")
	}
}

func applyRate(trade *Trade, rate uint32) (*Trade, error) {
	if rate > feeDenominator {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRate, rate)
	}
	out := trade.Clone()
	keep := big.NewInt(feeDenominator - int64(rate))
	for i := range out.Received {
		value := out.Received[i].Value
		discounted := new(big.Int).Mul(value, keep)
		discounted.Div(discounted, big.NewInt(feeDenominator))
		out.Received[i].Value = discounted
	}
	return out, nil
}

func applyFlat(trade *Trade, amount *big.Int) (*Trade, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("market: flat amount must be non-negative")
	}
	out := trade.Clone()
	for i := range out.Received {
		discounted := new(big.Int).Sub(out.Received[i].Value, amount)
		if discounted.Sign() < 0 {
			return nil, fmt.Errorf("%w: asset %d", ErrDiscountUnderflow, i)
		}
		out.Received[i].Value = discounted
	}
	return out, nil
}
