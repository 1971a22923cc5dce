package market

import (
	"fmt"
	"math/big"
)

// AssetKind identifies the transfer semantics of one asset leg. The set is
// closed: dispatch happens by switch, never by open-ended lookup.
type AssetKind uint8

const (
	AssetFungible AssetKind = iota + 1
	AssetFungibleWithFee
	AssetNonFungible
	AssetNonFungibleWithFingerprint
	AssetCollectionItem
)

// Valid reports whether the asset kind value is supported.
func (k AssetKind) Valid() bool {
	switch k {
	case AssetFungible, AssetFungibleWithFee, AssetNonFungible,
		AssetNonFungibleWithFingerprint, AssetCollectionItem:
		return true
	default:
		return false
	}
}

// Asset describes one typed unit moving between the two parties. Value holds
// a quantity for fungible kinds and an item identifier otherwise. A zero
// Beneficiary resolves to the opposing party at settlement time. Extra is
// covered by the trade signature; UnverifiedExtra is caller-supplied and
// deliberately excluded from signing.
type Asset struct {
	Kind            AssetKind
	Contract        [20]byte
	Value           *big.Int
	Beneficiary     [20]byte
	Extra           []byte
	UnverifiedExtra []byte
}

// Clone returns a deep copy of the asset.
func (a Asset) Clone() Asset {
	clone := a
	if a.Value != nil {
		clone.Value = new(big.Int).Set(a.Value)
	} else {
		clone.Value = big.NewInt(0)
	}
	clone.Extra = append([]byte(nil), a.Extra...)
	clone.UnverifiedExtra = append([]byte(nil), a.UnverifiedExtra...)
	return clone
}

// ExternalCheck is a live condition re-evaluated on every settlement attempt.
// Dispatch follows the selector convention documented on the evaluator.
type ExternalCheck struct {
	Target   [20]byte
	Selector [4]byte
	Value    *big.Int
	Required bool
}

// Clone returns a deep copy of the external check.
func (c ExternalCheck) Clone() ExternalCheck {
	clone := c
	if c.Value != nil {
		clone.Value = new(big.Int).Set(c.Value)
	} else {
		clone.Value = big.NewInt(0)
	}
	return clone
}

// Checks bundles every constraint gating when and by whom a signed trade (or
// coupon) may be settled. Uses of zero means unlimited. A zero AllowedRoot
// leaves the trade open to any caller; otherwise the caller must prove
// membership with AllowedProof, which is supplied at settlement time and is
// not part of the signed content.
type Checks struct {
	Uses           uint64
	Expiration     int64
	Effective      int64
	Salt           [32]byte
	ContractEpoch  uint64
	SignerEpoch    uint64
	AllowedRoot    [32]byte
	AllowedProof   [][32]byte
	ExternalChecks []ExternalCheck
}

// Clone returns a deep copy of the checks bundle.
func (c Checks) Clone() Checks {
	clone := c
	if len(c.AllowedProof) > 0 {
		clone.AllowedProof = make([][32]byte, len(c.AllowedProof))
		copy(clone.AllowedProof, c.AllowedProof)
	}
	if len(c.ExternalChecks) > 0 {
		clone.ExternalChecks = make([]ExternalCheck, len(c.ExternalChecks))
		for i := range c.ExternalChecks {
			clone.ExternalChecks[i] = c.ExternalChecks[i].Clone()
		}
	}
	return clone
}

// Trade is the unit of authorization: a signed, conditionally executable
// description of a bilateral exchange. Sent lists the assets the signer
// gives up, Received the assets the signer demands in return.
type Trade struct {
	Signer    [20]byte
	Signature []byte
	Checks    Checks
	Sent      []Asset
	Received  []Asset
}

// Clone returns a deep copy of the trade allowing callers to mutate the
// result without affecting the stored instance.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Signature = append([]byte(nil), t.Signature...)
	clone.Checks = t.Checks.Clone()
	clone.Sent = cloneAssets(t.Sent)
	clone.Received = cloneAssets(t.Received)
	return &clone
}

func cloneAssets(assets []Asset) []Asset {
	if len(assets) == 0 {
		return nil
	}
	out := make([]Asset, len(assets))
	for i := range assets {
		out[i] = assets[i].Clone()
	}
	return out
}

// Coupon authorizes one discount application against one trade. It carries
// its own checks and signature and is replay-protected independently of the
// trade it modifies. Data is covered by the coupon signature; CallerData is
// supplied by whoever settles and is not.
type Coupon struct {
	Implementation [20]byte
	Data           []byte
	CallerData     []byte
	Checks         Checks
	Signature      []byte
}

// Clone returns a deep copy of the coupon.
func (c *Coupon) Clone() *Coupon {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Data = append([]byte(nil), c.Data...)
	clone.CallerData = append([]byte(nil), c.CallerData...)
	clone.Checks = c.Checks.Clone()
	clone.Signature = append([]byte(nil), c.Signature...)
	return &clone
}

// SanitizeTrade validates and normalises the supplied trade definition,
// returning a cloned instance with non-nil asset values. The original value
// is never mutated.
func SanitizeTrade(t *Trade) (*Trade, error) {
	if t == nil {
		return nil, errNilTrade
	}
	clone := t.Clone()
	if len(clone.Sent) == 0 && len(clone.Received) == 0 {
		return nil, fmt.Errorf("market: trade moves no assets")
	}
	for i := range clone.Sent {
		if err := sanitizeAsset(&clone.Sent[i]); err != nil {
			return nil, err
		}
	}
	for i := range clone.Received {
		if err := sanitizeAsset(&clone.Received[i]); err != nil {
			return nil, err
		}
	}
	if clone.Checks.Expiration > 0 && clone.Checks.Effective > clone.Checks.Expiration {
		return nil, fmt.Errorf("market: effective after expiration")
	}
	return clone, nil
}

func sanitizeAsset(a *Asset) error {
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnsupportedAssetKind, a.Kind)
	}
	if a.Value == nil {
		a.Value = big.NewInt(0)
	}
	if a.Value.Sign() < 0 {
		return fmt.Errorf("market: asset value must be non-negative")
	}
	return nil
}
