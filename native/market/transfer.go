package market

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// feeDenominator expresses fee rates and discount rates in parts per
// million.
const feeDenominator = 1_000_000

// FungibleToken moves balances between parties.
type FungibleToken interface {
	Transfer(from, to [20]byte, value *big.Int) error
	BalanceOf(owner [20]byte) (*big.Int, error)
}

// Collection moves, inspects and mints identified items.
type Collection interface {
	TransferItem(from, to [20]byte, id *big.Int) error
	OwnerOf(id *big.Int) ([20]byte, error)
	Fingerprint(id *big.Int) ([32]byte, error)
	Creator() [20]byte
	Mint(to [20]byte, id *big.Int) error
}

// TokenRegistry resolves an asset's contract address to a live token
// binding. The state view of the enclosing batch is passed through so
// ledger-backed tokens join the same snapshot and roll back with it;
// registries backed by external systems may ignore it. Unregistered
// addresses fail the transfer.
type TokenRegistry interface {
	Fungible(st State, addr [20]byte) (FungibleToken, bool)
	Collection(st State, addr [20]byte) (Collection, bool)
}

// FeeExtra is the decoded auxiliary payload of a fungible-with-fee asset.
type FeeExtra struct {
	Rate      uint32
	Collector [20]byte
}

// EncodeFeeExtra packs a fee rate (parts per million) and fee collector into
// the asset's signed auxiliary payload.
func EncodeFeeExtra(rate uint32, collector [20]byte) []byte {
	out := make([]byte, 4+20)
	binary.BigEndian.PutUint32(out[:4], rate)
	copy(out[4:], collector[:])
	return out
}

// DecodeFeeExtra unpacks the payload written by EncodeFeeExtra.
func DecodeFeeExtra(extra []byte) (FeeExtra, error) {
	if len(extra) != 4+20 {
		return FeeExtra{}, fmt.Errorf("market: fee extra must be 24 bytes, got %d", len(extra))
	}
	var fee FeeExtra
	fee.Rate = binary.BigEndian.Uint32(extra[:4])
	copy(fee.Collector[:], extra[4:])
	return fee, nil
}

// EncodeFingerprintExtra packs a content fingerprint into the asset's signed
// auxiliary payload.
func EncodeFingerprintExtra(fp [32]byte) []byte {
	return append([]byte(nil), fp[:]...)
}

// DecodeFingerprintExtra unpacks the payload written by
// EncodeFingerprintExtra.
func DecodeFingerprintExtra(extra []byte) ([32]byte, error) {
	if len(extra) != 32 {
		return [32]byte{}, fmt.Errorf("market: fingerprint extra must be 32 bytes, got %d", len(extra))
	}
	var fp [32]byte
	copy(fp[:], extra)
	return fp, nil
}

// transferAsset dispatches one asset leg by kind. from is the party giving
// the asset up, to the resolved beneficiary. signer and caller gate the
// creator-only mint kind.
func (e *Engine) transferAsset(st State, asset Asset, from, to, signer, caller [20]byte) error {
	if e.tokens == nil {
		return errNilRegistry
	}
	switch asset.Kind {
	case AssetFungible:
		token, ok := e.tokens.Fungible(st, asset.Contract)
		if !ok {
			return fmt.Errorf("%w: %x", ErrUnknownToken, asset.Contract)
		}
		return token.Transfer(from, to, asset.Value)
	case AssetFungibleWithFee:
		return e.transferWithFee(st, asset, from, to)
	case AssetNonFungible:
		coll, ok := e.tokens.Collection(st, asset.Contract)
		if !ok {
			return fmt.Errorf("%w: %x", ErrUnknownToken, asset.Contract)
		}
		return coll.TransferItem(from, to, asset.Value)
	case AssetNonFungibleWithFingerprint:
		coll, ok := e.tokens.Collection(st, asset.Contract)
		if !ok {
			return fmt.Errorf("%w: %x", ErrUnknownToken, asset.Contract)
		}
		want, err := DecodeFingerprintExtra(asset.Extra)
		if err != nil {
			return err
		}
		live, err := coll.Fingerprint(asset.Value)
		if err != nil {
			return fmt.Errorf("market: fingerprint lookup: %w", err)
		}
		if live != want {
			return ErrInvalidFingerprint
		}
		return coll.TransferItem(from, to, asset.Value)
	case AssetCollectionItem:
		coll, ok := e.tokens.Collection(st, asset.Contract)
		if !ok {
			return fmt.Errorf("%w: %x", ErrUnknownToken, asset.Contract)
		}
		creator := coll.Creator()
		if caller != creator && signer != creator {
			return ErrNotCreator
		}
		return coll.Mint(to, asset.Value)
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedAssetKind, asset.Kind)
	}
}

// transferWithFee splits the value into a fee leg and a beneficiary leg. The
// two amounts always sum exactly to the original value.
func (e *Engine) transferWithFee(st State, asset Asset, from, to [20]byte) error {
	token, ok := e.tokens.Fungible(st, asset.Contract)
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownToken, asset.Contract)
	}
	fee, err := DecodeFeeExtra(asset.Extra)
	if err != nil {
		return err
	}
	if fee.Rate > feeDenominator {
		return fmt.Errorf("%w: fee rate %d", ErrInvalidRate, fee.Rate)
	}
	value := asset.Value
	if value == nil {
		value = big.NewInt(0)
	}
	feeAmount := new(big.Int).Mul(value, big.NewInt(int64(fee.Rate)))
	feeAmount.Div(feeAmount, big.NewInt(feeDenominator))
	remainder := new(big.Int).Sub(value, feeAmount)
	if remainder.Sign() < 0 {
		return fmt.Errorf("market: fee exceeds value")
	}
	if remainder.Sign() > 0 {
		if err := token.Transfer(from, to, remainder); err != nil {
			return err
		}
	}
	if feeAmount.Sign() > 0 {
		if err := token.Transfer(from, fee.Collector, feeAmount); err != nil {
			return err
		}
	}
	return nil
}
