package market

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeeSplitSumsExactly(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x50)
	collector := newTestAddress(0x51)
	env.fund(signer, 1_000_000)

	// 2.5% fee on a sent leg of 999_999 exercises the rounding path.
	value := int64(999_999)
	rate := uint32(25_000)
	trade := &Trade{
		Checks: Checks{Uses: 1},
		Sent: []Asset{{
			Kind:     AssetFungibleWithFee,
			Contract: env.tokenA,
			Value:    big.NewInt(value),
			Extra:    EncodeFeeExtra(rate, collector),
		}},
		Received: []Asset{{
			Kind:     AssetFungible,
			Contract: env.tokenA,
			Value:    big.NewInt(0),
		}},
	}
	require.NoError(t, SignTrade(trade, key))
	require.NoError(t, env.engine.Accept(caller, []*Trade{trade}))

	fee := value * int64(rate) / 1_000_000
	callerBalance, _ := env.token.BalanceOf(caller)
	collectorBalance, _ := env.token.BalanceOf(collector)
	require.Equal(t, value-fee, callerBalance.Int64())
	require.Equal(t, fee, collectorBalance.Int64())
	require.Equal(t, value, callerBalance.Int64()+collectorBalance.Int64(),
		"fee and remainder must sum exactly to the original value")
}

func TestFeeExtraMustDecode(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x52)
	env.fund(signer, 1000)

	trade := &Trade{
		Checks: Checks{Uses: 1},
		Sent: []Asset{{
			Kind:     AssetFungibleWithFee,
			Contract: env.tokenA,
			Value:    big.NewInt(100),
			Extra:    []byte{0x01, 0x02}, // malformed
		}},
		Received: []Asset{{Kind: AssetFungible, Contract: env.tokenA, Value: big.NewInt(0)}},
	}
	require.NoError(t, SignTrade(trade, key))
	require.Error(t, env.engine.Accept(caller, []*Trade{trade}))
}

func TestFingerprintGuardsMutableItems(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x53)
	env.fund(caller, 1000)

	collAddr := newTestAddress(0xC6)
	coll := newFakeCollection(newTestAddress(0xC7))
	item := big.NewInt(21)
	coll.owners[item.String()] = signer
	fp := [32]byte{0xAB}
	coll.fingerprints[item.String()] = fp
	env.registry.RegisterCollection(collAddr, coll)

	trade := &Trade{
		Checks: Checks{Uses: 1},
		Sent: []Asset{{
			Kind:     AssetNonFungibleWithFingerprint,
			Contract: collAddr,
			Value:    item,
			Extra:    EncodeFingerprintExtra(fp),
		}},
		Received: []Asset{{Kind: AssetFungible, Contract: env.tokenA, Value: big.NewInt(10)}},
	}
	require.NoError(t, SignTrade(trade, key))

	// Item content drifts between signing and settlement.
	coll.fingerprints[item.String()] = [32]byte{0xCD}
	err := env.engine.Accept(caller, []*Trade{trade})
	require.ErrorIs(t, err, ErrInvalidFingerprint)

	// Restoring the signed fingerprint lets the trade settle.
	coll.fingerprints[item.String()] = fp
	require.NoError(t, env.engine.Accept(caller, []*Trade{trade}))
	owner, err := coll.OwnerOf(item)
	require.NoError(t, err)
	require.Equal(t, caller, owner)
}

func TestMintRequiresCreator(t *testing.T) {
	env := newTestEnv(t)
	creatorKey, creator := newTestKey(t)
	strangerKey, stranger := newTestKey(t)
	caller := newTestAddress(0x54)
	env.fund(caller, 1000)
	env.fund(stranger, 1000)

	collAddr := newTestAddress(0xC8)
	coll := newFakeCollection(creator)
	env.registry.RegisterCollection(collAddr, coll)

	item := big.NewInt(31)

	// Signed by the creator: the mint is allowed and lands on the caller.
	trade := &Trade{
		Checks: Checks{Uses: 1},
		Sent: []Asset{{
			Kind:     AssetCollectionItem,
			Contract: collAddr,
			Value:    item,
		}},
		Received: []Asset{{Kind: AssetFungible, Contract: env.tokenA, Value: big.NewInt(10)}},
	}
	require.NoError(t, SignTrade(trade, creatorKey))
	require.NoError(t, env.engine.Accept(caller, []*Trade{trade}))
	owner, err := coll.OwnerOf(item)
	require.NoError(t, err)
	require.Equal(t, caller, owner)

	// Signed by a stranger and settled by another stranger: rejected. The
	// distinct salt keeps the second trade's identity separate from the
	// already-settled one so the failure comes from the mint gate.
	badItem := big.NewInt(32)
	bad := &Trade{
		Checks: Checks{Uses: 1, Salt: [32]byte{0x01}},
		Sent: []Asset{{
			Kind:     AssetCollectionItem,
			Contract: collAddr,
			Value:    badItem,
		}},
		Received: []Asset{{Kind: AssetFungible, Contract: env.tokenA, Value: big.NewInt(10)}},
	}
	require.NoError(t, SignTrade(bad, strangerKey))
	err = env.engine.Accept(caller, []*Trade{bad})
	require.ErrorIs(t, err, ErrNotCreator)
}

func TestUnknownAssetKindFails(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x55)
	env.fund(signer, 1000)

	trade := &Trade{
		Checks:   Checks{Uses: 1},
		Sent:     []Asset{{Kind: AssetKind(99), Contract: env.tokenA, Value: big.NewInt(1)}},
		Received: []Asset{{Kind: AssetFungible, Contract: env.tokenA, Value: big.NewInt(1)}},
	}
	require.NoError(t, SignTrade(trade, key))
	err := env.engine.Accept(caller, []*Trade{trade})
	require.ErrorIs(t, err, ErrUnsupportedAssetKind)
}

func TestUnknownTokenContractFails(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x56)
	env.fund(signer, 1000)

	trade := &Trade{
		Checks:   Checks{Uses: 1},
		Sent:     []Asset{{Kind: AssetFungible, Contract: newTestAddress(0xC9), Value: big.NewInt(1)}},
		Received: []Asset{{Kind: AssetFungible, Contract: env.tokenA, Value: big.NewInt(1)}},
	}
	require.NoError(t, SignTrade(trade, key))
	err := env.engine.Accept(caller, []*Trade{trade})
	require.ErrorIs(t, err, ErrUnknownToken)
}
