package market

import (
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	native "offmarket/native/market"
	"offmarket/storage"
)

func addr(tag byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = tag
	}
	return a
}

func TestLedgerFungibleTransfers(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	token := addr(0x01)
	alice := addr(0x02)
	bob := addr(0x03)

	require.NoError(t, RegisterFungible(store, token, "USDX"))
	require.NoError(t, Credit(store, token, alice, big.NewInt(100)))

	resolved, ok := LedgerTokens{}.Fungible(store, token)
	require.True(t, ok)

	require.NoError(t, resolved.Transfer(alice, bob, big.NewInt(40)))
	aliceBalance, err := resolved.BalanceOf(alice)
	require.NoError(t, err)
	bobBalance, err := resolved.BalanceOf(bob)
	require.NoError(t, err)
	require.Equal(t, int64(60), aliceBalance.Int64())
	require.Equal(t, int64(40), bobBalance.Int64())

	err = resolved.Transfer(alice, bob, big.NewInt(61))
	require.Error(t, err)
	require.Contains(t, err.Error(), "insufficient balance")

	require.Error(t, resolved.Transfer(alice, bob, big.NewInt(-1)))
	require.NoError(t, resolved.Transfer(alice, bob, big.NewInt(0)))
}

func TestUnregisteredContractsDoNotResolve(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	_, ok := LedgerTokens{}.Fungible(store, addr(0x04))
	require.False(t, ok)
	_, ok = LedgerTokens{}.Collection(store, addr(0x04))
	require.False(t, ok)
}

func TestLedgerCollectionLifecycle(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	coll := addr(0x05)
	creator := addr(0x06)
	alice := addr(0x07)
	bob := addr(0x08)

	require.NoError(t, RegisterCollection(store, coll, "ART", creator))
	resolved, ok := LedgerTokens{}.Collection(store, coll)
	require.True(t, ok)
	require.Equal(t, creator, resolved.Creator())

	item := big.NewInt(1)
	require.NoError(t, resolved.Mint(alice, item))
	require.Error(t, resolved.Mint(bob, item), "double mint")

	owner, err := resolved.OwnerOf(item)
	require.NoError(t, err)
	require.Equal(t, alice, owner)

	require.Error(t, resolved.TransferItem(bob, alice, item), "only the owner can send")
	require.NoError(t, resolved.TransferItem(alice, bob, item))
	owner, err = resolved.OwnerOf(item)
	require.NoError(t, err)
	require.Equal(t, bob, owner)

	fp := [32]byte{0x11}
	require.NoError(t, SetFingerprint(store, coll, item, fp))
	got, err := resolved.Fingerprint(item)
	require.NoError(t, err)
	require.Equal(t, fp, got)
}

func TestLedgerChecksResolveRegisteredContracts(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	token := addr(0x09)
	coll := addr(0x0A)
	alice := addr(0x0B)

	require.NoError(t, RegisterFungible(store, token, "USDX"))
	require.NoError(t, RegisterCollection(store, coll, "ART", addr(0x0C)))
	require.NoError(t, Credit(store, token, alice, big.NewInt(25)))
	require.NoError(t, SetItemOwner(store, coll, big.NewInt(3), alice))

	checks := LedgerChecks{St: store}

	target, ok := checks.CheckTarget(token)
	require.True(t, ok)
	balance, err := target.BalanceOf(alice)
	require.NoError(t, err)
	require.Equal(t, int64(25), balance.Int64())
	_, err = target.OwnerOf(big.NewInt(3))
	require.Error(t, err, "fungible target has no item ownership")

	target, ok = checks.CheckTarget(coll)
	require.True(t, ok)
	owner, err := target.OwnerOf(big.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, alice, owner)

	_, ok = checks.CheckTarget(addr(0x0D))
	require.False(t, ok)
}

// The ledger tokens join the engine's snapshot: a failing leg late in a
// trade must roll back the balance movements of earlier legs.
func TestEngineRollsBackLedgerTokens(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db)
	tokenA := addr(0x10)
	tokenB := addr(0x11)
	caller := addr(0x12)

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := ethcrypto.PubkeyToAddress(key.PublicKey)

	require.NoError(t, RegisterFungible(store, tokenA, "AAA"))
	require.NoError(t, RegisterFungible(store, tokenB, "BBB"))
	require.NoError(t, Credit(store, tokenA, signer, big.NewInt(100)))
	// Caller holds nothing of tokenB, so the received leg fails.

	engine := native.NewEngine()
	engine.SetState(store)
	engine.SetTokens(LedgerTokens{})
	engine.SetOwner(addr(0xEE))

	trade := &native.Trade{
		Checks: native.Checks{Uses: 1},
		Sent: []native.Asset{{
			Kind:     native.AssetFungible,
			Contract: tokenA,
			Value:    big.NewInt(100),
		}},
		Received: []native.Asset{{
			Kind:     native.AssetFungible,
			Contract: tokenB,
			Value:    big.NewInt(50),
		}},
	}
	require.NoError(t, native.SignTrade(trade, key))
	require.Error(t, engine.Accept(caller, []*native.Trade{trade}))

	// The sent leg ran first but must not have stuck.
	resolved, ok := LedgerTokens{}.Fungible(store, tokenA)
	require.True(t, ok)
	signerBalance, err := resolved.BalanceOf(signer)
	require.NoError(t, err)
	require.Equal(t, int64(100), signerBalance.Int64())

	// After funding the caller the very same trade settles.
	require.NoError(t, Credit(store, tokenB, caller, big.NewInt(50)))
	require.NoError(t, engine.Accept(caller, []*native.Trade{trade}))
	callerBalance, err := resolved.BalanceOf(caller)
	require.NoError(t, err)
	require.Equal(t, int64(100), callerBalance.Int64())
}
