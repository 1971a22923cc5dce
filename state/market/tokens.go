package market

import (
	"bytes"
	"fmt"
	"math/big"

	native "offmarket/native/market"
)

// Ledger-backed asset contracts: balances, item ownership, fingerprints and
// collection metadata all live in the same key-value store as the replay
// ledger. Because tokens are resolved against the batch's state view, their
// writes buffer in the same snapshot and roll back with it.

type fungibleInfo struct {
	Symbol string `json:"symbol"`
}

type collectionInfo struct {
	Symbol  string   `json:"symbol"`
	Creator [20]byte `json:"creator"`
}

func fungibleKey(addr [20]byte) []byte {
	return tokenKey("fungible", addr[:])
}

func collectionKey(addr [20]byte) []byte {
	return tokenKey("collection", addr[:])
}

func balanceKey(addr, owner [20]byte) []byte {
	return tokenKey("balance", addr[:], owner[:])
}

func itemOwnerKey(addr [20]byte, id *big.Int) []byte {
	return tokenKey("item", addr[:], idBytes(id))
}

func fingerprintKey(addr [20]byte, id *big.Int) []byte {
	return tokenKey("fingerprint", addr[:], idBytes(id))
}

func idBytes(id *big.Int) []byte {
	if id == nil {
		return nil
	}
	return id.Bytes()
}

func tokenKey(kind string, parts ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("tokens/")
	buf.WriteString(kind)
	for _, p := range parts {
		buf.WriteByte('/')
		buf.Write(p)
	}
	return buf.Bytes()
}

// RegisterFungible records a fungible token contract in the store.
func RegisterFungible(st native.State, addr [20]byte, symbol string) error {
	return st.KVPut(fungibleKey(addr), fungibleInfo{Symbol: symbol})
}

// RegisterCollection records a collection contract and its creator.
func RegisterCollection(st native.State, addr [20]byte, symbol string, creator [20]byte) error {
	return st.KVPut(collectionKey(addr), collectionInfo{Symbol: symbol, Creator: creator})
}

// Credit adds value to owner's balance of the token at addr. Used for
// genesis funding and deposits.
func Credit(st native.State, addr, owner [20]byte, value *big.Int) error {
	token := ledgerFungible{st: st, addr: addr}
	balance, err := token.BalanceOf(owner)
	if err != nil {
		return err
	}
	return st.KVPut(balanceKey(addr, owner), new(big.Int).Add(balance, value))
}

// SetItemOwner assigns an item to owner, used for seeding collections.
func SetItemOwner(st native.State, addr [20]byte, id *big.Int, owner [20]byte) error {
	return st.KVPut(itemOwnerKey(addr, id), owner)
}

// SetFingerprint records the live content fingerprint of an item.
func SetFingerprint(st native.State, addr [20]byte, id *big.Int, fp [32]byte) error {
	return st.KVPut(fingerprintKey(addr, id), fp)
}

// LedgerTokens resolves asset contract addresses against the store. It
// implements the engine's TokenRegistry.
type LedgerTokens struct{}

// Fungible implements TokenRegistry.
func (LedgerTokens) Fungible(st native.State, addr [20]byte) (native.FungibleToken, bool) {
	var info fungibleInfo
	found, err := st.KVGet(fungibleKey(addr), &info)
	if err != nil || !found {
		return nil, false
	}
	return ledgerFungible{st: st, addr: addr}, true
}

// Collection implements TokenRegistry.
func (LedgerTokens) Collection(st native.State, addr [20]byte) (native.Collection, bool) {
	var info collectionInfo
	found, err := st.KVGet(collectionKey(addr), &info)
	if err != nil || !found {
		return nil, false
	}
	return ledgerCollection{st: st, addr: addr, creator: info.Creator}, true
}

var _ native.TokenRegistry = LedgerTokens{}

type ledgerFungible struct {
	st   native.State
	addr [20]byte
}

func (t ledgerFungible) BalanceOf(owner [20]byte) (*big.Int, error) {
	balance := new(big.Int)
	if _, err := t.st.KVGet(balanceKey(t.addr, owner), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (t ledgerFungible) Transfer(from, to [20]byte, value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("tokens: transfer value must be non-negative")
	}
	if value.Sign() == 0 {
		return nil
	}
	fromBalance, err := t.BalanceOf(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(value) < 0 {
		return fmt.Errorf("tokens: insufficient balance: have %s, need %s", fromBalance, value)
	}
	toBalance, err := t.BalanceOf(to)
	if err != nil {
		return err
	}
	if err := t.st.KVPut(balanceKey(t.addr, from), new(big.Int).Sub(fromBalance, value)); err != nil {
		return err
	}
	return t.st.KVPut(balanceKey(t.addr, to), new(big.Int).Add(toBalance, value))
}

type ledgerCollection struct {
	st      native.State
	addr    [20]byte
	creator [20]byte
}

func (c ledgerCollection) OwnerOf(id *big.Int) ([20]byte, error) {
	var owner [20]byte
	found, err := c.st.KVGet(itemOwnerKey(c.addr, id), &owner)
	if err != nil {
		return [20]byte{}, err
	}
	if !found {
		return [20]byte{}, fmt.Errorf("tokens: item %s not found", id)
	}
	return owner, nil
}

func (c ledgerCollection) TransferItem(from, to [20]byte, id *big.Int) error {
	owner, err := c.OwnerOf(id)
	if err != nil {
		return err
	}
	if owner != from {
		return fmt.Errorf("tokens: item %s not owned by sender", id)
	}
	return c.st.KVPut(itemOwnerKey(c.addr, id), to)
}

func (c ledgerCollection) Fingerprint(id *big.Int) ([32]byte, error) {
	var fp [32]byte
	found, err := c.st.KVGet(fingerprintKey(c.addr, id), &fp)
	if err != nil {
		return [32]byte{}, err
	}
	if !found {
		return [32]byte{}, fmt.Errorf("tokens: no fingerprint for item %s", id)
	}
	return fp, nil
}

func (c ledgerCollection) Creator() [20]byte { return c.creator }

func (c ledgerCollection) Mint(to [20]byte, id *big.Int) error {
	var owner [20]byte
	found, err := c.st.KVGet(itemOwnerKey(c.addr, id), &owner)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("tokens: item %s already minted", id)
	}
	return c.st.KVPut(itemOwnerKey(c.addr, id), to)
}

// LedgerChecks resolves external-check targets against the committed store,
// letting trades gate on live balances and item ownership of the ledger
// tokens. It implements the engine's CheckResolver.
type LedgerChecks struct {
	St native.State
}

// CheckTarget implements CheckResolver.
func (lc LedgerChecks) CheckTarget(addr [20]byte) (native.ExternalCheckTarget, bool) {
	if lc.St == nil {
		return nil, false
	}
	target := ledgerCheckTarget{st: lc.St, addr: addr}
	var fInfo fungibleInfo
	if found, err := lc.St.KVGet(fungibleKey(addr), &fInfo); err == nil && found {
		target.fungible = true
	}
	var cInfo collectionInfo
	if found, err := lc.St.KVGet(collectionKey(addr), &cInfo); err == nil && found {
		target.collection = true
	}
	if !target.fungible && !target.collection {
		return nil, false
	}
	return target, true
}

var _ native.CheckResolver = LedgerChecks{}

type ledgerCheckTarget struct {
	st         native.State
	addr       [20]byte
	fungible   bool
	collection bool
}

func (t ledgerCheckTarget) BalanceOf(owner [20]byte) (*big.Int, error) {
	if !t.fungible {
		return nil, fmt.Errorf("tokens: %x is not fungible", t.addr)
	}
	return ledgerFungible{st: t.st, addr: t.addr}.BalanceOf(owner)
}

func (t ledgerCheckTarget) OwnerOf(id *big.Int) ([20]byte, error) {
	if !t.collection {
		return [20]byte{}, fmt.Errorf("tokens: %x is not a collection", t.addr)
	}
	return ledgerCollection{st: t.st, addr: t.addr}.OwnerOf(id)
}

// Check is the generic predicate; ledger tokens expose none.
func (t ledgerCheckTarget) Check([20]byte, *big.Int) (bool, error) {
	return false, fmt.Errorf("tokens: no generic predicate on %x", t.addr)
}
