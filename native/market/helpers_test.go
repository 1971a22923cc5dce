package market

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"offmarket/core/events"
)

// memState is an in-memory SnapshotState mirroring the store the daemon
// runs against.
type memState struct {
	data map[string][]byte
}

func newMemState() *memState {
	return &memState{data: make(map[string][]byte)}
}

func (m *memState) KVGet(key []byte, out interface{}) (bool, error) {
	raw, ok := m.data[string(key)]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *memState) KVPut(key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[string(key)] = raw
	return nil
}

func (m *memState) Begin() TxState {
	return &memTx{base: m, writes: make(map[string][]byte)}
}

type memTx struct {
	base   *memState
	writes map[string][]byte
}

func (tx *memTx) KVGet(key []byte, out interface{}) (bool, error) {
	if raw, ok := tx.writes[string(key)]; ok {
		return true, json.Unmarshal(raw, out)
	}
	return tx.base.KVGet(key, out)
}

func (tx *memTx) KVPut(key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	tx.writes[string(key)] = raw
	return nil
}

func (tx *memTx) Commit() error {
	for k, v := range tx.writes {
		tx.base.data[k] = v
	}
	return nil
}

// fakeFungible tracks balances in memory and records every transfer.
type fakeFungible struct {
	balances  map[[20]byte]*big.Int
	transfers []fakeTransfer
	failNext  bool
}

type fakeTransfer struct {
	from, to [20]byte
	value    *big.Int
}

func newFakeFungible() *fakeFungible {
	return &fakeFungible{balances: make(map[[20]byte]*big.Int)}
}

func (f *fakeFungible) credit(owner [20]byte, value int64) {
	balance := f.balances[owner]
	if balance == nil {
		balance = big.NewInt(0)
	}
	f.balances[owner] = new(big.Int).Add(balance, big.NewInt(value))
}

func (f *fakeFungible) BalanceOf(owner [20]byte) (*big.Int, error) {
	balance := f.balances[owner]
	if balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

func (f *fakeFungible) Transfer(from, to [20]byte, value *big.Int) error {
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("fake token: transfer reverted")
	}
	balance, _ := f.BalanceOf(from)
	if balance.Cmp(value) < 0 {
		return fmt.Errorf("fake token: insufficient balance")
	}
	f.balances[from] = new(big.Int).Sub(balance, value)
	toBalance, _ := f.BalanceOf(to)
	f.balances[to] = new(big.Int).Add(toBalance, value)
	f.transfers = append(f.transfers, fakeTransfer{from: from, to: to, value: new(big.Int).Set(value)})
	return nil
}

// fakeCollection tracks item owners and fingerprints in memory.
type fakeCollection struct {
	owners       map[string][20]byte
	fingerprints map[string][32]byte
	creator      [20]byte
}

func newFakeCollection(creator [20]byte) *fakeCollection {
	return &fakeCollection{
		owners:       make(map[string][20]byte),
		fingerprints: make(map[string][32]byte),
		creator:      creator,
	}
}

func (c *fakeCollection) OwnerOf(id *big.Int) ([20]byte, error) {
	owner, ok := c.owners[id.String()]
	if !ok {
		return [20]byte{}, fmt.Errorf("fake collection: item not found")
	}
	return owner, nil
}

func (c *fakeCollection) TransferItem(from, to [20]byte, id *big.Int) error {
	owner, err := c.OwnerOf(id)
	if err != nil {
		return err
	}
	if owner != from {
		return fmt.Errorf("fake collection: not the owner")
	}
	c.owners[id.String()] = to
	return nil
}

func (c *fakeCollection) Fingerprint(id *big.Int) ([32]byte, error) {
	fp, ok := c.fingerprints[id.String()]
	if !ok {
		return [32]byte{}, fmt.Errorf("fake collection: no fingerprint")
	}
	return fp, nil
}

func (c *fakeCollection) Creator() [20]byte { return c.creator }

func (c *fakeCollection) Mint(to [20]byte, id *big.Int) error {
	if _, ok := c.owners[id.String()]; ok {
		return fmt.Errorf("fake collection: already minted")
	}
	c.owners[id.String()] = to
	return nil
}

// fakeCheckTarget answers external checks from canned data.
type fakeCheckTarget struct {
	balances map[[20]byte]*big.Int
	owners   map[string][20]byte
	pass     bool
	err      error
	calls    int
}

func (f *fakeCheckTarget) BalanceOf(owner [20]byte) (*big.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	balance := f.balances[owner]
	if balance == nil {
		balance = big.NewInt(0)
	}
	return balance, nil
}

func (f *fakeCheckTarget) OwnerOf(id *big.Int) ([20]byte, error) {
	f.calls++
	if f.err != nil {
		return [20]byte{}, f.err
	}
	return f.owners[id.String()], nil
}

func (f *fakeCheckTarget) Check(caller [20]byte, value *big.Int) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.pass, nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) seen(eventType string) bool {
	for _, evt := range c.events {
		if evt.EventType() == eventType {
			return true
		}
	}
	return false
}

func newTestAddress(tag byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = tag
	}
	return addr
}

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, [20]byte) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return key, ethcrypto.PubkeyToAddress(key.PublicKey)
}

// testEnv bundles a fully wired engine around in-memory fakes.
type testEnv struct {
	engine   *Engine
	state    *memState
	registry *StaticRegistry
	emitter  *capturingEmitter
	owner    [20]byte
	token    *fakeFungible
	tokenA   [20]byte
	now      int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		state:    newMemState(),
		registry: NewStaticRegistry(),
		emitter:  &capturingEmitter{},
		owner:    newTestAddress(0xEE),
		token:    newFakeFungible(),
		tokenA:   newTestAddress(0xA0),
		now:      1_000_000,
	}
	env.registry.RegisterFungible(env.tokenA, env.token)
	engine := NewEngine()
	engine.SetState(env.state)
	engine.SetTokens(env.registry)
	engine.SetCheckResolver(env.registry)
	engine.SetSignerResolver(env.registry)
	engine.SetDiscountResolver(env.registry)
	engine.SetOwner(env.owner)
	engine.SetEmitter(env.emitter)
	engine.SetNowFunc(func() int64 { return env.now })
	env.engine = engine
	return env
}

// newTrade builds a one-leg-each trade: signer sends 100 of tokenA, caller
// pays 50 of tokenA back.
func (env *testEnv) newTrade(t *testing.T, key *ecdsa.PrivateKey, checks Checks) *Trade {
	t.Helper()
	trade := &Trade{
		Checks: checks,
		Sent: []Asset{{
			Kind:     AssetFungible,
			Contract: env.tokenA,
			Value:    big.NewInt(100),
		}},
		Received: []Asset{{
			Kind:     AssetFungible,
			Contract: env.tokenA,
			Value:    big.NewInt(50),
		}},
	}
	require.NoError(t, SignTrade(trade, key))
	return trade
}

func (env *testEnv) fund(addr [20]byte, value int64) {
	env.token.credit(addr, value)
}
