package market

import (
	"bytes"
	"fmt"
)

// State is the key-value persistence the engine is wired to. Keys are built
// from explicit tuples by this package so every invalidation axis stays
// auditable in one place. Implementations serialize values with their own
// codec (the ledger only stores counters and flags).
type State interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// SnapshotState additionally hands out buffered views whose writes only
// reach the backing store on Commit. The engine runs every batch against
// one snapshot so a failure anywhere leaves the store untouched.
type SnapshotState interface {
	State
	Begin() TxState
}

// TxState is a snapshot in progress.
type TxState interface {
	State
	Commit() error
}

// Ledger namespaces: trades and coupons are consumed independently even
// when the same party signs both.
const (
	nsTrade  = "trade"
	nsCoupon = "coupon"
)

func useKey(ns string, party [20]byte, sigHash [32]byte) []byte {
	return ledgerKey(ns, "uses", party[:], sigHash[:])
}

func cancelKey(ns string, party [20]byte, sigHash [32]byte) []byte {
	return ledgerKey(ns, "cancelled", party[:], sigHash[:])
}

func identityKey(id [32]byte) []byte {
	return ledgerKey(nsTrade, "identity", id[:])
}

func contractEpochKey() []byte {
	return ledgerKey("epoch", "contract")
}

func signerEpochKey(signer [20]byte) []byte {
	return ledgerKey("epoch", "signer", signer[:])
}

func pauseKey() []byte {
	return ledgerKey("admin", "paused")
}

func discountAllowKey(impl [20]byte) []byte {
	return ledgerKey("discount", "allowed", impl[:])
}

func ledgerKey(parts ...interface{}) []byte {
	var buf bytes.Buffer
	buf.WriteString("market")
	for _, p := range parts {
		buf.WriteByte('/')
		switch v := p.(type) {
		case string:
			buf.WriteString(v)
		case []byte:
			buf.Write(v)
		default:
			panic(fmt.Sprintf("market: unsupported key part %T", p))
		}
	}
	return buf.Bytes()
}

// ledger wraps a state view with one namespace and exposes the replay
// bookkeeping the orchestrator needs. Only the engine constructs ledgers.
type ledger struct {
	st State
	ns string
}

func tradeLedger(st State) ledger  { return ledger{st: st, ns: nsTrade} }
func couponLedger(st State) ledger { return ledger{st: st, ns: nsCoupon} }

func (l ledger) useCount(party [20]byte, sigHash [32]byte) (uint64, error) {
	var count uint64
	if _, err := l.st.KVGet(useKey(l.ns, party, sigHash), &count); err != nil {
		return 0, err
	}
	return count, nil
}

// recordUse increments the per-(party, signature) counter and returns the
// new total. Exposed only to the orchestrator via the engine.
func (l ledger) recordUse(party [20]byte, sigHash [32]byte) (uint64, error) {
	count, err := l.useCount(party, sigHash)
	if err != nil {
		return 0, err
	}
	count++
	if err := l.st.KVPut(useKey(l.ns, party, sigHash), count); err != nil {
		return 0, err
	}
	return count, nil
}

func (l ledger) cancelled(party [20]byte, sigHash [32]byte) (bool, error) {
	var flag bool
	if _, err := l.st.KVGet(cancelKey(l.ns, party, sigHash), &flag); err != nil {
		return false, err
	}
	return flag, nil
}

func (l ledger) setCancelled(party [20]byte, sigHash [32]byte) error {
	return l.st.KVPut(cancelKey(l.ns, party, sigHash), true)
}

func (l ledger) identityExhausted(id [32]byte) (bool, error) {
	var flag bool
	if _, err := l.st.KVGet(identityKey(id), &flag); err != nil {
		return false, err
	}
	return flag, nil
}

func (l ledger) exhaustIdentity(id [32]byte) error {
	return l.st.KVPut(identityKey(id), true)
}

func contractEpoch(st State) (uint64, error) {
	var epoch uint64
	if _, err := st.KVGet(contractEpochKey(), &epoch); err != nil {
		return 0, err
	}
	return epoch, nil
}

func bumpContractEpoch(st State) (uint64, error) {
	epoch, err := contractEpoch(st)
	if err != nil {
		return 0, err
	}
	epoch++
	if err := st.KVPut(contractEpochKey(), epoch); err != nil {
		return 0, err
	}
	return epoch, nil
}

func signerEpoch(st State, signer [20]byte) (uint64, error) {
	var epoch uint64
	if _, err := st.KVGet(signerEpochKey(signer), &epoch); err != nil {
		return 0, err
	}
	return epoch, nil
}

func bumpSignerEpoch(st State, signer [20]byte) (uint64, error) {
	epoch, err := signerEpoch(st, signer)
	if err != nil {
		return 0, err
	}
	epoch++
	if err := st.KVPut(signerEpochKey(signer), epoch); err != nil {
		return 0, err
	}
	return epoch, nil
}

func discountAllowed(st State, impl [20]byte) (bool, error) {
	var flag bool
	if _, err := st.KVGet(discountAllowKey(impl), &flag); err != nil {
		return false, err
	}
	return flag, nil
}

func setDiscountAllowed(st State, impl [20]byte, allowed bool) error {
	return st.KVPut(discountAllowKey(impl), allowed)
}

func paused(st State) (bool, error) {
	var flag bool
	if _, err := st.KVGet(pauseKey(), &flag); err != nil {
		return false, err
	}
	return flag, nil
}

func setPaused(st State, flag bool) error {
	return st.KVPut(pauseKey(), flag)
}
