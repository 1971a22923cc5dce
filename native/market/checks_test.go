package market

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemporalWindow(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x20)
	env.fund(signer, 1000)
	env.fund(caller, 1000)

	notYet := env.newTrade(t, key, Checks{Effective: env.now + 100})
	require.ErrorIs(t, env.engine.Accept(caller, []*Trade{notYet}), ErrTradeNotEffective)

	expired := env.newTrade(t, key, Checks{Expiration: env.now - 1, Salt: [32]byte{1}})
	require.ErrorIs(t, env.engine.Accept(caller, []*Trade{expired}), ErrTradeExpired)

	window := env.newTrade(t, key, Checks{Effective: env.now - 10, Expiration: env.now + 10, Salt: [32]byte{2}})
	require.NoError(t, env.engine.Accept(caller, []*Trade{window}))
}

func TestAllowlistCommitment(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	allowed := newTestAddress(0x21)
	stranger := newTestAddress(0x22)
	other := newTestAddress(0x23)
	env.fund(signer, 1000)
	env.fund(allowed, 1000)
	env.fund(stranger, 1000)

	// Two-leaf tree: the proof for one leaf is the other leaf.
	leafAllowed := AddressLeaf(allowed)
	leafOther := AddressLeaf(other)
	root := hashPair(leafAllowed, leafOther)

	checks := Checks{AllowedRoot: root, AllowedProof: [][32]byte{leafOther}}
	trade := env.newTrade(t, key, checks)
	require.NoError(t, env.engine.Accept(allowed, []*Trade{trade}))
	require.ErrorIs(t, env.engine.Accept(stranger, []*Trade{trade}), ErrCallerNotAllowed)
}

func TestAllowlistProofIsNotSigned(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	allowed := newTestAddress(0x24)
	other := newTestAddress(0x25)
	env.fund(signer, 1000)
	env.fund(allowed, 1000)

	leafAllowed := AddressLeaf(allowed)
	leafOther := AddressLeaf(other)
	root := hashPair(leafAllowed, leafOther)

	// Sign without the proof, then attach it: the signature must still hold.
	trade := env.newTrade(t, key, Checks{AllowedRoot: root})
	trade.Checks.AllowedProof = [][32]byte{leafOther}
	require.NoError(t, env.engine.Accept(allowed, []*Trade{trade}))
}

func TestRequiredExternalCheckIsFatal(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x26)
	env.fund(signer, 1000)
	env.fund(caller, 1000)

	failing := newTestAddress(0x30)
	passing := newTestAddress(0x31)
	env.registry.RegisterCheckTarget(failing, &fakeCheckTarget{pass: false})
	env.registry.RegisterCheckTarget(passing, &fakeCheckTarget{pass: true})

	checks := Checks{ExternalChecks: []ExternalCheck{
		{Target: failing, Selector: selector("isEligible(address,uint256)"), Required: true},
		{Target: passing, Selector: selector("isEligible(address,uint256)")},
	}}
	trade := env.newTrade(t, key, checks)
	require.ErrorIs(t, env.engine.Accept(caller, []*Trade{trade}), ErrExternalCheckFailed)
}

func TestOptionalChecksNeedOneSuccess(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x27)
	env.fund(signer, 1000)
	env.fund(caller, 1000)

	failA := newTestAddress(0x32)
	failB := newTestAddress(0x33)
	pass := newTestAddress(0x34)
	env.registry.RegisterCheckTarget(failA, &fakeCheckTarget{pass: false})
	env.registry.RegisterCheckTarget(failB, &fakeCheckTarget{pass: false})
	env.registry.RegisterCheckTarget(pass, &fakeCheckTarget{pass: true})

	sel := selector("isEligible(address,uint256)")
	allFail := env.newTrade(t, key, Checks{Salt: [32]byte{1}, ExternalChecks: []ExternalCheck{
		{Target: failA, Selector: sel},
		{Target: failB, Selector: sel},
	}})
	require.ErrorIs(t, env.engine.Accept(caller, []*Trade{allFail}), ErrExternalCheckFailed)

	oneOf := env.newTrade(t, key, Checks{Salt: [32]byte{2}, ExternalChecks: []ExternalCheck{
		{Target: failA, Selector: sel},
		{Target: pass, Selector: sel},
	}})
	require.NoError(t, env.engine.Accept(caller, []*Trade{oneOf}))
}

func TestSingleOptionalCheckBehavesAsRequired(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x28)
	env.fund(signer, 1000)
	env.fund(caller, 1000)

	failing := newTestAddress(0x35)
	env.registry.RegisterCheckTarget(failing, &fakeCheckTarget{pass: false})

	trade := env.newTrade(t, key, Checks{ExternalChecks: []ExternalCheck{
		{Target: failing, Selector: selector("isEligible(address,uint256)")},
	}})
	require.ErrorIs(t, env.engine.Accept(caller, []*Trade{trade}), ErrExternalCheckFailed)
}

func TestOptionalEvaluationShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x29)
	env.fund(signer, 1000)
	env.fund(caller, 1000)

	pass := &fakeCheckTarget{pass: true}
	spare := &fakeCheckTarget{pass: true}
	passAddr := newTestAddress(0x36)
	spareAddr := newTestAddress(0x37)
	env.registry.RegisterCheckTarget(passAddr, pass)
	env.registry.RegisterCheckTarget(spareAddr, spare)

	sel := selector("isEligible(address,uint256)")
	trade := env.newTrade(t, key, Checks{ExternalChecks: []ExternalCheck{
		{Target: passAddr, Selector: sel},
		{Target: spareAddr, Selector: sel},
	}})
	require.NoError(t, env.engine.Accept(caller, []*Trade{trade}))
	require.Equal(t, 1, pass.calls)
	require.Zero(t, spare.calls, "second optional check skipped once one passed")
}

func TestBalanceSelectorComparesAtLeast(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x2A)
	env.fund(signer, 1000)
	env.fund(caller, 1000)

	target := newTestAddress(0x38)
	env.registry.RegisterCheckTarget(target, &fakeCheckTarget{
		balances: map[[20]byte]*big.Int{caller: big.NewInt(75)},
	})

	enough := env.newTrade(t, key, Checks{Salt: [32]byte{1}, ExternalChecks: []ExternalCheck{
		{Target: target, Selector: SelectorBalanceOf, Value: big.NewInt(75), Required: true},
	}})
	require.NoError(t, env.engine.Accept(caller, []*Trade{enough}))

	tooMuch := env.newTrade(t, key, Checks{Salt: [32]byte{2}, ExternalChecks: []ExternalCheck{
		{Target: target, Selector: SelectorBalanceOf, Value: big.NewInt(76), Required: true},
	}})
	require.ErrorIs(t, env.engine.Accept(caller, []*Trade{tooMuch}), ErrExternalCheckFailed)
}

func TestOwnershipSelectorComparesCaller(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	owner := newTestAddress(0x2B)
	stranger := newTestAddress(0x2C)
	env.fund(signer, 1000)
	env.fund(owner, 1000)
	env.fund(stranger, 1000)

	target := newTestAddress(0x39)
	env.registry.RegisterCheckTarget(target, &fakeCheckTarget{
		owners: map[string][20]byte{"7": owner},
	})

	trade := env.newTrade(t, key, Checks{ExternalChecks: []ExternalCheck{
		{Target: target, Selector: SelectorOwnerOf, Value: big.NewInt(7), Required: true},
	}})
	require.NoError(t, env.engine.Accept(owner, []*Trade{trade}))
	require.ErrorIs(t, env.engine.Accept(stranger, []*Trade{trade}), ErrExternalCheckFailed)
}

func TestErroringCheckCountsAsFailed(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x2D)
	env.fund(signer, 1000)
	env.fund(caller, 1000)

	erroring := newTestAddress(0x3A)
	pass := newTestAddress(0x3B)
	env.registry.RegisterCheckTarget(erroring, &fakeCheckTarget{err: fmt.Errorf("boom")})
	env.registry.RegisterCheckTarget(pass, &fakeCheckTarget{pass: true})

	sel := selector("isEligible(address,uint256)")
	// Erroring optional check is tolerated while another optional passes.
	tolerated := env.newTrade(t, key, Checks{Salt: [32]byte{1}, ExternalChecks: []ExternalCheck{
		{Target: erroring, Selector: sel},
		{Target: pass, Selector: sel},
	}})
	require.NoError(t, env.engine.Accept(caller, []*Trade{tolerated}))

	// Erroring required check is fatal.
	fatal := env.newTrade(t, key, Checks{Salt: [32]byte{2}, ExternalChecks: []ExternalCheck{
		{Target: erroring, Selector: sel, Required: true},
	}})
	require.ErrorIs(t, env.engine.Accept(caller, []*Trade{fatal}), ErrExternalCheckFailed)
}

func TestUnregisteredCheckTargetFails(t *testing.T) {
	env := newTestEnv(t)
	key, signer := newTestKey(t)
	caller := newTestAddress(0x2E)
	env.fund(signer, 1000)
	env.fund(caller, 1000)

	trade := env.newTrade(t, key, Checks{ExternalChecks: []ExternalCheck{
		{Target: newTestAddress(0x3C), Selector: selector("isEligible(address,uint256)"), Required: true},
	}})
	require.ErrorIs(t, env.engine.Accept(caller, []*Trade{trade}), ErrExternalCheckFailed)
}
