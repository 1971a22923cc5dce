package market

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Selector conventions for external checks. A balance selector compares a
// numeric return >= value for the caller; an ownership selector compares the
// owner of item `value` against the caller; every other selector is a
// generic boolean predicate receiving (caller, value).
var (
	SelectorBalanceOf = selector("balanceOf(address)")
	SelectorOwnerOf   = selector("ownerOf(uint256)")
)

func selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], ethcrypto.Keccak256([]byte(signature))[:4])
	return sel
}

// ExternalCheckTarget is the capability surface an external-check contract
// must expose. Which method is consulted depends on the check's selector.
type ExternalCheckTarget interface {
	BalanceOf(owner [20]byte) (*big.Int, error)
	OwnerOf(id *big.Int) ([20]byte, error)
	Check(caller [20]byte, value *big.Int) (bool, error)
}

// CheckResolver resolves external-check target addresses to live bindings.
type CheckResolver interface {
	CheckTarget(addr [20]byte) (ExternalCheckTarget, bool)
}

// evaluateChecks validates every settlement constraint in order: cancellation,
// quota, temporal window, epoch equality, allowlist membership and finally the
// external predicates. useCount must be freshly read by the caller.
func (e *Engine) evaluateChecks(st State, led ledger, checks Checks, sigHash [32]byte, signer, caller [20]byte, useCount uint64, now int64) error {
	cancelled, err := led.cancelled(caller, sigHash)
	if err != nil {
		return err
	}
	if cancelled {
		return ErrCancelled
	}
	if checks.Uses > 0 && useCount >= checks.Uses {
		return ErrQuotaExhausted
	}
	if checks.Effective > 0 && now < checks.Effective {
		return ErrTradeNotEffective
	}
	if checks.Expiration > 0 && now > checks.Expiration {
		return ErrTradeExpired
	}
	epoch, err := contractEpoch(st)
	if err != nil {
		return err
	}
	if epoch != checks.ContractEpoch {
		return fmt.Errorf("%w: have %d, signed %d", ErrContractEpochMismatch, epoch, checks.ContractEpoch)
	}
	sEpoch, err := signerEpoch(st, signer)
	if err != nil {
		return err
	}
	if sEpoch != checks.SignerEpoch {
		return fmt.Errorf("%w: have %d, signed %d", ErrSignerEpochMismatch, sEpoch, checks.SignerEpoch)
	}
	if checks.AllowedRoot != ([32]byte{}) {
		if !VerifyMerkleProof(checks.AllowedRoot, AddressLeaf(caller), checks.AllowedProof) {
			return ErrCallerNotAllowed
		}
	}
	return e.evaluateExternalChecks(checks.ExternalChecks, caller)
}

// evaluateExternalChecks applies the required/optional contract: every
// required check must pass, and when optional checks exist at least one of
// them must pass. Optional evaluation stops at the first success; required
// checks are always evaluated. A call that errors or a target that is not
// registered counts as a failed check.
func (e *Engine) evaluateExternalChecks(checks []ExternalCheck, caller [20]byte) error {
	hasOptional := false
	optionalPassed := false
	for i := range checks {
		check := checks[i]
		if !check.Required {
			hasOptional = true
			if optionalPassed {
				continue
			}
		}
		ok := e.runExternalCheck(check, caller)
		if check.Required {
			if !ok {
				return fmt.Errorf("%w: required check against %x", ErrExternalCheckFailed, check.Target)
			}
			continue
		}
		if ok {
			optionalPassed = true
		}
	}
	if hasOptional && !optionalPassed {
		return fmt.Errorf("%w: no optional check passed", ErrExternalCheckFailed)
	}
	return nil
}

func (e *Engine) runExternalCheck(check ExternalCheck, caller [20]byte) bool {
	if e.checks == nil {
		return false
	}
	target, ok := e.checks.CheckTarget(check.Target)
	if !ok {
		return false
	}
	switch check.Selector {
	case SelectorBalanceOf:
		balance, err := target.BalanceOf(caller)
		if err != nil || balance == nil {
			return false
		}
		value := check.Value
		if value == nil {
			value = big.NewInt(0)
		}
		return balance.Cmp(value) >= 0
	case SelectorOwnerOf:
		owner, err := target.OwnerOf(check.Value)
		if err != nil {
			return false
		}
		return owner == caller
	default:
		passed, err := target.Check(caller, check.Value)
		if err != nil {
			return false
		}
		return passed
	}
}
