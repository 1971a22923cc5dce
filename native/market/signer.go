package market

import (
	"crypto/ecdsa"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ecdsaSignatureLen is the length of a recoverable secp256k1 signature
// (r ‖ s ‖ v). Anything longer is treated as a contract-signature blob and
// dispatched to a registered validator.
const ecdsaSignatureLen = 65

// ContractSigner validates digests on behalf of a programmatic signer that
// has no recoverable key, mirroring the smart-wallet signature convention.
// Implementations return nil only when the signature authorizes the hash.
type ContractSigner interface {
	ValidateSignature(hash [32]byte, signature []byte) error
}

// SignerResolver maps a signer address to its registered contract-signature
// validator. Addresses without a validator fail closed.
type SignerResolver interface {
	ContractSigner(addr [20]byte) (ContractSigner, bool)
}

// SignTrade signs the canonical trade digest with the supplied key and
// stores the recoverable signature on the trade. Intended for clients and
// tests; settlement only ever verifies.
func SignTrade(t *Trade, key *ecdsa.PrivateKey) error {
	if t == nil {
		return errNilTrade
	}
	// The signer address is covered by the digest, so it must be stamped
	// before hashing.
	t.Signer = ethcrypto.PubkeyToAddress(key.PublicKey)
	hash := TradeHash(t)
	sig, err := ethcrypto.Sign(hash[:], key)
	if err != nil {
		return err
	}
	t.Signature = sig
	return nil
}

// SignCoupon signs the canonical coupon digest with the supplied key.
func SignCoupon(c *Coupon, key *ecdsa.PrivateKey) error {
	if c == nil {
		return errNilCoupon
	}
	hash := CouponHash(c)
	sig, err := ethcrypto.Sign(hash[:], key)
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// authenticate verifies that signature authorizes hash on behalf of signer.
// 65-byte signatures go through public-key recovery; longer blobs are routed
// to the signer's registered contract validator.
func authenticate(resolver SignerResolver, signer [20]byte, hash [32]byte, signature []byte) error {
	if len(signature) == ecdsaSignatureLen {
		recovered, err := recoverSigner(hash, signature)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		if recovered != signer {
			return ErrInvalidSignature
		}
		return nil
	}
	if resolver == nil {
		return ErrUnknownSigner
	}
	validator, ok := resolver.ContractSigner(signer)
	if !ok {
		return ErrUnknownSigner
	}
	if err := validator.ValidateSignature(hash, signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func recoverSigner(hash [32]byte, sig []byte) ([20]byte, error) {
	normalized := append([]byte(nil), sig...)
	// Accept both the raw 0/1 recovery id and the legacy 27/28 form.
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(hash[:], normalized)
	if err != nil {
		return [20]byte{}, err
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
