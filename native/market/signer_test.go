package market

import (
	"bytes"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthenticateRecoveredKey(t *testing.T) {
	key, signer := newTestKey(t)
	trade := sampleTrade()
	require.NoError(t, SignTrade(trade, key))
	require.Equal(t, signer, trade.Signer)

	hash := TradeHash(trade)
	require.NoError(t, authenticate(nil, signer, hash, trade.Signature))

	// A different claimed signer fails even with a valid signature.
	err := authenticate(nil, newTestAddress(0x70), hash, trade.Signature)
	require.ErrorIs(t, err, ErrInvalidSignature)

	// A flipped bit anywhere in the signature fails.
	bad := append([]byte(nil), trade.Signature...)
	bad[10] ^= 0x01
	require.Error(t, authenticate(nil, signer, hash, bad))
}

func TestSignTradeStampsSignerBeforeHashing(t *testing.T) {
	key, signer := newTestKey(t)
	trade := sampleTrade()
	// A stale signer on the input must be replaced before the digest is
	// taken, otherwise the signature never verifies against the hash the
	// settlement path recomputes.
	trade.Signer = newTestAddress(0x7F)
	require.NoError(t, SignTrade(trade, key))
	require.Equal(t, signer, trade.Signer)
	require.NoError(t, authenticate(nil, trade.Signer, TradeHash(trade), trade.Signature))
}

func TestAuthenticateNormalizesLegacyRecoveryID(t *testing.T) {
	key, signer := newTestKey(t)
	trade := sampleTrade()
	require.NoError(t, SignTrade(trade, key))
	hash := TradeHash(trade)

	legacy := append([]byte(nil), trade.Signature...)
	legacy[64] += 27
	require.NoError(t, authenticate(nil, signer, hash, legacy))
}

// stubContractSigner accepts exactly one signature blob.
type stubContractSigner struct {
	accept []byte
}

func (s *stubContractSigner) ValidateSignature(hash [32]byte, signature []byte) error {
	if !bytes.Equal(signature, s.accept) {
		return fmt.Errorf("stub: rejected")
	}
	return nil
}

func TestAuthenticateContractSigner(t *testing.T) {
	registry := NewStaticRegistry()
	wallet := newTestAddress(0x71)
	blob := []byte("opaque contract signature blob, longer than sixty five bytes in total")
	require.Greater(t, len(blob), ecdsaSignatureLen)
	registry.RegisterContractSigner(wallet, &stubContractSigner{accept: blob})

	var hash [32]byte
	require.NoError(t, authenticate(registry, wallet, hash, blob))

	err := authenticate(registry, wallet, hash, append(blob, 0x00))
	require.ErrorIs(t, err, ErrInvalidSignature)

	// Unregistered wallets fail closed.
	err = authenticate(registry, newTestAddress(0x72), hash, blob)
	require.ErrorIs(t, err, ErrUnknownSigner)

	err = authenticate(nil, wallet, hash, blob)
	require.ErrorIs(t, err, ErrUnknownSigner)
}

func TestContractSignedTradeSettles(t *testing.T) {
	env := newTestEnv(t)
	wallet := newTestAddress(0x73)
	caller := newTestAddress(0x74)
	env.fund(wallet, 100)
	env.fund(caller, 50)

	trade := &Trade{
		Signer: wallet,
		Checks: Checks{Uses: 1},
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
	hash := TradeHash(trade)
	blob := append(hash[:], []byte(" approved by wallet policy, padding past raw length")...)
	trade.Signature = blob
	env.registry.RegisterContractSigner(wallet, &stubContractSigner{accept: blob})

	require.NoError(t, env.engine.Accept(caller, []*Trade{trade}))
	walletBalance, _ := env.token.BalanceOf(wallet)
	require.Equal(t, int64(50), walletBalance.Int64())
}
