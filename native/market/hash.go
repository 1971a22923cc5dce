package market

import (
	"bytes"
	"encoding/binary"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Domain tags keep trade and coupon digests disjoint from each other and
// from any other keccak usage in the system. Changing a tag invalidates
// every signature produced under it.
var (
	tradeDomain  = ethcrypto.Keccak256([]byte("offmarket/v1/trade"))
	couponDomain = ethcrypto.Keccak256([]byte("offmarket/v1/coupon"))
	assetTag     = ethcrypto.Keccak256([]byte("offmarket/v1/asset"))
	checksTag    = ethcrypto.Keccak256([]byte("offmarket/v1/checks"))
	checkTag     = ethcrypto.Keccak256([]byte("offmarket/v1/external-check"))
)

// TradeHash computes the canonical digest a signer commits to. Every field
// with economic effect is covered; UnverifiedExtra, AllowedProof and the
// signature itself are not.
func TradeHash(t *Trade) [32]byte {
	var buf bytes.Buffer
	buf.Write(tradeDomain)
	buf.Write(t.Signer[:])
	buf.Write(hashChecks(t.Checks))
	buf.Write(hashAssets(t.Sent))
	buf.Write(hashAssets(t.Received))
	return ethcrypto.Keccak256Hash(buf.Bytes())
}

// CouponHash computes the canonical digest of a coupon. CallerData is
// excluded: it is supplied by the settling party, not the coupon signer.
func CouponHash(c *Coupon) [32]byte {
	var buf bytes.Buffer
	buf.Write(couponDomain)
	buf.Write(c.Implementation[:])
	writeBytes(&buf, c.Data)
	buf.Write(hashChecks(c.Checks))
	return ethcrypto.Keccak256Hash(buf.Bytes())
}

// SignatureHash derives the replay key for a signature: consumption and
// cancellation are tracked against this digest, paired with the acting
// party, never against the signature bytes alone.
func SignatureHash(signature []byte) [32]byte {
	return ethcrypto.Keccak256Hash(signature)
}

// TradeIdentity derives the linking key shared by competing trades: salt,
// settling caller and the received-asset contents. Accepting the final
// permitted use of one trade bars every other trade sharing this identity.
func TradeIdentity(t *Trade, caller [20]byte) [32]byte {
	var buf bytes.Buffer
	buf.Write(t.Checks.Salt[:])
	buf.Write(caller[:])
	buf.Write(hashAssets(t.Received))
	return ethcrypto.Keccak256Hash(buf.Bytes())
}

func hashAssets(assets []Asset) []byte {
	var buf bytes.Buffer
	writeUint64(&buf, uint64(len(assets)))
	for i := range assets {
		buf.Write(hashAsset(assets[i]))
	}
	return ethcrypto.Keccak256(buf.Bytes())
}

func hashAsset(a Asset) []byte {
	var buf bytes.Buffer
	buf.Write(assetTag)
	buf.WriteByte(byte(a.Kind))
	buf.Write(a.Contract[:])
	writeBig(&buf, a.Value)
	buf.Write(a.Beneficiary[:])
	writeBytes(&buf, a.Extra)
	return ethcrypto.Keccak256(buf.Bytes())
}

func hashChecks(c Checks) []byte {
	var buf bytes.Buffer
	buf.Write(checksTag)
	writeUint64(&buf, c.Uses)
	writeUint64(&buf, uint64(c.Expiration))
	writeUint64(&buf, uint64(c.Effective))
	buf.Write(c.Salt[:])
	writeUint64(&buf, c.ContractEpoch)
	writeUint64(&buf, c.SignerEpoch)
	buf.Write(c.AllowedRoot[:])
	writeUint64(&buf, uint64(len(c.ExternalChecks)))
	for i := range c.ExternalChecks {
		buf.Write(hashExternalCheck(c.ExternalChecks[i]))
	}
	return ethcrypto.Keccak256(buf.Bytes())
}

func hashExternalCheck(c ExternalCheck) []byte {
	var buf bytes.Buffer
	buf.Write(checkTag)
	buf.Write(c.Target[:])
	buf.Write(c.Selector[:])
	writeBig(&buf, c.Value)
	if c.Required {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return ethcrypto.Keccak256(buf.Bytes())
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint64(buf, uint64(len(b)))
	buf.Write(b)
}

func writeBig(buf *bytes.Buffer, v *big.Int) {
	if v == nil {
		writeBytes(buf, nil)
		return
	}
	writeBytes(buf, v.Bytes())
}
