package market

import (
	"bytes"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// VerifyMerkleProof folds a sorted-pair keccak proof over leaf and reports
// whether it reproduces root. Sorting each pair lets a proof omit left/right
// position bits.
func VerifyMerkleProof(root [32]byte, leaf [32]byte, proof [][32]byte) bool {
	node := leaf
	for _, sibling := range proof {
		node = hashPair(node, sibling)
	}
	return node == root
}

// AddressLeaf is the canonical leaf for allowlist commitments over parties.
func AddressLeaf(addr [20]byte) [32]byte {
	return ethcrypto.Keccak256Hash(addr[:])
}

func hashPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return ethcrypto.Keccak256Hash(a[:], b[:])
}
