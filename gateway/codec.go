package gateway

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"offmarket/crypto"
	native "offmarket/native/market"
)

// Wire payloads for the settlement API. Addresses travel as bech32 strings,
// byte blobs as 0x-prefixed hex, token amounts as decimal strings.

type TradePayload struct {
	Signer    string         `json:"signer"`
	Signature string         `json:"signature"`
	Checks    ChecksPayload  `json:"checks"`
	Sent      []AssetPayload `json:"sent"`
	Received  []AssetPayload `json:"received"`
}

type ChecksPayload struct {
	Uses           uint64                 `json:"uses,omitempty"`
	Expiration     int64                  `json:"expiration,omitempty"`
	Effective      int64                  `json:"effective,omitempty"`
	Salt           string                 `json:"salt,omitempty"`
	ContractEpoch  uint64                 `json:"contractEpoch,omitempty"`
	SignerEpoch    uint64                 `json:"signerEpoch,omitempty"`
	AllowedRoot    string                 `json:"allowedRoot,omitempty"`
	AllowedProof   []string               `json:"allowedProof,omitempty"`
	ExternalChecks []ExternalCheckPayload `json:"externalChecks,omitempty"`
}

type ExternalCheckPayload struct {
	Target   string `json:"target"`
	Selector string `json:"selector"`
	Value    string `json:"value,omitempty"`
	Required bool   `json:"required,omitempty"`
}

type AssetPayload struct {
	Kind            string `json:"kind"`
	Contract        string `json:"contract"`
	Value           string `json:"value,omitempty"`
	Beneficiary     string `json:"beneficiary,omitempty"`
	Extra           string `json:"extra,omitempty"`
	UnverifiedExtra string `json:"unverifiedExtra,omitempty"`
}

type CouponPayload struct {
	Implementation string        `json:"implementation"`
	Data           string        `json:"data,omitempty"`
	CallerData     string        `json:"callerData,omitempty"`
	Checks         ChecksPayload `json:"checks"`
	Signature      string        `json:"signature"`
}

var assetKinds = map[string]native.AssetKind{
	"fungible":                native.AssetFungible,
	"fungible_fee":            native.AssetFungibleWithFee,
	"nonfungible":             native.AssetNonFungible,
	"nonfungible_fingerprint": native.AssetNonFungibleWithFingerprint,
	"collection_item":         native.AssetCollectionItem,
}

// DecodeTrade converts a wire trade into the engine's form.
func DecodeTrade(p TradePayload) (*native.Trade, error) {
	signer, err := decodeAddress(p.Signer)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	signature, err := decodeHex(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	checks, err := decodeChecks(p.Checks)
	if err != nil {
		return nil, err
	}
	sent, err := decodeAssets(p.Sent)
	if err != nil {
		return nil, fmt.Errorf("sent: %w", err)
	}
	received, err := decodeAssets(p.Received)
	if err != nil {
		return nil, fmt.Errorf("received: %w", err)
	}
	return &native.Trade{
		Signer:    signer,
		Signature: signature,
		Checks:    checks,
		Sent:      sent,
		Received:  received,
	}, nil
}

// DecodeCoupon converts a wire coupon into the engine's form.
func DecodeCoupon(p CouponPayload) (*native.Coupon, error) {
	impl, err := decodeAddress(p.Implementation)
	if err != nil {
		return nil, fmt.Errorf("implementation: %w", err)
	}
	data, err := decodeHex(p.Data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	callerData, err := decodeHex(p.CallerData)
	if err != nil {
		return nil, fmt.Errorf("callerData: %w", err)
	}
	checks, err := decodeChecks(p.Checks)
	if err != nil {
		return nil, err
	}
	signature, err := decodeHex(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	return &native.Coupon{
		Implementation: impl,
		Data:           data,
		CallerData:     callerData,
		Checks:         checks,
		Signature:      signature,
	}, nil
}

func decodeChecks(p ChecksPayload) (native.Checks, error) {
	salt, err := decodeHash(p.Salt)
	if err != nil {
		return native.Checks{}, fmt.Errorf("salt: %w", err)
	}
	root, err := decodeHash(p.AllowedRoot)
	if err != nil {
		return native.Checks{}, fmt.Errorf("allowedRoot: %w", err)
	}
	proof := make([][32]byte, 0, len(p.AllowedProof))
	for i, node := range p.AllowedProof {
		h, err := decodeHash(node)
		if err != nil {
			return native.Checks{}, fmt.Errorf("allowedProof[%d]: %w", i, err)
		}
		proof = append(proof, h)
	}
	checks := native.Checks{
		Uses:          p.Uses,
		Expiration:    p.Expiration,
		Effective:     p.Effective,
		Salt:          salt,
		ContractEpoch: p.ContractEpoch,
		SignerEpoch:   p.SignerEpoch,
		AllowedRoot:   root,
	}
	if len(proof) > 0 {
		checks.AllowedProof = proof
	}
	for i, pc := range p.ExternalChecks {
		check, err := decodeExternalCheck(pc)
		if err != nil {
			return native.Checks{}, fmt.Errorf("externalChecks[%d]: %w", i, err)
		}
		checks.ExternalChecks = append(checks.ExternalChecks, check)
	}
	return checks, nil
}

func decodeExternalCheck(p ExternalCheckPayload) (native.ExternalCheck, error) {
	target, err := decodeAddress(p.Target)
	if err != nil {
		return native.ExternalCheck{}, fmt.Errorf("target: %w", err)
	}
	raw, err := decodeHex(p.Selector)
	if err != nil {
		return native.ExternalCheck{}, fmt.Errorf("selector: %w", err)
	}
	if len(raw) != 4 {
		return native.ExternalCheck{}, fmt.Errorf("selector must be 4 bytes, got %d", len(raw))
	}
	var selector [4]byte
	copy(selector[:], raw)
	value, err := decodeBig(p.Value)
	if err != nil {
		return native.ExternalCheck{}, fmt.Errorf("value: %w", err)
	}
	return native.ExternalCheck{
		Target:   target,
		Selector: selector,
		Value:    value,
		Required: p.Required,
	}, nil
}

func decodeAssets(payloads []AssetPayload) ([]native.Asset, error) {
	assets := make([]native.Asset, 0, len(payloads))
	for i, p := range payloads {
		asset, err := decodeAsset(p)
		if err != nil {
			return nil, fmt.Errorf("asset %d: %w", i, err)
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func decodeAsset(p AssetPayload) (native.Asset, error) {
	kind, ok := assetKinds[strings.ToLower(strings.TrimSpace(p.Kind))]
	if !ok {
		return native.Asset{}, fmt.Errorf("unknown asset kind %q", p.Kind)
	}
	contract, err := decodeAddress(p.Contract)
	if err != nil {
		return native.Asset{}, fmt.Errorf("contract: %w", err)
	}
	value, err := decodeBig(p.Value)
	if err != nil {
		return native.Asset{}, fmt.Errorf("value: %w", err)
	}
	var beneficiary [20]byte
	if strings.TrimSpace(p.Beneficiary) != "" {
		beneficiary, err = decodeAddress(p.Beneficiary)
		if err != nil {
			return native.Asset{}, fmt.Errorf("beneficiary: %w", err)
		}
	}
	extra, err := decodeHex(p.Extra)
	if err != nil {
		return native.Asset{}, fmt.Errorf("extra: %w", err)
	}
	unverified, err := decodeHex(p.UnverifiedExtra)
	if err != nil {
		return native.Asset{}, fmt.Errorf("unverifiedExtra: %w", err)
	}
	return native.Asset{
		Kind:            kind,
		Contract:        contract,
		Value:           value,
		Beneficiary:     beneficiary,
		Extra:           extra,
		UnverifiedExtra: unverified,
	}, nil
}

func decodeAddress(s string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(s))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Array(), nil
}

// EncodeAddress renders a raw address in bech32 for responses.
func EncodeAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.OMXPrefix, addr[:]).String()
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return raw, nil
}

func decodeHash(s string) ([32]byte, error) {
	raw, err := decodeHex(s)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	if raw == nil {
		return out, nil
	}
	if len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func decodeBig(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative value %q", s)
	}
	return value, nil
}
