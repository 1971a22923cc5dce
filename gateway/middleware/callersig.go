package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"offmarket/crypto"
)

const (
	// HeaderCaller is the bech32 address the request acts as.
	HeaderCaller = "X-Caller"
	// HeaderTimestamp is the unix timestamp (seconds) covered by the signature.
	HeaderTimestamp = "X-Timestamp"
	// HeaderSignature carries the hex recoverable secp256k1 signature over
	// method, path, timestamp and body.
	HeaderSignature = "X-Signature"

	// MaxSignedBody bounds how much request body is hashed for
	// authentication.
	MaxSignedBody int64 = 1 << 20

	allowedTimestampSkew = 2 * time.Minute
)

type callerKeyType struct{}

var callerKey callerKeyType

// CallerAuth authenticates the acting party of a request. The caller signs
// keccak256(method ‖ path ‖ timestamp ‖ body) with its party key; the
// middleware recovers the signer and requires it to match the X-Caller
// header. Replay of a captured request is bounded by the timestamp skew and,
// for settlement, by the engine's own replay ledger.
func CallerAuth(nowFn func() time.Time) func(http.Handler) http.Handler {
	if nowFn == nil {
		nowFn = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := authenticateRequest(r, nowFn())
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFromContext returns the authenticated caller address.
func CallerFromContext(ctx context.Context) ([20]byte, bool) {
	caller, ok := ctx.Value(callerKey).([20]byte)
	return caller, ok
}

// SignRequest computes the header signature for a request body. Clients and
// tests use it; the daemon only ever verifies.
func SignRequest(key *crypto.PrivateKey, method, path string, timestamp int64, body []byte) (string, error) {
	if key == nil {
		return "", errors.New("middleware: nil key")
	}
	digest := requestDigest(method, path, timestamp, body)
	sig, err := ethcrypto.Sign(digest, key.PrivateKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

func authenticateRequest(r *http.Request, now time.Time) ([20]byte, error) {
	callerStr := strings.TrimSpace(r.Header.Get(HeaderCaller))
	if callerStr == "" {
		return [20]byte{}, errors.New("missing " + HeaderCaller)
	}
	addr, err := crypto.DecodeAddress(callerStr)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid %s: %v", HeaderCaller, err)
	}

	tsStr := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return [20]byte{}, errors.New("invalid " + HeaderTimestamp)
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(allowedTimestampSkew/time.Second) {
		return [20]byte{}, errors.New("timestamp outside allowed skew")
	}

	sigHex := strings.TrimSpace(strings.TrimPrefix(r.Header.Get(HeaderSignature), "0x"))
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return [20]byte{}, errors.New("invalid " + HeaderSignature)
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxSignedBody+1))
	if err != nil {
		return [20]byte{}, errors.New("read body")
	}
	if int64(len(body)) > MaxSignedBody {
		return [20]byte{}, errors.New("body too large to authenticate")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	digest := requestDigest(r.Method, r.URL.Path, ts, body)
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return [20]byte{}, errors.New("signature recovery failed")
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	var caller [20]byte
	copy(caller[:], addr.Bytes())
	if recovered != caller {
		return [20]byte{}, errors.New("signature does not match caller")
	}
	return caller, nil
}

func requestDigest(method, path string, timestamp int64, body []byte) []byte {
	payload := fmt.Sprintf("%s\n%s\n%d\n", strings.ToUpper(method), path, timestamp)
	return ethcrypto.Keccak256([]byte(payload), body)
}
