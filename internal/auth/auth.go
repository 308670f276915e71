// Package auth implements broker API request signing.
//
// Every authenticated request (REST or stream) is signed with HMAC-SHA256
// over a canonical string:
//
//	METHOD \n PATH_WITH_QUERY \n TIMESTAMP_MS \n NONCE \n BODY_SHA256_HEX
//
// The HMAC key is not the raw secret: it is the base64url encoding of
// SHA-256(secret), used as ASCII bytes. This must match the server
// byte-for-byte, so do not "simplify" the double encoding.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Stream handshake constants. The WebSocket auth message is signed like a
// request with the literal method "WS", the stream path, and an empty body.
const (
	StreamMethod = "WS"
	StreamPath   = "/ws/v1/stream"

	// EmptyBodyHash is SHA-256 of the empty byte string, precomputed since
	// the stream handshake always has an empty body.
	EmptyBodyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// Credentials holds the API key pair used to sign requests.
type Credentials struct {
	APIKey    string // Sent in plaintext (X-API-KEY header, "key" field)
	SecretKey string // Never sent; used only to derive the HMAC key
}

// Sign computes the request signature as lowercase hex.
// Callable concurrently; no state is touched.
func (c Credentials) Sign(method, pathWithQuery string, timestampMs int64, nonce, bodySHA256 string) string {
	canonical := strings.Join([]string{
		strings.ToUpper(method),
		pathWithQuery,
		strconv.FormatInt(timestampMs, 10),
		nonce,
		bodySHA256,
	}, "\n")

	hash := sha256.Sum256([]byte(c.SecretKey))
	derivedKey := base64.URLEncoding.EncodeToString(hash[:])

	mac := hmac.New(sha256.New, []byte(derivedKey))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignStream signs the stream authentication handshake for the given
// timestamp and nonce.
func (c Credentials) SignStream(timestampMs int64, nonce string) string {
	return c.Sign(StreamMethod, StreamPath, timestampMs, nonce, EmptyBodyHash)
}

// Headers builds the authentication header set for a REST request.
// body may be nil for requests without one.
func (c Credentials) Headers(method, pathWithQuery string, body []byte) map[string]string {
	timestampMs := time.Now().UnixMilli()
	nonce := Nonce()
	sig := c.Sign(method, pathWithQuery, timestampMs, nonce, HashBody(body))

	return map[string]string{
		"X-API-KEY":       c.APIKey,
		"X-API-TIMESTAMP": strconv.FormatInt(timestampMs, 10),
		"X-API-NONCE":     nonce,
		"X-API-SIGN":      sig,
	}
}

// HashBody returns the lowercase-hex SHA-256 of the request body.
// A nil or empty body hashes to EmptyBodyHash.
func HashBody(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}

// Nonce generates a nonce unique within the server's replay window:
// current nanoseconds joined with a random integer in [0, 999999].
func Nonce() string {
	return fmt.Sprintf("%d_%d", time.Now().UnixNano(), rand.Intn(1_000_000))
}
