// Package crypto holds the HMAC request signing used by authenticated
// exchange REST and websocket endpoints.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"strconv"
	"time"
)

// HMACAuth holds the API credentials for one exchange account.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret, used raw as the HMAC key
}

// SignSHA256Hex computes HMAC-SHA256 of message and returns it hex-encoded.
// Binance signs the request query string this way.
func (h *HMACAuth) SignSHA256Hex(message string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignSHA384Hex computes HMAC-SHA384 of message and returns it hex-encoded.
// Bitfinex signs "/api/<path><nonce><body>" this way.
func (h *HMACAuth) SignSHA384Hex(message string) string {
	mac := hmac.New(sha512.New384, []byte(h.Secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Nonce returns a strictly increasing request nonce in milliseconds.
func Nonce() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
