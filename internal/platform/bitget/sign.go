package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
)

// signer builds the authentication headers for Bitget v2 REST requests.
// The signature is HMAC-SHA256(secret, timestamp+method+requestPath+body)
// encoded as base64, where requestPath includes the query string.
type signer struct {
	key        string
	secret     string
	passphrase string
}

// headers returns the signed header set for one request. tsMillis is the
// server-adjusted timestamp in milliseconds.
func (s *signer) headers(method, requestPath, body string, tsMillis int64) map[string]string {
	ts := strconv.FormatInt(tsMillis, 10)

	message := ts + method + requestPath + body
	sig := hmacSHA256Base64([]byte(s.secret), message)

	return map[string]string{
		"ACCESS-KEY":        s.key,
		"ACCESS-SIGN":       sig,
		"ACCESS-TIMESTAMP":  ts,
		"ACCESS-PASSPHRASE": s.passphrase,
		"Content-Type":      "application/json",
		"locale":            "en-US",
	}
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
