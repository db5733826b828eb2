package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
)

func TestSignerHeaders(t *testing.T) {
	s := signer{key: "test-key", secret: "test-secret", passphrase: "test-pass"}

	h := s.headers("GET", "/api/v2/mix/market/ticker?productType=USDT-FUTURES&symbol=BTCUSDT", "", 1700000000000)

	require.Equal(t, "test-key", h["ACCESS-KEY"])
	require.Equal(t, "1700000000000", h["ACCESS-TIMESTAMP"])
	require.Equal(t, "test-pass", h["ACCESS-PASSPHRASE"])
	require.Equal(t, "application/json", h["Content-Type"])

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte("1700000000000GET/api/v2/mix/market/ticker?productType=USDT-FUTURES&symbol=BTCUSDT"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	require.Equal(t, want, h["ACCESS-SIGN"])
}

func TestSignerBodyChangesSignature(t *testing.T) {
	s := signer{key: "k", secret: "sec", passphrase: "p"}

	a := s.headers("POST", "/api/v2/mix/order/place-order", `{"symbol":"BTCUSDT"}`, 1700000000000)
	b := s.headers("POST", "/api/v2/mix/order/place-order", `{"symbol":"ETHUSDT"}`, 1700000000000)

	require.NotEqual(t, a["ACCESS-SIGN"], b["ACCESS-SIGN"])
}

func TestTradeSideParams(t *testing.T) {
	tests := []struct {
		in        string
		side      string
		tradeSide string
	}{
		{"open_long", "buy", "open"},
		{"open_short", "sell", "open"},
		{"close_long", "buy", "close"},
		{"close_short", "sell", "close"},
	}
	for _, tt := range tests {
		side, tradeSide := tradeSideParams(domain.TradeSide(tt.in))
		require.Equal(t, tt.side, side, tt.in)
		require.Equal(t, tt.tradeSide, tradeSide, tt.in)
	}
}
