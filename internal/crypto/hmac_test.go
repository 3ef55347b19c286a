package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignSHA256Hex(t *testing.T) {
	auth := &HMACAuth{Key: "key", Secret: "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"}

	// Reference vector from the Binance signed-endpoint documentation.
	msg := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	assert.Equal(t,
		"c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71",
		auth.SignSHA256Hex(msg),
	)
}

func TestSignSHA384HexDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "key", Secret: "secret"}
	first := auth.SignSHA384Hex("/api/v2/auth/r/orders1700000000000")
	second := auth.SignSHA384Hex("/api/v2/auth/r/orders1700000000000")
	assert.Equal(t, first, second)
	assert.Len(t, first, 96) // SHA-384 digest, hex encoded
}
