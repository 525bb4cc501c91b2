package lti

import (
	"crypto/rand"
	"encoding/hex"
)

// randHex returns n random bytes hex-encoded (len=2n). n=16 gives the
// 128 bits of entropy required for state, nonce, exchange codes and kids.
func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
