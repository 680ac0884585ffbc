package util

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomHex returns n random bytes encoded as a hex string. Used for
// generating game and rcon passwords.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
