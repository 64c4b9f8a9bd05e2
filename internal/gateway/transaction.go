package gateway

import (
	"crypto/rand"
	"math/big"
)

const (
	transactionAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	transactionLength   = 12
)

// NewTransaction returns a random alphanumeric correlation token.
func NewTransaction() string {
	buf := make([]byte, transactionLength)
	max := big.NewInt(int64(len(transactionAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("gateway: crypto/rand unavailable: " + err.Error())
		}
		buf[i] = transactionAlphabet[n.Int64()]
	}
	return string(buf)
}
