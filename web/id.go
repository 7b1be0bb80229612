package web

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

func genID() string {
	return uuid.NewString()
}

// W3C trace and span IDs are raw lowercase hex and must not be all
// zeros, so they are generated directly rather than as UUIDs.
func genTraceID() string {
	return genHexID(16)
}

func genSpanID() string {
	return genHexID(8)
}

func genHexID(n int) string {
	b := make([]byte, n)
	for {
		if _, err := rand.Read(b); err != nil {
			continue
		}
		zero := true
		for _, v := range b {
			if v != 0 {
				zero = false
				break
			}
		}
		if !zero {
			return hex.EncodeToString(b)
		}
	}
}
