package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"
)

// NewSessionID derives a 32-bit id for one outgoing message from the current
// time in milliseconds, the payload and four random bytes. It is used to
// correlate log lines on both ends; responses are never routed by it.
func NewSessionID(payload []byte) uint32 {
	return sessionID(time.Now(), payload)
}

func sessionID(now time.Time, payload []byte) uint32 {
	var entropy [4]byte
	_, _ = rand.Read(entropy[:])

	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(now.UnixMilli(), 10)))
	h.Write(payload)
	h.Write([]byte(hex.EncodeToString(entropy[:])))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}
