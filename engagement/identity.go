package engagement

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Identity derives the deduplication identifier for a caller: the
// authenticated user id when present, otherwise a salted one-way hash of the
// network address. The raw address is never stored.
func Identity(userID, remoteAddr, salt string) string {
	if userID != "" {
		return userID
	}
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(remoteAddr))
	return "anon-" + hex.EncodeToString(mac.Sum(nil))[:32]
}
