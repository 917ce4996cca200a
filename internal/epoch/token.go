package epoch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DeriveToken computes the epoch's anti-replay token: an HMAC-SHA256 keyed
// digest over the epoch id, its start time, and the sorted selected unit
// ids. Any aggregator holding the secret can verify a submitter's token
// from public assignment data alone. The token
// proves a submitter could not have pre-fetched a unit before the epoch
// opened; it is not a capability credential.
func DeriveToken(secret []byte, epochID string, start time.Time, unitIDs []string) string {
	sorted := make([]string, len(unitIDs))
	copy(sorted, unitIDs)
	sort.Strings(sorted)

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%d|%s", epochID, start.Unix(), strings.Join(sorted, ","))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a reported token against the derived one in constant
// time.
func VerifyToken(secret []byte, epochID string, start time.Time, unitIDs []string, reported string) bool {
	want := DeriveToken(secret, epochID, start, unitIDs)
	return hmac.Equal([]byte(want), []byte(reported))
}
