package consolidation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/veridrive/mileage-trust-worker/internal/db"
)

// ComputeDigest hashes a day's accepted readings into the value submitted to
// the ledger. Readings must already be ordered by received_at ascending with
// ties broken by reading id; the digest is deterministic for a given
// ordered sequence.
func ComputeDigest(readings []db.TelemetryReading) string {
	h := sha256.New()
	for _, r := range readings {
		fmt.Fprintf(h, "%s|%d|%s\n", r.ID, r.ReportedMileage, r.ReceivedAt.UTC().Format(time.RFC3339Nano))
	}
	return hex.EncodeToString(h.Sum(nil))
}
