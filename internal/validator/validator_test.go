package validator_test

import (
	"testing"

	"github.com/veridrive/mileage-trust-worker/internal/db"
	"github.com/veridrive/mileage-trust-worker/internal/validator"
)

const (
	testRollbackTolerance   = 5
	testSuspiciousThreshold = 1000
)

func TestClassify_Valid(t *testing.T) {
	c := validator.NewClassifier(testRollbackTolerance, testSuspiciousThreshold)

	result := c.Classify(65076, 65081)

	if result.Status != db.StatusValid {
		t.Errorf("Expected valid, got %s (%s)", result.Status, result.Reason)
	}
	if result.Delta != 5 {
		t.Errorf("Expected delta 5, got %d", result.Delta)
	}
	if result.Flagged() {
		t.Error("Valid reading must not be flagged")
	}
	if !result.Accepted() {
		t.Error("Valid reading must be accepted")
	}
}

func TestClassify_Boundaries(t *testing.T) {
	c := validator.NewClassifier(testRollbackTolerance, testSuspiciousThreshold)

	cases := []struct {
		name     string
		prev     int64
		reported int64
		want     string
	}{
		{"zero delta", 65076, 65076, db.StatusValid},
		{"drop within tolerance", 65076, 65071, db.StatusValid},
		{"drop just beyond tolerance", 65076, 65070, db.StatusRollbackDetected},
		{"large drop", 65119, 45119, db.StatusRollbackDetected},
		{"jump at threshold", 65076, 66076, db.StatusValid},
		{"jump just beyond threshold", 65076, 66077, db.StatusSuspicious},
		{"huge jump", 65076, 165076, db.StatusSuspicious},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := c.Classify(tc.prev, tc.reported)
			if result.Status != tc.want {
				t.Errorf("Classify(%d, %d) = %s, want %s", tc.prev, tc.reported, result.Status, tc.want)
			}
		})
	}
}

func TestClassify_RollbackReason(t *testing.T) {
	c := validator.NewClassifier(testRollbackTolerance, testSuspiciousThreshold)

	result := c.Classify(65119, 45119)

	if result.Status != db.StatusRollbackDetected {
		t.Fatalf("Expected rollback_detected, got %s", result.Status)
	}
	if result.Reason == "" {
		t.Error("Expected a reason for rollback classification")
	}
	if result.Accepted() {
		t.Error("Rollback reading must not be accepted")
	}
	if !result.Flagged() {
		t.Error("Rollback reading must be flagged")
	}
}

func TestClassify_SuspiciousIsAcceptedAndFlagged(t *testing.T) {
	c := validator.NewClassifier(testRollbackTolerance, testSuspiciousThreshold)

	result := c.Classify(1000, 3000)

	if result.Status != db.StatusSuspicious {
		t.Fatalf("Expected suspicious, got %s", result.Status)
	}
	if !result.Accepted() {
		t.Error("Suspicious reading must still move the authoritative mileage")
	}
	if !result.Flagged() {
		t.Error("Suspicious reading must be flagged for review")
	}
	if result.Reason == "" {
		t.Error("Expected a reason for suspicious classification")
	}
}

// Rollback wins over suspicious when both could apply in sequence: the
// comparison is always against the last accepted mileage, so a suspicious
// jump followed by a lower-but-sane reading is a rollback only relative to
// the suspicious value.
func TestClassify_ComparesAgainstLastAccepted(t *testing.T) {
	c := validator.NewClassifier(testRollbackTolerance, testSuspiciousThreshold)

	// Suspicious jump accepted: 1000 -> 5000
	jump := c.Classify(1000, 5000)
	if jump.Status != db.StatusSuspicious {
		t.Fatalf("Expected suspicious, got %s", jump.Status)
	}

	// Next reading of 1200 is legitimate relative to the pre-jump value but
	// a rollback relative to the accepted 5000
	next := c.Classify(5000, 1200)
	if next.Status != db.StatusRollbackDetected {
		t.Errorf("Expected rollback_detected against accepted mileage, got %s", next.Status)
	}
}
