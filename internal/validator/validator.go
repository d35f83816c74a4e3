package validator

import (
	"fmt"

	"github.com/veridrive/mileage-trust-worker/internal/db"
)

// Classification holds the outcome of classifying one reported mileage
// against the last accepted value
type Classification struct {
	Status string
	Delta  int64
	Reason string
}

// Accepted reports whether the reading moves the authoritative mileage
// forward (valid and suspicious readings do, rollbacks never do)
func (c Classification) Accepted() bool {
	return c.Status == db.StatusValid || c.Status == db.StatusSuspicious
}

// Flagged reports whether the reading needs human review
func (c Classification) Flagged() bool {
	return c.Status == db.StatusSuspicious || c.Status == db.StatusRollbackDetected
}

// Classifier classifies odometer readings with configurable thresholds
type Classifier struct {
	rollbackTolerance   int64
	suspiciousThreshold int64
}

// NewClassifier creates a classifier with the specified tolerance and
// threshold
func NewClassifier(rollbackTolerance, suspiciousThreshold int64) *Classifier {
	return &Classifier{
		rollbackTolerance:   rollbackTolerance,
		suspiciousThreshold: suspiciousThreshold,
	}
}

// Classify compares a reported mileage against the last accepted mileage.
// Rules are evaluated in order, first match wins:
// a drop beyond the tolerance is a rollback, a jump beyond the threshold is
// suspicious (accepted but flagged), everything else is valid.
func (c *Classifier) Classify(prev, reported int64) Classification {
	delta := reported - prev

	switch {
	case delta < -c.rollbackTolerance:
		return Classification{
			Status: db.StatusRollbackDetected,
			Delta:  delta,
			Reason: fmt.Sprintf("reported mileage %d is %d below last verified %d (tolerance %d)",
				reported, -delta, prev, c.rollbackTolerance),
		}
	case delta > c.suspiciousThreshold:
		return Classification{
			Status: db.StatusSuspicious,
			Delta:  delta,
			Reason: fmt.Sprintf("mileage jump of %d exceeds threshold %d", delta, c.suspiciousThreshold),
		}
	default:
		return Classification{Status: db.StatusValid, Delta: delta}
	}
}
