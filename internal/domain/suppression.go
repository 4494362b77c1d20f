package domain

import (
	"fmt"
	"strings"
	"time"
)

// SuppressionReason enumerates why an address was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce  SuppressionReason = "hard_bounce"
	ReasonComplaint   SuppressionReason = "complaint"
	ReasonUnsubscribe SuppressionReason = "unsubscribe"
	ReasonManual      SuppressionReason = "manual"
)

func (r SuppressionReason) IsValid() bool {
	switch r {
	case ReasonHardBounce, ReasonComplaint, ReasonUnsubscribe, ReasonManual:
		return true
	}
	return false
}

func ParseSuppressionReason(s string) (SuppressionReason, error) {
	r := SuppressionReason(strings.ToLower(strings.TrimSpace(s)))
	if r == "" {
		return ReasonManual, nil
	}
	if !r.IsValid() {
		return "", fmt.Errorf("%w: invalid suppression reason %q", ErrValidation, s)
	}
	return r, nil
}

// Suppression is one entry of the do-not-contact list.
type Suppression struct {
	Address   string
	Reason    SuppressionReason
	Source    string
	CreatedAt time.Time
}
