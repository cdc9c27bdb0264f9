package billing

import (
	"fmt"
	"strings"
)

// FeeKind selects how the platform fee is derived from the gross amount
type FeeKind string

const (
	FeePercentage FeeKind = "percentage"
	FeeFlat       FeeKind = "flat"
)

// FeePolicy is the platform's cut of a settled render
type FeePolicy struct {
	Kind FeeKind
	// BasisPoints applies to FeePercentage; 1000 is 10%
	BasisPoints int64
	// FlatCents applies to FeeFlat
	FlatCents int64
}

// Validate rejects policies that can never satisfy the fee split on any gross
func (p FeePolicy) Validate() error {
	switch p.Kind {
	case FeePercentage:
		if p.BasisPoints <= 0 || p.BasisPoints >= 10000 {
			return fmt.Errorf("fee basis points must be between 1 and 9999, got %d", p.BasisPoints)
		}
	case FeeFlat:
		if p.FlatCents <= 0 {
			return fmt.Errorf("flat fee must be positive, got %d", p.FlatCents)
		}
	default:
		return fmt.Errorf("unknown fee kind %q (want percentage or flat)", p.Kind)
	}
	return nil
}

// Fee computes the platform fee for gross, rounding down to whole cents.
// The result is not checked against the fee split.
func (p FeePolicy) Fee(gross int64) int64 {
	switch p.Kind {
	case FeePercentage:
		return gross * p.BasisPoints / 10000
	case FeeFlat:
		return p.FlatCents
	default:
		return 0
	}
}

// ParseFeeKind accepts the config spelling of a fee kind
func ParseFeeKind(s string) (FeeKind, error) {
	switch k := FeeKind(strings.ToLower(strings.TrimSpace(s))); k {
	case FeePercentage, FeeFlat:
		return k, nil
	default:
		return "", fmt.Errorf("unknown fee kind %q (want percentage or flat)", s)
	}
}
