package domain

import (
	"fmt"
	"unicode"
)

// PasswordPolicy is the local complexity gate applied to a new credential
// before it is submitted during a credential reset.
type PasswordPolicy struct {
	MinLength     int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

// DefaultPasswordPolicy requires 8 characters from all four classes.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:     8,
		RequireUpper:  true,
		RequireLower:  true,
		RequireDigit:  true,
		RequireSymbol: true,
	}
}

// Check returns a *ChallengeError listing every unmet rule, or nil.
func (p PasswordPolicy) Check(password string) error {
	var upper, lower, digit, symbol bool
	n := 0
	for _, r := range password {
		n++
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}

	var violations []string
	if n < p.MinLength {
		violations = append(violations, fmt.Sprintf("must be at least %d characters", p.MinLength))
	}
	if p.RequireUpper && !upper {
		violations = append(violations, "must contain an uppercase letter")
	}
	if p.RequireLower && !lower {
		violations = append(violations, "must contain a lowercase letter")
	}
	if p.RequireDigit && !digit {
		violations = append(violations, "must contain a digit")
	}
	if p.RequireSymbol && !symbol {
		violations = append(violations, "must contain a symbol")
	}
	if len(violations) == 0 {
		return nil
	}
	return &ChallengeError{
		Challenge:  ChallengeCredentialReset,
		Message:    ReasonPasswordPolicy,
		Violations: violations,
	}
}
