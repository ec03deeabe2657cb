package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sufield/devicefleet/internal/domain"
)

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"credential", &domain.CredentialError{Username: "ana"}, domain.ErrCredential},
		{"challenge", &domain.ChallengeError{Challenge: domain.ChallengeMultiFactor}, domain.ErrChallenge},
		{"authorization", &domain.AuthorizationError{Required: []string{"Administrators"}}, domain.ErrUnauthorized},
		{"validation", &domain.ValidationError{Field: "deviceId", Reason: "is required"}, domain.ErrValidation},
		{"conflict", &domain.TransitionConflictError{Kind: domain.KindDeploy, DeviceID: "CROW-42"}, domain.ErrConflict},
		{"connectivity", &domain.ConnectivityError{Op: "deployDevice"}, domain.ErrConnectivity},
		{"auth", &domain.AuthError{}, domain.ErrNotAuthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.ErrorIs(t, fmt.Errorf("wrapped: %w", tt.err), tt.sentinel)
			assert.NotEmpty(t, tt.err.Error())
			for _, other := range []error{domain.ErrCredential, domain.ErrChallenge, domain.ErrUnauthorized,
				domain.ErrValidation, domain.ErrConflict, domain.ErrConnectivity, domain.ErrNotAuthenticated} {
				if other != tt.sentinel {
					assert.NotErrorIs(t, tt.err, other)
				}
			}
		})
	}
}

func TestRetryableAndEffectUnknown(t *testing.T) {
	t.Parallel()

	notSent := &domain.ConnectivityError{Op: "deployDevice", Outcome: domain.OutcomeNotSent}
	unknown := &domain.ConnectivityError{Op: "deployDevice", Outcome: domain.OutcomeUnknown, Err: context.DeadlineExceeded}

	assert.True(t, domain.Retryable(notSent))
	assert.False(t, domain.EffectUnknown(notSent))
	assert.True(t, domain.Retryable(unknown))
	assert.True(t, domain.EffectUnknown(unknown))
	assert.ErrorIs(t, unknown, context.DeadlineExceeded)
	assert.Contains(t, unknown.Error(), "effect on backend state is unknown")

	assert.False(t, domain.Retryable(&domain.TransitionConflictError{}))
	assert.False(t, domain.Retryable(&domain.ValidationError{}))
	assert.False(t, domain.EffectUnknown(errors.New("boom")))
}

func TestAuthorizationError_Message(t *testing.T) {
	t.Parallel()

	err := &domain.AuthorizationError{Capability: "Deploy", Required: []string{"Administrators"}, Actual: []string{"Operators"}}
	assert.Equal(t, "not authorized for Deploy: requires one of [Administrators], caller has [Operators]", err.Error())
}
