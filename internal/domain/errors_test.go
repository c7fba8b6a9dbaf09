package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRejected(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", ErrValidation, true},
		{"wrapped invalid state", fmt.Errorf("order o-1: %w", ErrInvalidState), true},
		{"not found", ErrNotFound, true},
		{"signature expired", ErrSignatureExpired, true},
		{"store failure", errors.New("connection reset"), false},
		{"wrapped store failure", fmt.Errorf("update order: %w", errors.New("deadlock")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rejected(tt.err))
		})
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, Kind{Code: CodeInternal, Retry: RetryNever}, KindOf(errors.New("boom")))
}
