package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := New(KindAlreadyProcessing, "ramp.submit_tx_hash", "Order is already being processed")
	wrapped := fmt.Errorf("reconcile: %w", base)

	assert.Equal(t, KindAlreadyProcessing, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindAlreadyProcessing))
	assert.False(t, Is(wrapped, KindProvider))
}

func TestKindOf_Untagged(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindConnectivity, KindOf(context.DeadlineExceeded))
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"configuration without message", Wrap(KindConfiguration, "ramp", errors.New("api key missing"), ""), "Service configuration error. Please contact support."},
		{"connectivity hides transport text", Wrap(KindConnectivity, "ramp", errors.New("dial tcp: refused"), "Could not reach OneRamp API"), "Network error. Please check your connection and try again."},
		{"provider verbatim", New(KindProvider, "ramp.quote_in", "Unsupported network"), "Unsupported network"},
		{"guard", New(KindChainGuard, "guard", "Transfers are currently paused"), "Transfers are currently paused"},
		{"field", Field("amount", "Amount must be between 2000 and 20000"), "Amount must be between 2000 and 20000"},
		{"plain error", errors.New("x"), "An unexpected error occurred. Please try again."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserMessage(tt.err))
		})
	}
}

func TestFieldOf(t *testing.T) {
	err := fmt.Errorf("submit: %w", Field("phone", "Please enter a valid phone number"))
	assert.Equal(t, "phone", FieldOf(err))
	assert.Equal(t, "", FieldOf(errors.New("x")))
}

func TestError_Format(t *testing.T) {
	err := Wrap(KindProvider, "ramp.transfer_out", errors.New("status 400"), "Invalid quote")
	assert.Equal(t, "ramp.transfer_out: provider: Invalid quote: status 400", err.Error())
	assert.ErrorIs(t, err, err.Err)
}
