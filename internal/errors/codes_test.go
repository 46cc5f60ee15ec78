package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, GetCode(nil))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
	assert.Equal(t, ErrCodeVersionTooOld, GetCode(VersionTooOld("s", 1, 5)))

	wrapped := fmt.Errorf("catchup: %w", KeyNotFound("a"))
	assert.Equal(t, ErrCodeKeyNotFound, GetCode(wrapped))
	assert.True(t, IsSyncError(wrapped))
	assert.True(t, Is(wrapped, ErrCodeKeyNotFound))
	assert.False(t, Is(nil, ErrCodeInternal))
}

func TestHistoryUnavailableWrapsCause(t *testing.T) {
	cause := VersionTooOld("s", 1, 5)
	err := HistoryUnavailable("gone", cause)

	assert.Equal(t, ErrCodeHistoryUnavailable, GetCode(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "gone")
}

func TestToGRPCStatus(t *testing.T) {
	tests := []struct {
		err  *SyncError
		want codes.Code
	}{
		{InvalidArgument("bad", nil), codes.InvalidArgument},
		{UnsupportedKind("query", ErrCodeOK), codes.Unimplemented},
		{VersionConflict("s", 1, 2), codes.Aborted},
		{HistoryUnavailable("gone", nil), codes.FailedPrecondition},
		{Unavailable("down", nil), codes.Unavailable},
		{InvariantViolation("gap"), codes.Internal},
		{ResourceExhausted("txn_keys", 10, 5), codes.ResourceExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.err.Code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestWithDetail(t *testing.T) {
	err := InvalidKey("k", "too long").WithDetail("store", "mem")
	assert.Equal(t, "mem", err.Details["store"])
	assert.Equal(t, "too long", err.Details["reason"])
	assert.Equal(t, "code_42", ErrorCode(42).String())
}

func TestParseCode(t *testing.T) {
	assert.Equal(t, ErrCodeVersionTooOld, ParseCode(ErrCodeVersionTooOld.String()))
	assert.Equal(t, ErrCodeHistoryUnavailable, ParseCode("history_unavailable"))
	assert.Equal(t, ErrCodeInternal, ParseCode("no_such_code"))
}
