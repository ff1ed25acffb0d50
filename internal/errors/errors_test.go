package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	assert.Equal(t, "[NOT_FOUND] record missing", New(ErrNotFound, "record missing").Error())

	wrapped := Wrap(ErrStorage, "write outbox", stderrors.New("disk full"))
	assert.Equal(t, "[STORAGE_ERROR] write outbox: disk full", wrapped.Error())
}

func TestAppError_Unwrap(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Storage("write outbox", cause)
	assert.ErrorIs(t, err, cause)
}

func TestIs_followsChain(t *testing.T) {
	err := fmt.Errorf("push: %w", Rejected("validation failed", nil))
	assert.True(t, Is(err, ErrRemoteRejected))
	assert.False(t, Is(err, ErrNetwork))
	assert.False(t, Is(stderrors.New("plain"), ErrRemoteRejected))
	assert.Equal(t, ErrRemoteRejected, Code(err))
	assert.Equal(t, ErrInternal, Code(stderrors.New("plain")))
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status    int
		code      ErrorCode
		retryable bool
	}{
		{408, ErrNetwork, true},
		{429, ErrNetwork, true},
		{500, ErrNetwork, true},
		{503, ErrNetwork, true},
		{400, ErrRemoteRejected, false},
		{401, ErrRemoteRejected, false},
		{422, ErrRemoteRejected, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := FromHTTPStatus(tt.status, "remote")
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, tt.status, err.StatusCode)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
	assert.Nil(t, FromHTTPStatus(204, "ok"))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(fmt.Errorf("pull: %w", context.DeadlineExceeded)))
	assert.True(t, IsRetryable(Network("timeout", nil)))
	assert.False(t, IsRetryable(Rejected("bad payload", nil)))
	assert.False(t, IsRetryable(Storage("disk", nil)))
	assert.True(t, IsRetryable(stderrors.New("connection reset by peer")))
	assert.True(t, IsRejected(Rejected("bad payload", nil)))
}
