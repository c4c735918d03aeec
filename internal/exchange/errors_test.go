package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		httpStatus int
		code       int
		want       ErrorKind
	}{
		{"http 429", 429, 0, KindRateLimit},
		{"code -1003", 418, -1003, KindRateLimit},
		{"http 401", 401, 0, KindAuth},
		{"http 403", 403, 0, KindAuth},
		{"bad signature", 400, -1022, KindAuth},
		{"invalid key", 400, -2015, KindAuth},
		{"server error", 502, 0, KindNetwork},
		{"plain rejection", 400, -4028, KindAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.httpStatus, tt.code))
		})
	}
}

func TestErrorPredicates(t *testing.T) {
	rateLimit := &APIError{Kind: KindRateLimit, HTTPStatus: 429, Message: "slow down"}
	auth := &APIError{Kind: KindAuth, Code: -2015, Message: "bad key"}
	network := &APIError{Kind: KindNetwork, Message: "connection reset"}
	unknownOrder := &APIError{Kind: KindAPI, Code: -2011, Message: "Unknown order sent."}
	reduceReject := &APIError{Kind: KindAPI, Code: -2022, Message: "ReduceOnly Order is rejected"}

	assert.True(t, IsRateLimit(rateLimit))
	assert.False(t, IsRateLimit(auth))

	assert.True(t, IsAuth(auth))
	assert.False(t, IsAuth(network))

	assert.True(t, IsNetwork(network))
	assert.True(t, IsNetwork(context.DeadlineExceeded))
	assert.False(t, IsNetwork(errors.New("boring")))

	assert.True(t, IsUnknownOrder(unknownOrder))
	assert.False(t, IsUnknownOrder(reduceReject))

	assert.True(t, IsReduceOnlyReject(reduceReject))
	assert.False(t, IsReduceOnlyReject(unknownOrder))
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	inner := &APIError{Kind: KindAPI, Code: -2011, Message: "Unknown order sent."}
	wrapped := fmt.Errorf("cancel tp leg: %w", inner)

	assert.True(t, IsUnknownOrder(wrapped))
	assert.False(t, IsRateLimit(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&APIError{Kind: KindNetwork}))
	assert.True(t, IsRetryable(&APIError{Kind: KindRateLimit}))
	assert.False(t, IsRetryable(&APIError{Kind: KindAuth}))
	assert.False(t, IsRetryable(&APIError{Kind: KindAPI, Code: -2022}))
	assert.True(t, IsRetryable(context.DeadlineExceeded), "deadline errors read as transient network failures")
}
