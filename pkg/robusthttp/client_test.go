package robusthttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFireOncePolicy(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	retry, err := FireOncePolicy(ctx, &http.Response{StatusCode: 503}, nil)
	assert.NoError(err)
	assert.False(retry)

	retry, _ = FireOncePolicy(ctx, nil, &net.OpError{Op: "dial", Err: errors.New("connection refused")})
	assert.True(retry)

	retry, _ = FireOncePolicy(ctx, nil, &net.OpError{Op: "read", Err: errors.New("connection reset")})
	assert.False(retry)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	retry, err = FireOncePolicy(cctx, nil, &net.OpError{Op: "dial", Err: errors.New("connection refused")})
	assert.False(retry)
	assert.Error(err)
}

func TestFireOnceClient(t *testing.T) {
	assert := assert.New(t)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(WithRetryPolicy(FireOncePolicy), WithRetryWait(time.Millisecond, time.Millisecond), WithTimeout(time.Second))
	resp, err := client.Get(srv.URL)
	assert.NoError(err)
	if resp != nil {
		resp.Body.Close()
		assert.Equal(http.StatusBadGateway, resp.StatusCode)
	}
	assert.Equal(int64(1), hits.Load())
}
