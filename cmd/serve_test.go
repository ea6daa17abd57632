package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tokenlottery/internal/clock"
	"tokenlottery/internal/oracle"
)

func TestRunJanitor_PrunesAbandonedRequests(t *testing.T) {
	clk := clock.NewManual(0)
	local, err := oracle.NewLocal(oracle.Options{Clock: clk, RevealDelay: 1})
	require.NoError(t, err)
	defer local.Close()

	ctx, cancel := context.WithCancel(context.Background())
	abandoned, err := local.CreateRequest(ctx, "")
	require.NoError(t, err)
	clk.Set(100)

	done := make(chan struct{})
	go func() {
		defer close(done)
		runJanitor(ctx, local, 5*time.Millisecond, 10)
	}()

	require.Eventually(t, func() bool {
		_, err := local.Request(context.Background(), abandoned)
		return errors.Is(err, oracle.ErrUnknownRequest)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}
