package shutdown

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestGracefulShutdown_RunsHandlersInOrder(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, quietLogger())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	gs.Register("store", record("store"), OrderCloseStore)
	gs.Register("http", record("http"), OrderStopHTTPServer)
	gs.Register("outputs", record("outputs"), OrderCloseOutputs)
	gs.Register("flush", record("flush"), OrderFlushOutputs)

	assert.Equal(t, []string{"store", "http", "outputs", "flush"}, gs.GetRegisteredHandlers())

	require.NoError(t, gs.Close())
	assert.Equal(t, []string{"http", "flush", "outputs", "store"}, order)
	assert.True(t, gs.IsShuttingDown())
	assert.Error(t, gs.Context().Err())
}

func TestGracefulShutdown_Signal(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, quietLogger())

	called := make(chan struct{}, 1)
	gs.Register("api", func(context.Context) error {
		called <- struct{}{}
		return nil
	}, OrderStopHTTPServer)

	gs.Start()
	gs.Notify(syscall.SIGTERM)

	select {
	case <-gs.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("停机未完成")
	}
	assert.Len(t, called, 1)
	require.NoError(t, gs.Close())
	// 重复停机不再执行处理函数
	assert.Len(t, called, 1)
}

func TestGracefulShutdown_CollectsErrors(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, quietLogger())

	boom := errors.New("flush failed")
	ran := false
	gs.Register("flush", func(context.Context) error { return boom }, OrderFlushOutputs)
	gs.Register("store", func(context.Context) error {
		ran = true
		return nil
	}, OrderCloseStore)

	err := gs.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran)
}

func TestGracefulShutdown_Timeout(t *testing.T) {
	gs := NewGracefulShutdown(20*time.Millisecond, quietLogger())

	skipped := true
	gs.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}, OrderFlushOutputs)
	gs.Register("after", func(context.Context) error {
		skipped = false
		return nil
	}, OrderCloseStore)

	err := gs.Close()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, skipped)
}

func TestNewGracefulShutdown_DefaultTimeout(t *testing.T) {
	gs := NewGracefulShutdown(0, quietLogger())
	assert.Equal(t, DefaultTimeout, gs.GetTimeout())
	require.NoError(t, gs.Close())
}
