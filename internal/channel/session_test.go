package channel

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/devsentry/internal/model"
)

// pipePair returns connected host (initiator) and guest (responder)
// sessions with both ends opened.
func pipePair(t *testing.T, hostCfg, guestCfg Config) (*Session, *Session) {
	t.Helper()
	hc, gc := net.Pipe()
	hostCfg.Initiator = true
	guestCfg.Initiator = false
	host := New(hc, hostCfg)
	guest := New(gc, guestCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- guest.Open(ctx) }()
	require.NoError(t, host.Open(ctx))
	require.NoError(t, <-errCh)

	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		host.Close(closeCtx)
		guest.Close(closeCtx)
	})
	return host, guest
}

func echoHandler(_ context.Context, msg model.ChannelMessage) (model.ChannelMessage, error) {
	return model.ChannelMessage{Type: "echo", Payload: msg.Payload}, nil
}

func TestRequestResponseRoundtrip(t *testing.T) {
	host, _ := pipePair(t, Config{}, Config{Handler: echoHandler})

	resp, err := host.Request(context.Background(), model.ChannelMessage{
		Type:    "ping",
		Payload: []byte("hello sandbox"),
	})
	require.NoError(t, err)
	assert.Equal(t, "echo", resp.Type)
	assert.Equal(t, []byte("hello sandbox"), resp.Payload)
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestRequestTimeoutResolvesNotHangs(t *testing.T) {
	host, _ := pipePair(t, Config{}, Config{
		Handler: func(_ context.Context, msg model.ChannelMessage) (model.ChannelMessage, error) {
			time.Sleep(300 * time.Millisecond)
			return echoHandler(context.Background(), msg)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := host.Request(ctx, model.ChannelMessage{Type: "slow"})
	assert.ErrorIs(t, err, model.ErrChannelTimeout)
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	// A timeout is per-call: the session must keep working.
	time.Sleep(350 * time.Millisecond)
	resp, err := host.Request(context.Background(), model.ChannelMessage{Type: "again", Payload: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), resp.Payload)
}

func TestInFlightLimitRejectsImmediately(t *testing.T) {
	release := make(chan struct{})
	host, _ := pipePair(t,
		Config{MaxInFlight: 1},
		Config{Handler: func(_ context.Context, msg model.ChannelMessage) (model.ChannelMessage, error) {
			<-release
			return echoHandler(context.Background(), msg)
		}},
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = host.Request(context.Background(), model.ChannelMessage{Type: "first"})
	}()

	require.Eventually(t, func() bool {
		_, err := host.Request(context.Background(), model.ChannelMessage{Type: "second"})
		return err == model.ErrChannelSaturated
	}, time.Second, 10*time.Millisecond, "over-limit send must be rejected, not queued")

	close(release)
	<-done
}

func TestOversizedPayloadRejected(t *testing.T) {
	host, _ := pipePair(t, Config{MaxPayload: 16}, Config{Handler: echoHandler})

	_, err := host.Request(context.Background(), model.ChannelMessage{
		Type:    "big",
		Payload: make([]byte, 64),
	})
	assert.ErrorIs(t, err, model.ErrPayloadTooLarge)

	err = host.Notify(context.Background(), model.ChannelMessage{Payload: make([]byte, 64)})
	assert.ErrorIs(t, err, model.ErrPayloadTooLarge)
}

func TestNotifyDelivered(t *testing.T) {
	got := make(chan model.ChannelMessage, 1)
	host, _ := pipePair(t, Config{}, Config{
		Handler: func(_ context.Context, msg model.ChannelMessage) (model.ChannelMessage, error) {
			got <- msg
			return model.ChannelMessage{}, nil
		},
	})

	require.NoError(t, host.Notify(context.Background(), model.ChannelMessage{
		Type:    "device.attach",
		Payload: []byte(`{"signature":"abc"}`),
	}))
	select {
	case msg := <-got:
		assert.Equal(t, "device.attach", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestGuestCanCallHost(t *testing.T) {
	var served atomic.Int32
	_, guest := pipePair(t,
		Config{Handler: func(_ context.Context, msg model.ChannelMessage) (model.ChannelMessage, error) {
			served.Add(1)
			return model.ChannelMessage{Type: "granted"}, nil
		}},
		Config{},
	)

	resp, err := guest.Request(context.Background(), model.ChannelMessage{Type: "capability.fs_read"})
	require.NoError(t, err)
	assert.Equal(t, "granted", resp.Type)
	assert.Equal(t, int32(1), served.Load())
}

func TestCloseFailsPendingAndFutureSends(t *testing.T) {
	host, _ := pipePair(t, Config{}, Config{
		Handler: func(_ context.Context, msg model.ChannelMessage) (model.ChannelMessage, error) {
			time.Sleep(2 * time.Second)
			return model.ChannelMessage{}, nil
		},
	})

	pendingErr := make(chan error, 1)
	go func() {
		_, err := host.Request(context.Background(), model.ChannelMessage{Type: "doomed"})
		pendingErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	closeCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, host.Close(closeCtx))

	select {
	case err := <-pendingErr:
		assert.ErrorIs(t, err, model.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request survived Close")
	}

	_, err := host.Request(context.Background(), model.ChannelMessage{Type: "late"})
	assert.ErrorIs(t, err, model.ErrChannelClosed)
	assert.True(t, host.Closed())
}

func TestOnIncomingObservesTraffic(t *testing.T) {
	var seen atomic.Int32
	host, _ := pipePair(t, Config{}, Config{
		Handler:    echoHandler,
		OnIncoming: func(model.ChannelMessage) { seen.Add(1) },
	})

	for i := 0; i < 3; i++ {
		_, err := host.Request(context.Background(), model.ChannelMessage{Type: "ping"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), seen.Load())
}
