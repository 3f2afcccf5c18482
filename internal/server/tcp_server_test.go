package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack-svr/internal/codec"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []codec.Message
}

func (s *captureSink) Dispatch(_ context.Context, msg codec.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *captureSink) at(i int) codec.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[i]
}

func startServer(t *testing.T, sink Sink) (net.Addr, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := New("127.0.0.1:0", time.Minute, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool { return srv.Addr() != nil },
		time.Second, 5*time.Millisecond)
	return srv.Addr(), cancel
}

func loginFrame(serial uint16) []byte {
	// BCD terminal id 123456789012345
	return codec.BuildFrame(0x01, []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45}, serial)
}

func TestServerAcksLoginAndDispatches(t *testing.T) {
	sink := &captureSink{}
	addr, _ := startServer(t, sink)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(loginFrame(1))
	require.NoError(t, err)

	// the device expects its ack before anything else happens
	ack := make([]byte, 10)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, ack)
	require.NoError(t, err)
	assert.Equal(t, codec.BuildAck(0x01, 1), ack)

	require.Eventually(t, func() bool { return sink.count() == 1 },
		time.Second, 5*time.Millisecond)
	msg := sink.at(0)
	assert.Equal(t, codec.KindLogin, msg.Kind)
	assert.Equal(t, "123456789012345", msg.DeviceID)
}

func TestServerHandlesConcurrentConnections(t *testing.T) {
	sink := &captureSink{}
	addr, _ := startServer(t, sink)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr.String())
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = conn.Write(loginFrame(1))
			ack := make([]byte, 10)
			_ = conn.SetReadDeadline(time.Now().Add(time.Second))
			_, _ = io.ReadFull(conn, ack)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return sink.count() == 5 },
		time.Second, 5*time.Millisecond)
}

func TestServerShutdownClosesListener(t *testing.T) {
	sink := &captureSink{}
	addr, cancel := startServer(t, sink)

	cancel()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr.String())
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, time.Second, 10*time.Millisecond)
}
