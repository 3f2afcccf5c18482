// Package server owns the TCP listener and the per-connection read
// loop. Each connection gets its own decoder; messages from one
// connection are dispatched synchronously so a device's readings are
// processed in arrival order.
package server

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"bustrack-svr/internal/codec"
	"bustrack-svr/internal/observability"
)

const readBufSize = 2048

// Sink consumes decoded messages. Dispatch never returns an error;
// downstream failures must not break the connection.
type Sink interface {
	Dispatch(ctx context.Context, msg codec.Message)
}

type Server struct {
	addr        string
	idleTimeout time.Duration
	sink        Sink
	logger      *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func New(addr string, idleTimeout time.Duration, sink Sink, logger *slog.Logger) *Server {
	return &Server{
		addr:        addr,
		idleTimeout: idleTimeout,
		sink:        sink,
		logger:      logger.With("component", "server"),
	}
}

// Addr returns the bound listen address, or nil before ListenAndServe
// has opened the listener. Useful with a ":0" address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe accepts connections until the context ends, then
// closes the listener and waits for the per-connection loops to drain.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("accept failed", "err", err)
			continue
		}
		observability.TCPConnections.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	logger := s.logger.With("remote", remote)
	logger.Info("connection opened")

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(time.Minute)
		_ = tc.SetLinger(0)
	}

	dec := codec.NewDecoder()
	buf := make([]byte, readBufSize)

	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				logger.Info("connection idle, closing", "device", dec.DeviceID())
			} else {
				logger.Info("connection closed", "device", dec.DeviceID(), "err", err)
			}
			return
		}

		logger.Debug("chunk received", "bytes", n, "raw", hex.EncodeToString(buf[:n]))

		start := time.Now()
		msgs := dec.Feed(buf[:n], start)
		observability.ObserveDecodeLatency(start)

		for _, msg := range msgs {
			observability.FramesDecoded.WithLabelValues(msg.Kind.String()).Inc()
			if msg.Kind == codec.KindUnknown {
				observability.DecodeErrors.Inc()
			}

			// the device blocks waiting for its ack; answer before any
			// downstream work
			if msg.Ack != nil {
				if _, err := conn.Write(msg.Ack); err != nil {
					logger.Error("ack write failed", "device", dec.DeviceID(), "err", err)
					return
				}
				observability.AcksSent.Inc()
			}

			s.sink.Dispatch(ctx, msg)
		}
	}
}
