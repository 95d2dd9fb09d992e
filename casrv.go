// Package casrv wires the Channel Access stream-client components -
// registry, async-IO coordinator, negative-name cache, stats, and the
// dispatcher built from them - into a connection handler, the server's
// top-level assembly point (spec.md §11/§13 "top-level wiring").
//
// Grounded on the teacher's StreamCollector (transport/collect.go): a
// small Name-tagged background job whose Run method loops decode-then-act
// over one stream until told to stop, generalized here from "drain
// pending object-transfer streams" to "decode and dispatch one client
// connection's framed requests".
/*
 * Copyright (c) 2024, casrv authors.
 */
package casrv

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oksanagit/casrv/asyncio"
	"github.com/oksanagit/casrv/channel"
	"github.com/oksanagit/casrv/client"
	"github.com/oksanagit/casrv/cmn/nlog"
	"github.com/oksanagit/casrv/dispatch"
	"github.com/oksanagit/casrv/ibuf"
	"github.com/oksanagit/casrv/internal/castats"
	"github.com/oksanagit/casrv/obuf"
	"github.com/oksanagit/casrv/pvtool"
	"github.com/oksanagit/casrv/registry"
)

const (
	defaultIbufCapacity    = 16 << 10
	defaultObufCapacity    = 16 << 10
	defaultAsyncConcurrent = 64
	defaultNegativeNameTTL = time.Minute
)

// Conn is the per-connection byte transport a Server handles - a net.Conn
// satisfies it, and tests drive it over net.Pipe or an in-memory stand-in.
type Conn interface {
	io.Reader
	io.Writer
}

// Option configures a Server at construction time.
type Option func(*config)

type config struct {
	ibufCapacity    int
	obufCapacity    int
	asyncConcurrent int64
	negativeNameTTL time.Duration
	registerer      prometheus.Registerer
}

// WithBufferCapacity overrides the per-connection input/output buffer
// sizes (spec.md §2 buffering).
func WithBufferCapacity(ibufCap, obufCap int) Option {
	return func(c *config) { c.ibufCapacity, c.obufCapacity = ibufCap, obufCap }
}

// WithAsyncConcurrency caps the number of async-IO completions the
// coordinator lets run concurrently (spec.md §9 async-IO coordinator).
func WithAsyncConcurrency(n int64) Option {
	return func(c *config) { c.asyncConcurrent = n }
}

// WithNegativeNameTTL overrides how long the negative-name cache trusts a
// "not found" verdict before re-verifying it against the server tool.
func WithNegativeNameTTL(ttl time.Duration) Option {
	return func(c *config) { c.negativeNameTTL = ttl }
}

// WithPrometheusRegisterer directs server-wide counters at a specific
// registry instead of the default one; tests pass a fresh
// prometheus.NewRegistry() to avoid cross-test collisions.
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// Server is the assembled Channel Access stream-client processor: one
// resource registry, one async-IO coordinator, one stats sink and
// negative-name cache shared across every connection it Handles, feeding a
// single Dispatcher built from them (spec.md §13 "Top-level wiring").
type Server struct {
	cfg   config
	reg   *registry.Registry
	async *asyncio.Coordinator
	stats *castats.Stats
	neg   *channel.NegativeNameCache
	disp  *dispatch.Dispatcher
}

// New assembles a Server around a server tool's pvtool.Server - the only
// thing a caller must supply, since every other collaborator is owned by
// casrv itself.
func New(srv pvtool.Server, opts ...Option) *Server {
	cfg := config{
		ibufCapacity:    defaultIbufCapacity,
		obufCapacity:    defaultObufCapacity,
		asyncConcurrent: defaultAsyncConcurrent,
		negativeNameTTL: defaultNegativeNameTTL,
		registerer:      prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	reg := registry.New()
	async := asyncio.New(cfg.asyncConcurrent)
	stats := castats.New(cfg.registerer)
	neg := channel.NewNegativeNameCache(cfg.negativeNameTTL)
	disp := dispatch.New(reg, srv, async, stats, neg)

	return &Server{cfg: cfg, reg: reg, async: async, stats: stats, neg: neg, disp: disp}
}

// Name identifies this job the way the teacher's background collectors
// self-report for logging (transport.StreamCollector.Name).
func (s *Server) Name() string { return "casrv" }

// ClientCount reports the number of currently installed clients.
func (s *Server) ClientCount() int { return s.reg.ClientCount() }

// Stats returns the server-wide counters, e.g. for an admin status line.
func (s *Server) Stats() *castats.Stats { return s.stats }

// ResumePV wakes every waiter parked on pvName once the server tool reports
// the PV ready again (spec.md §9); nothing else in this package calls the
// coordinator's resume side, since only the server tool knows when a PV's
// outstanding async IO has actually completed.
func (s *Server) ResumePV(ctx context.Context, pvName string) { s.async.ResumePV(ctx, pvName) }

// ResumeServer wakes every waiter parked on server-wide resources (spec.md
// §9, e.g. a free async-IO slot becoming available).
func (s *Server) ResumeServer(ctx context.Context) { s.async.ResumeServer(ctx) }

// DisconnectChannel is the server tool's entry point for tearing a channel
// down on its own initiative rather than the client's (spec.md §4.F
// destroyClientNotify, §4.J): it walks the installed clients to find
// whichever one owns sid, then has that client notify or fully disconnect
// per its negotiated protocol version (client.Stream.DisconnectChannel).
// Reports whether a channel with that SID was found.
func (s *Server) DisconnectChannel(sid uint32) bool {
	for _, c := range s.reg.Clients() {
		stream, ok := c.(*client.Stream)
		if !ok {
			continue
		}
		for _, ch := range stream.Channels() {
			if ch.GetSID() == sid {
				return stream.DisconnectChannel(ch.GetCID())
			}
		}
	}
	return false
}

// writerTransport adapts a plain io.Writer to obuf.Transport: casrv treats
// any write error as fatal to the connection, never a partial-progress
// condition the buffer should retry.
type writerTransport struct{ w io.Writer }

func (t writerTransport) Flush(b []byte) (int, obuf.FlushResult, error) {
	n, err := t.w.Write(b)
	if err != nil {
		return n, obuf.Disconnect, err
	}
	return n, obuf.Progress, nil
}

// Handle owns one connection end to end: decode frames, dispatch each one,
// flush whatever responses it produced, and tear the client down on exit.
// It returns once the connection is closed, ctx is done, or dispatch hits
// a fatal protocol violation (dispatch.ErrFatalDisconnect) - the last case
// is not itself an error, since it is the protocol's own well-defined way
// of ending a session.
func (s *Server) Handle(ctx context.Context, conn Conn) error {
	stream := client.New(conn, s.cfg.ibufCapacity, writerTransport{conn}, s.cfg.obufCapacity, s.reg)
	s.stats.ClientConnected()
	nlog.Infof("casrv: client %s connected", stream.ConnID())
	defer func() {
		stream.Teardown()
		s.stats.ClientDisconnected()
		nlog.Infof("casrv: client %s disconnected", stream.ConnID())
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		h, payload, ok, err := stream.Ibuf().Frame()
		if err != nil {
			return err
		}
		if !ok {
			if _, err := stream.Ibuf().Fill(); err != nil {
				return err
			}
			continue
		}

		// Dispatch may park payload in an async.Waiter that outlives this
		// frame's tenure in the shared input buffer, so it gets its own
		// copy rather than the buffer's backing slice.
		payload = append([]byte(nil), payload...)

		derr := s.disp.Dispatch(ctx, stream, h, payload)
		stream.Ibuf().Consume(ibuf.FrameLen(h))

		if _, ferr := stream.Obuf().Flush(); ferr != nil {
			return ferr
		}

		// A server-tool-initiated DisconnectChannel against a protocol < 4.7
		// client marks it Terminated in lieu of a frame it couldn't
		// understand; honor that the moment it's observed.
		if stream.State() == client.Terminated {
			return nil
		}

		if derr != nil {
			if errors.Is(derr, dispatch.ErrFatalDisconnect) {
				return nil
			}
			return derr
		}
	}
}
