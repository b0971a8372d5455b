// Package channel implements the per-instance secure transport between the
// host and a sandbox: an X25519/HKDF handshake into ChaCha20-Poly1305
// framed records, request/response with per-call timeouts, fire-and-forget
// notifications, and a hard in-flight cap that rejects over-limit sends
// instead of queuing them.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/srediag/devsentry/internal/metrics"
	"github.com/srediag/devsentry/internal/model"
)

// Handler serves incoming requests and notifications from the peer. For
// notifications the returned message is discarded.
type Handler func(ctx context.Context, msg model.ChannelMessage) (model.ChannelMessage, error)

// Config tunes one session.
type Config struct {
	// Initiator performs the first handshake write; the host side is the
	// initiator, the sandbox the responder.
	Initiator      bool
	MaxInFlight    int64
	MaxPayload     int
	RequestTimeout time.Duration
	Handler        Handler
	// OnIncoming observes every inbound message, used to feed message-rate
	// auditing. Optional.
	OnIncoming func(msg model.ChannelMessage)
	Logger     *zap.Logger
	Metrics    *metrics.Set
	Meter      metric.Meter
	Tracer     trace.Tracer
}

// Session is one end of a secure channel.
type Session struct {
	cfg       Config
	transport io.ReadWriteCloser
	log       *zap.Logger
	met       *metrics.Set
	keys      *sessionKeys
	inflight  *semaphore.Weighted

	writeMu sync.Mutex
	sendCtr uint64
	recvCtr uint64

	mu      sync.Mutex
	pending map[string]chan frame
	ackCh   chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}

	sent metric.Int64Counter
}

// New wraps a transport. Open must complete before Request/Notify.
func New(transport io.ReadWriteCloser, cfg Config) *Session {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	s := &Session{
		cfg:       cfg,
		transport: transport,
		log:       cfg.Logger.Named("channel"),
		met:       cfg.Metrics,
		inflight:  semaphore.NewWeighted(cfg.MaxInFlight),
		pending:   make(map[string]chan frame),
		ackCh:     make(chan struct{}, 1),
		closed:    make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	if cfg.Meter != nil {
		s.sent, _ = cfg.Meter.Int64Counter("devsentry.channel.messages")
	}
	return s
}

// Open performs the key exchange and starts the read loop. The ctx bounds
// the handshake; on expiry the transport is closed to unblock it.
func (s *Session) Open(ctx context.Context) error {
	type result struct {
		keys *sessionKeys
		err  error
	}
	done := make(chan result, 1)
	go func() {
		k, err := handshake(s.transport, s.cfg.Initiator)
		done <- result{k, err}
	}()
	select {
	case <-ctx.Done():
		s.transport.Close()
		<-done
		return fmt.Errorf("channel handshake: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		s.keys = r.keys
	}
	go s.readLoop()
	return nil
}

// Request sends msg and blocks for the correlated response. The per-call
// deadline comes from ctx, defaulting to the configured request timeout;
// when it passes the call resolves to model.ErrChannelTimeout without
// affecting the session.
func (s *Session) Request(ctx context.Context, msg model.ChannelMessage) (model.ChannelMessage, error) {
	if err := s.admit(len(msg.Payload)); err != nil {
		return model.ChannelMessage{}, err
	}
	if !s.inflight.TryAcquire(1) {
		s.met.ChannelRejects.WithLabelValues("saturated").Inc()
		return model.ChannelMessage{}, model.ErrChannelSaturated
	}
	defer s.inflight.Release(1)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = s.cfg.Tracer.Start(ctx, "channel.request")
		defer span.End()
	}

	id := uuid.New()
	msg.CorrelationID = id.String()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Timestamp = time.Now()

	respCh := make(chan frame, 1)
	s.mu.Lock()
	s.pending[msg.CorrelationID] = respCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, msg.CorrelationID)
		s.mu.Unlock()
	}()

	var corr [corrIDSize]byte
	copy(corr[:], id[:])
	if err := s.send(frameRequest, corr, msg); err != nil {
		return model.ChannelMessage{}, err
	}

	select {
	case f, ok := <-respCh:
		if !ok {
			return model.ChannelMessage{}, model.ErrChannelClosed
		}
		return decodeMessage(f)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			s.met.ChannelTimeouts.Inc()
			return model.ChannelMessage{}, model.ErrChannelTimeout
		}
		return model.ChannelMessage{}, ctx.Err()
	case <-s.closed:
		return model.ChannelMessage{}, model.ErrChannelClosed
	}
}

// Notify sends a fire-and-forget message.
func (s *Session) Notify(_ context.Context, msg model.ChannelMessage) error {
	if err := s.admit(len(msg.Payload)); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Timestamp = time.Now()
	var corr [corrIDSize]byte
	return s.send(frameNotify, corr, msg)
}

func (s *Session) admit(payloadLen int) error {
	select {
	case <-s.closed:
		return model.ErrChannelClosed
	default:
	}
	if payloadLen > s.cfg.MaxPayload {
		s.met.ChannelRejects.WithLabelValues("oversized").Inc()
		return model.ErrPayloadTooLarge
	}
	return nil
}

func (s *Session) send(typ byte, corr [corrIDSize]byte, msg model.ChannelMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode channel message: %w", err)
	}
	return s.writeFrame(frame{typ: typ, corrID: corr, payload: body})
}

func (s *Session) writeFrame(f frame) error {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	bb.B = encodeFrame(bb.B[:0], f)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.keys == nil || s.keys.send == nil {
		return model.ErrChannelClosed
	}
	sealed := s.keys.send.Seal(nil, nonceFor(s.sendCtr), bb.B, nil)
	s.sendCtr++
	if err := writeRecord(s.transport, sealed); err != nil {
		return fmt.Errorf("channel write failed,%w", err)
	}
	if s.sent != nil {
		s.sent.Add(context.Background(), 1)
	}
	return nil
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	// Payloads travel base64-encoded inside the JSON body, so the record
	// bound leaves room for the 4/3 expansion plus envelope and AEAD tag.
	maxRecord := s.cfg.MaxPayload*2 + 4096
	for {
		sealed, err := readRecord(s.transport, maxRecord)
		if err != nil {
			s.teardown()
			return
		}
		body, err := s.keys.recv.Open(nil, nonceFor(s.recvCtr), sealed, nil)
		if err != nil {
			// A key mismatch is unrecoverable for this session.
			s.log.Error("channel decrypt failed", zap.Error(err))
			s.teardown()
			return
		}
		s.recvCtr++
		f, err := decodeFrame(body)
		if err != nil {
			s.log.Warn("malformed channel frame", zap.Error(err))
			continue
		}
		switch f.typ {
		case frameResponse:
			s.mu.Lock()
			ch := s.pending[corrString(f.corrID)]
			s.mu.Unlock()
			if ch != nil {
				select {
				case ch <- f:
				default:
				}
			}
		case frameRequest:
			go s.serve(f)
		case frameNotify:
			if msg, err := decodeMessage(f); err == nil {
				s.observe(msg)
				if s.cfg.Handler != nil {
					go s.cfg.Handler(context.Background(), msg)
				}
			}
		case frameAck:
			select {
			case s.ackCh <- struct{}{}:
			default:
			}
		case frameShutdown:
			var corr [corrIDSize]byte
			_ = s.writeFrame(frame{typ: frameAck, corrID: corr})
			s.teardown()
			return
		}
	}
}

func (s *Session) serve(f frame) {
	msg, err := decodeMessage(f)
	if err != nil {
		s.log.Warn("undecodable request", zap.Error(err))
		return
	}
	s.observe(msg)
	var resp model.ChannelMessage
	if s.cfg.Handler == nil {
		resp = model.ChannelMessage{Type: "error", Payload: []byte("no handler")}
	} else if r, err := s.cfg.Handler(context.Background(), msg); err != nil {
		resp = model.ChannelMessage{Type: "error", Payload: []byte(err.Error())}
	} else {
		resp = r
	}
	resp.CorrelationID = msg.CorrelationID
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	resp.Timestamp = time.Now()
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = s.writeFrame(frame{typ: frameResponse, corrID: f.corrID, payload: body})
}

func (s *Session) observe(msg model.ChannelMessage) {
	if s.cfg.OnIncoming != nil {
		s.cfg.OnIncoming(msg)
	}
}

// Close flushes the shutdown exchange, fails outstanding requests and
// discards the session key. Bounded by ctx.
func (s *Session) Close(ctx context.Context) error {
	var corr [corrIDSize]byte
	_ = s.writeFrame(frame{typ: frameShutdown, corrID: corr})
	select {
	case <-s.ackCh:
	case <-ctx.Done():
	case <-s.closed:
	case <-time.After(time.Second):
	}
	s.teardown()
	return nil
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.transport.Close()
		s.mu.Lock()
		for _, ch := range s.pending {
			close(ch)
		}
		s.pending = make(map[string]chan frame)
		s.mu.Unlock()
		s.writeMu.Lock()
		if s.keys != nil {
			s.keys.zeroize()
		}
		s.writeMu.Unlock()
	})
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func corrString(corr [corrIDSize]byte) string {
	id, err := uuid.FromBytes(corr[:])
	if err != nil {
		return ""
	}
	return id.String()
}

func decodeMessage(f frame) (model.ChannelMessage, error) {
	var msg model.ChannelMessage
	if err := json.Unmarshal(f.payload, &msg); err != nil {
		return model.ChannelMessage{}, fmt.Errorf("decode channel message: %w", err)
	}
	return msg, nil
}
