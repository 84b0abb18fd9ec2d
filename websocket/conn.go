package websocket

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Role distinguishes which side of the opening handshake a Conn played,
// since that decides masking direction (RFC 6455 Section 5.1, spec.md
// invariant I5).
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Phase is the connection's position in the state diagram of spec.md
// §4.4.4.
type Phase int

const (
	// PhaseAwaitingHandshake: Feed is still accumulating and parsing the
	// opening handshake.
	PhaseAwaitingHandshake Phase = iota
	// PhaseOpen: handshake complete, frames flow in both directions.
	PhaseOpen
	// PhaseClosing: a Close frame has been sent or received, but not
	// both; the connection is waiting on the peer's half of the close
	// handshake.
	PhaseClosing
	// PhaseClosed: both halves of the close handshake completed, or the
	// connection failed and was torn down. Terminal.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingHandshake:
		return "awaiting_handshake"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MaxBufferSize bounds recvBuf and the fragment reassembly buffer
// (spec.md invariant I7: "no single connection may be driven to hold
// more than MaxBufferSize bytes of unconsumed input"). A peer that
// exceeds it gets closed with 1009 rather than letting Feed grow memory
// without bound.
const MaxBufferSize = 1 << 20 // 1 MiB

// Conn is one WebSocket connection, driven entirely by Feed (spec.md §9,
// "Protocol-style push model"): nothing in this type blocks on I/O or
// owns a goroutine of its own. Whoever owns the Transport decides how
// bytes arrive and calls Feed with them; Conn decides what those bytes
// mean and calls back into a Handler.
type Conn struct {
	ID   uuid.UUID
	role Role

	handler   Handler
	transport Transport
	log       zerolog.Logger

	// mu guards every field below, including writes through transport:
	// Send/Close/Feed can all be called from different goroutines (a
	// handler reacting to one message while another goroutine calls
	// Send for an unrelated outbound push).
	mu    sync.Mutex
	phase Phase

	recvBuf []byte

	fragActive bool
	fragOpcode Opcode
	fragBuf    bytes.Buffer
	fragValid  utf8Validator

	serverOpts   *ServerOptions
	clientKey    string
	subprotocol  string

	closeOnce sync.Once
	closeSent bool
	closeRecv bool
}

// tlsAwareTransport is implemented by Transports that can report whether
// they're carrying TLS, so the default same-origin check can pick http vs.
// https without Conn needing to know about net.Conn at all.
type tlsAwareTransport interface {
	IsTLS() bool
}

// newConn allocates a bare Conn in PhaseAwaitingHandshake. Callers still
// need to attach a Transport and a Handler before feeding it bytes.
func newConn(role Role) *Conn {
	return &Conn{
		ID:    uuid.New(),
		role:  role,
		phase: PhaseAwaitingHandshake,
		log:   defaultLogger,
	}
}

// NewServerConn starts the server side of an opening handshake that will
// be completed by feeding the raw client bytes through Feed, rather than
// going through net/http (spec.md §4.3.1's buffer-driven parse, used when
// the caller owns its own Transport — e.g. a bare TCP listener). opts may
// be nil.
func NewServerConn(transport Transport, handler Handler, opts *ServerOptions) *Conn {
	c := newConn(RoleServer)
	c.transport = transport
	c.handler = handler
	c.serverOpts = opts
	return c
}

// NewClientConn starts the client side of an opening handshake the same
// way: it returns the Conn (in PhaseAwaitingHandshake) together with the
// raw request bytes the caller must write to its own Transport before
// feeding back whatever the server sends.
func NewClientConn(host, path string, transport Transport, handler Handler, opts *ClientOptions) (*Conn, []byte, error) {
	if opts == nil {
		opts = &ClientOptions{}
	}
	key, err := generateClientKey()
	if err != nil {
		return nil, nil, err
	}

	c := newConn(RoleClient)
	c.transport = transport
	c.handler = handler
	c.clientKey = key

	req := buildUpgradeRequest(host, path, key, opts.Subprotocols, opts.Header)
	return c, req, nil
}

// Role reports which side of the handshake this Conn played.
func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Phase reports the connection's current position in the state diagram.
func (c *Conn) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Subprotocol returns the negotiated Sec-WebSocket-Protocol value, or ""
// if none was negotiated.
func (c *Conn) Subprotocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subprotocol
}

// SetLogger attaches a structured logger to this Conn; by default Conns
// log nothing.
func (c *Conn) SetLogger(l zerolog.Logger) {
	c.mu.Lock()
	c.log = l
	c.mu.Unlock()
}

// Feed is the single entry point for inbound bytes (spec.md §4.4.2,
// "receive loop"). It appends data to the connection's receive buffer,
// then parses and dispatches as many complete handshake messages or
// frames as the buffer now contains, leaving any trailing partial one
// for the next call. It is not safe to call Feed concurrently with
// itself from multiple goroutines — exactly one reader is expected to
// own a given Conn's inbound stream, matching a Transport's single read
// pump.
func (c *Conn) Feed(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseClosed {
		return ErrClosed
	}

	if len(c.recvBuf)+len(data) > MaxBufferSize {
		c.failLocked(ErrBufferExceeded)
		return ErrBufferExceeded
	}
	c.recvBuf = append(c.recvBuf, data...)

	for {
		switch c.phase {
		case PhaseAwaitingHandshake:
			advanced, err := c.stepHandshakeLocked()
			if err != nil {
				return err
			}
			if !advanced {
				return nil
			}

		case PhaseOpen, PhaseClosing:
			advanced, err := c.stepFrameLocked()
			if err != nil {
				return err
			}
			if !advanced {
				return nil
			}

		case PhaseClosed:
			return nil
		}
	}
}

// stepHandshakeLocked attempts to parse one opening handshake out of
// recvBuf. It reports advanced=true if it made progress (even if that
// progress was failing the connection), so Feed's loop can decide
// whether to keep going.
func (c *Conn) stepHandshakeLocked() (advanced bool, err error) {
	if c.role == RoleServer {
		req, status, perr := parseUpgradeRequest(c.recvBuf)
		switch status {
		case handshakeIncomplete:
			return false, nil
		case handshakeRejected:
			if c.transport != nil {
				_ = c.transport.Write(buildRejectResponse(perr.Error()))
			}
			c.failLocked(perr)
			return true, perr
		}

		c.recvBuf = c.recvBuf[req.consumed:]

		var serverProtos []string
		var originCheck func(string, string) bool
		if c.serverOpts != nil {
			serverProtos = c.serverOpts.Subprotocols
			originCheck = c.serverOpts.CheckOrigin
		}
		if originCheck == nil {
			tlsUsed := false
			if ta, ok := c.transport.(tlsAwareTransport); ok {
				tlsUsed = ta.IsTLS()
			}
			originCheck = func(host, origin string) bool { return checkSameOrigin(host, origin, tlsUsed) }
		}
		if !originCheck(req.host, req.origin) {
			if c.transport != nil {
				_ = c.transport.Write(buildRejectResponse(ErrOriginDenied.Error()))
			}
			c.failLocked(ErrOriginDenied)
			return true, ErrOriginDenied
		}

		c.subprotocol = negotiateSubprotocol(req.subprotocols, serverProtos)
		if c.transport != nil {
			if werr := c.transport.Write(buildUpgradeResponse(req, c.subprotocol)); werr != nil {
				c.failLocked(werr)
				return true, werr
			}
		}
		c.openLocked()
		return true, nil
	}

	resp, status, perr := parseUpgradeResponse(c.recvBuf, c.clientKey)
	switch status {
	case handshakeIncomplete:
		return false, nil
	case handshakeRejected:
		c.failLocked(perr)
		return true, perr
	}
	c.recvBuf = c.recvBuf[resp.consumed:]
	c.subprotocol = resp.subprotocol
	c.openLocked()
	return true, nil
}

// openLocked transitions to PhaseOpen and notifies the handler. Called
// with mu held.
func (c *Conn) openLocked() {
	c.phase = PhaseOpen
	c.log.Debug().Stringer("role", c.role).Str("conn", c.ID.String()).Msg("websocket handshake complete")
	if c.handler != nil {
		c.mu.Unlock()
		c.handler.OnOpen(c)
		c.mu.Lock()
	}
}

// stepFrameLocked decodes and dispatches exactly one frame from recvBuf,
// if a complete one is present.
func (c *Conn) stepFrameLocked() (advanced bool, err error) {
	f, status, derr := decodeFrame(c.recvBuf)
	switch status {
	case statusIncomplete:
		return false, nil
	case statusProtocolError:
		c.failLocked(derr)
		return true, derr
	}
	c.recvBuf = c.recvBuf[f.consumed:]

	if c.role == RoleServer && !f.Masked {
		c.failLocked(ErrMaskRequired)
		return true, ErrMaskRequired
	}
	if c.role == RoleClient && f.Masked {
		c.failLocked(ErrMaskNotAllowed)
		return true, ErrMaskNotAllowed
	}

	if derr := c.dispatchLocked(f); derr != nil {
		c.failLocked(derr)
		return true, derr
	}
	return true, nil
}

// dispatchLocked implements spec.md §4.4.3's frame dispatch: control
// frames act immediately regardless of fragmentation state; data frames
// either complete immediately (Fin) or accumulate (fragmented).
func (c *Conn) dispatchLocked(f *Frame) error {
	switch f.Opcode {
	case OpPing:
		return c.sendControlLocked(OpPong, f.Payload)

	case OpPong:
		return nil

	case OpClose:
		return c.handleCloseFrameLocked(f.Payload)

	case OpText, OpBinary:
		if c.fragActive {
			return ErrFragmentInProgress
		}
		if f.Fin {
			if f.Opcode == OpText && !validateUTF8(f.Payload) {
				return ErrInvalidUTF8
			}
			return c.deliverLocked(f.Payload, f.Opcode)
		}
		c.fragActive = true
		c.fragOpcode = f.Opcode
		c.fragBuf.Reset()
		c.fragValid = utf8Validator{}
		c.fragBuf.Write(f.Payload)
		if f.Opcode == OpText && !c.fragValid.write(f.Payload) {
			return ErrInvalidUTF8
		}
		return nil

	case OpContinuation:
		if !c.fragActive {
			return ErrUnexpectedContinuation
		}
		if c.fragBuf.Len()+len(f.Payload) > MaxBufferSize {
			return ErrBufferExceeded
		}
		if c.fragOpcode == OpText && !c.fragValid.write(f.Payload) {
			return ErrInvalidUTF8
		}
		c.fragBuf.Write(f.Payload)
		if !f.Fin {
			return nil
		}
		if c.fragOpcode == OpText && !c.fragValid.final() {
			return ErrInvalidUTF8
		}
		opcode := c.fragOpcode
		payload := make([]byte, c.fragBuf.Len())
		copy(payload, c.fragBuf.Bytes())
		c.fragActive = false
		c.fragBuf.Reset()
		return c.deliverLocked(payload, opcode)

	default:
		return ErrInvalidOpcode
	}
}

// deliverLocked hands a complete message to the handler, releasing mu
// for the duration so the handler can itself call Send/Close without
// deadlocking.
func (c *Conn) deliverLocked(payload []byte, opcode Opcode) error {
	if c.handler == nil {
		return nil
	}
	c.mu.Unlock()
	c.handler.OnMessage(c, payload, opcode)
	c.mu.Lock()
	return nil
}

// handleCloseFrameLocked implements the closing handshake (RFC 6455
// Section 7.1.2, spec.md §4.4.4): the first Close frame either completes
// a close this side already initiated, or must be echoed before the
// connection tears down.
func (c *Conn) handleCloseFrameLocked(payload []byte) error {
	// spec.md §4.4.2: default to 1000 when the peer's Close carries no
	// status at all, never to the reserved 1005 (CloseNoStatusReceived is
	// RFC 6455 Section 7.4.1's named constant for that case, and it MUST
	// NOT appear on the wire).
	code := CloseNormalClosure
	reason := ""

	if len(payload) == 1 {
		return ErrMalformedClose
	}
	if len(payload) >= 2 {
		raw := binary.BigEndian.Uint16(payload[:2])
		// reason is parsed regardless of whether the status code itself
		// validates, so an echoed Close/OnClose still carries whatever
		// text the peer sent (original_source/aiowebsockets/protocol.go
		// forwards frame.data[2:] even when status gets remapped).
		reason = string(payload[2:])
		if !validateUTF8(payload[2:]) {
			return ErrInvalidUTF8
		}
		if isValidCloseCode(raw) {
			code = CloseCode(raw)
		} else {
			code = CloseProtocolError
		}
	}

	c.closeRecv = true
	wasInitiator := c.closeSent

	if !wasInitiator {
		_ = c.sendCloseLocked(code, reason)
	}

	c.finishCloseLocked(code, reason)
	return nil
}

// sendControlLocked writes a control frame (Ping/Pong/Close) directly,
// bypassing the fragmentation bookkeeping Send/data frames use — control
// frames are never fragmented (RFC 6455 Section 5.5).
func (c *Conn) sendControlLocked(opcode Opcode, payload []byte) error {
	if len(payload) > maxControlPayload {
		return ErrControlTooLarge
	}
	wire, err := encodeFrame(true, opcode, payload, c.role == RoleClient)
	if err != nil {
		return err
	}
	if c.transport == nil {
		return nil
	}
	return c.transport.Write(wire)
}

func (c *Conn) sendCloseLocked(code CloseCode, reason string) error {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[:2], uint16(code))
	copy(payload[2:], reason)
	c.closeSent = true
	if c.phase == PhaseOpen {
		c.phase = PhaseClosing
	}
	return c.sendControlLocked(OpClose, payload)
}

// finishCloseLocked completes the close handshake: both directions have
// now either sent or received a Close frame, so the transport is torn
// down and the handler is notified exactly once.
func (c *Conn) finishCloseLocked(code CloseCode, reason string) {
	if c.phase == PhaseClosed {
		return
	}
	c.phase = PhaseClosed
	if c.transport != nil {
		_ = c.transport.Close()
	}
	c.log.Debug().Stringer("role", c.role).Str("conn", c.ID.String()).
		Uint16("code", uint16(code)).Msg("websocket closed")
	if c.handler != nil {
		c.mu.Unlock()
		c.handler.OnClose(c, code, reason)
		c.mu.Lock()
	}
}

// failLocked maps a protocol error to its close code (spec.md §7), sends
// a best-effort Close frame carrying it, and tears the connection down.
// Called with mu held; the send is attempted even though the connection
// never reaches PhaseOpen again, so the peer gets a reason rather than a
// bare TCP reset when possible.
func (c *Conn) failLocked(err error) {
	if c.phase == PhaseClosed {
		return
	}
	code := errToCloseCode(err)
	if c.phase != PhaseAwaitingHandshake {
		_ = c.sendCloseLocked(code, "")
	}
	c.log.Debug().Stringer("role", c.role).Str("conn", c.ID.String()).
		Err(err).Uint16("code", uint16(code)).Msg("websocket protocol failure")
	c.finishCloseLocked(code, err.Error())
}

// handleTransportClosed is called by a Transport's read pump when the
// underlying connection reports EOF or an error without a Close frame
// ever arriving — RFC 6455's abnormal closure (spec.md: CloseAbnormalClosure).
func (c *Conn) handleTransportClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseClosed {
		return
	}
	c.phase = PhaseClosed
	if c.handler != nil {
		c.mu.Unlock()
		c.handler.OnClose(c, CloseAbnormalClosure, "")
		c.mu.Lock()
	}
}

// Send writes a single, unfragmented data frame (spec.md §4.4.5): large
// messages are sent as one frame rather than split across continuations,
// matching the teacher's documented limitation rather than inventing an
// outbound fragmentation policy the spec doesn't ask for.
func (c *Conn) Send(payload []byte, opcode Opcode) error {
	if opcode != OpText && opcode != OpBinary {
		return ErrInvalidOpcode
	}
	if opcode == OpText && !validateUTF8(payload) {
		return ErrInvalidUTF8
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseOpen {
		return ErrClosed
	}

	wire, err := encodeFrame(true, opcode, payload, c.role == RoleClient)
	if err != nil {
		return err
	}
	if c.transport == nil {
		return nil
	}
	return c.transport.Write(wire)
}

// Ping sends a Ping control frame with optional application data (max
// 125 bytes).
func (c *Conn) Ping(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseOpen {
		return ErrClosed
	}
	return c.sendControlLocked(OpPing, data)
}

// Close performs the active side of the closing handshake (RFC 6455
// Section 7.1.2): it sends a Close frame, moves to PhaseClosing and
// closes the transport. If the peer's Close has already arrived, the
// connection finishes closing immediately; otherwise it stays in
// PhaseClosing until a peer Close is fed through Feed or the transport
// reports that it closed. Before the handshake completes, Close just
// closes the transport and calls OnClose. Idempotent.
func (c *Conn) Close(code CloseCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.phase == PhaseClosed || c.phase == PhaseAwaitingHandshake {
			wasAwaiting := c.phase == PhaseAwaitingHandshake
			c.phase = PhaseClosed
			if c.transport != nil {
				err = c.transport.Close()
			}
			if wasAwaiting && c.handler != nil {
				c.mu.Unlock()
				c.handler.OnClose(c, code, reason)
				c.mu.Lock()
			}
			return
		}
		err = c.sendCloseLocked(code, reason)
		if c.transport != nil {
			if cerr := c.transport.Close(); err == nil {
				err = cerr
			}
		}
		if c.closeRecv {
			c.finishCloseLocked(code, reason)
		}
	})
	return err
}

// errToCloseCode maps a dispatch/decode sentinel error to the close code
// spec.md §7's taxonomy assigns it.
func errToCloseCode(err error) CloseCode {
	switch {
	case err == ErrInvalidUTF8:
		return CloseInvalidFramePayloadData
	case err == ErrBufferExceeded:
		return CloseMessageTooBig
	case err == ErrReservedBits, err == ErrInvalidOpcode, err == ErrControlFragmented,
		err == ErrControlTooLarge, err == ErrFrameTooLarge, err == ErrNonMinimalLength,
		err == ErrMaskRequired, err == ErrMaskNotAllowed, err == ErrUnexpectedContinuation,
		err == ErrFragmentInProgress, err == ErrMalformedClose:
		return CloseProtocolError
	default:
		return CloseInternalServerErr
	}
}
