// Package session drives one complete client session against a remote node:
// connect, run the RLPx key agreement, exchange greetings, and tear the
// connection down.
//
// A session is strictly linear. Every blocking step is bounded by a
// configured timeout, each state is entered at most once, and any failure
// moves the session to the terminal Failed state. There is no retry logic
// anywhere in the package; callers that want retries run a new session.
package session

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rlpxping/devp2p"
	"github.com/opd-ai/rlpxping/enode"
	"github.com/opd-ai/rlpxping/rlpx"
)

// baseProtocolVersion is the devp2p base protocol version announced in the
// greeting.
const baseProtocolVersion = 5

// State identifies where a session is in its linear lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateGreetingSent
	StateAwaitingGreeting
	StateEstablished
	StateDisconnecting
	StateClosed
	StateFailed
)

var stateText = map[State]string{
	StateDisconnected:     "disconnected",
	StateConnecting:       "connecting",
	StateHandshaking:      "handshaking",
	StateGreetingSent:     "greeting sent",
	StateAwaitingGreeting: "awaiting greeting",
	StateEstablished:      "established",
	StateDisconnecting:    "disconnecting",
	StateClosed:           "closed",
	StateFailed:           "failed",
}

// String returns the state name.
func (s State) String() string {
	if t, ok := stateText[s]; ok {
		return t
	}
	return "unknown"
}

// Config holds the session knobs.
type Config struct {
	// ConnectTimeout bounds the TCP connect.
	ConnectTimeout time.Duration

	// ReadTimeout bounds each handshake message exchange and the greeting
	// receive.
	ReadTimeout time.Duration

	// ClientName is announced in the greeting.
	ClientName string

	// Caps are the capabilities announced in the greeting. The peer's
	// capability list is logged but not matched.
	Caps []devp2p.Cap

	// ListenPort announced in the greeting; zero means not listening.
	ListenPort uint16

	// Dial opens the stream to the peer. Nil uses a plain net.Dialer; the
	// context passed in carries the ConnectTimeout bound either way.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    5 * time.Second,
		ClientName:     fmt.Sprintf("rlpxping/v0.1.0 (%s-%s)", runtime.GOOS, runtime.GOARCH),
		Caps:           []devp2p.Cap{{Name: "eth", Version: 68}},
	}
}

// Session runs one handshake attempt against one remote node.
type Session struct {
	cfg    Config
	record *enode.Record
	key    *ecdsa.PrivateKey

	mu    sync.Mutex
	state State
	err   error

	conn *rlpx.Conn
	log  *logrus.Entry
}

// New prepares a session for the given peer record using the local identity
// key. Nothing happens on the wire until Run.
func New(record *enode.Record, key *ecdsa.PrivateKey, cfg Config) *Session {
	return &Session{
		cfg:    cfg,
		record: record,
		key:    key,
		state:  StateDisconnected,
		log: logrus.WithFields(logrus.Fields{
			"component": "session",
			"peer":      record.Addr(),
		}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run executes the whole session: connect, key agreement, greeting exchange,
// disconnect, close. It is called exactly once per Session.
func (s *Session) Run(ctx context.Context) error {
	if err := s.run(ctx); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

func (s *Session) run(ctx context.Context) error {
	s.setState(StateConnecting)
	remotePub, err := s.record.Pubkey()
	if err != nil {
		return &Error{Op: "identity", Addr: s.record.Addr(), Err: err}
	}

	dial := s.cfg.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	dialCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	raw, err := dial(dialCtx, "tcp", s.record.Addr())
	if err != nil {
		return s.opErr("connect", err)
	}
	s.conn = rlpx.NewConn(raw, remotePub)
	s.log.Info("Connected, starting key agreement")

	s.setState(StateHandshaking)
	s.conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout))
	if _, err := s.conn.Handshake(s.key); err != nil {
		return s.opErr("key agreement", err)
	}
	s.log.WithField("node", s.record.ID.String()[:16]).Info("Key agreement complete")

	if err := s.sendGreeting(); err != nil {
		return err
	}
	s.setState(StateGreetingSent)

	s.setState(StateAwaitingGreeting)
	msg, err := s.receiveMessage()
	if err != nil {
		return err
	}
	s.logMessage(msg)
	s.setState(StateEstablished)

	// One linear session per invocation: established means done, say goodbye.
	s.setState(StateDisconnecting)
	s.sendDisconnect()

	s.setState(StateClosed)
	if err := s.conn.Close(); err != nil {
		s.log.WithField("error", err).Debug("Close failed")
	}
	return nil
}

// sendGreeting transmits the local Hello message.
func (s *Session) sendGreeting() error {
	hello := &devp2p.Hello{
		Version:    baseProtocolVersion,
		Name:       s.cfg.ClientName,
		Caps:       s.cfg.Caps,
		ListenPort: uint64(s.cfg.ListenPort),
		ID:         enode.PubkeyToID(&s.key.PublicKey),
	}
	payload, err := devp2p.Encode(hello)
	if err != nil {
		return &Error{Op: "greeting encode", Addr: s.record.Addr(), Err: err}
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	if err := s.conn.WriteFrame(payload); err != nil {
		return s.opErr("greeting send", err)
	}
	s.log.Debug("Greeting sent")
	return nil
}

// receiveMessage blocks for exactly one inbound frame and decodes it. Any
// valid message variant counts, including a disconnect.
func (s *Session) receiveMessage() (devp2p.Message, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	frame, err := s.conn.ReadFrame()
	if err != nil {
		return nil, s.opErr("greeting receive", err)
	}
	msg, err := devp2p.Decode(frame)
	if err != nil {
		return nil, &Error{Op: "greeting decode", Addr: s.record.Addr(), Err: err}
	}
	return msg, nil
}

// sendDisconnect is best-effort teardown: a failed send is logged and the
// session still closes cleanly.
func (s *Session) sendDisconnect() {
	payload, err := devp2p.Encode(&devp2p.Disconnect{Reason: devp2p.DiscQuitting})
	if err != nil {
		s.log.WithField("error", err).Debug("Disconnect encode failed")
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	if err := s.conn.WriteFrame(payload); err != nil {
		s.log.WithField("error", err).Debug("Disconnect send failed")
		return
	}
	s.log.Debug("Disconnect sent")
}

// logMessage reports the first inbound message of the session.
func (s *Session) logMessage(msg devp2p.Message) {
	switch m := msg.(type) {
	case *devp2p.Hello:
		caps := make([]string, len(m.Caps))
		for i, c := range m.Caps {
			caps[i] = c.String()
		}
		s.log.WithFields(logrus.Fields{
			"client":   m.Name,
			"version":  m.Version,
			"caps":     caps,
			"peer_msg": "hello",
		}).Info("Received greeting")
	case *devp2p.Disconnect:
		s.log.WithFields(logrus.Fields{
			"reason":   m.Reason.String(),
			"peer_msg": "disconnect",
		}).Info("Received disconnect")
	case *devp2p.Unknown:
		s.log.WithFields(logrus.Fields{
			"code":     m.MsgCode,
			"size":     len(m.Data),
			"peer_msg": "unknown",
		}).Info("Received unrecognized message")
	default:
		s.log.WithField("code", msg.Code()).Info("Received message")
	}
}

// setState advances the machine and logs the transition.
func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.String(),
	}).Debug("State transition")
}

// fail records the terminal error, moves to Failed and releases the
// connection.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.state = StateFailed
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.log.WithFields(logrus.Fields{
		"error": err,
		"kind":  Classify(err).String(),
	}).Error("Session failed")
}

// opErr wraps a step failure, promoting expired deadlines to ErrTimeout.
func (s *Session) opErr(op string, err error) error {
	if isTimeout(err) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &Error{Op: op, Addr: s.record.Addr(), Err: err}
}
