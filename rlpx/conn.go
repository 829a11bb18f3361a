package rlpx

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Conn wraps a byte stream with the RLPx transport. Frame I/O is only
// available after Handshake or InitWithSecrets. A Conn carries exactly one
// logical thread of control: one in-flight read and one in-flight write.
type Conn struct {
	conn     net.Conn
	dialDest *ecdsa.PublicKey
	random   io.Reader

	secrets Secrets
	sess    *session

	log *logrus.Entry
}

// NewConn wraps an open stream. dialDest is the identity of the remote node
// when dialing; pass nil on the listening side, where the identity is
// learned from the handshake.
func NewConn(conn net.Conn, dialDest *ecdsa.PublicKey) *Conn {
	return &Conn{
		conn:     conn,
		dialDest: dialDest,
		random:   rand.Reader,
		log:      logrus.WithField("component", "rlpx"),
	}
}

// SetRandomSource replaces the randomness used by the handshake. Tests
// substitute a deterministic source for reproducible exchanges.
func (c *Conn) SetRandomSource(r io.Reader) {
	c.random = r
}

// Handshake runs the key agreement in the role implied by NewConn and
// returns the authenticated remote identity. It is run at most once; the
// caller decides whether to reconnect after a failure.
func (c *Conn) Handshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	if c.sess != nil {
		return nil, errors.New("handshake already completed")
	}

	var (
		sec Secrets
		err error
	)
	if c.dialDest != nil {
		sec, err = initiatorHandshake(c.conn, prv, c.dialDest, c.random)
	} else {
		sec, err = responderHandshake(c.conn, prv, c.random)
	}
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"remote": c.conn.RemoteAddr(),
			"error":  err,
		}).Debug("Key agreement failed")
		return nil, err
	}

	if err := c.InitWithSecrets(sec); err != nil {
		return nil, err
	}
	c.log.WithField("remote", c.conn.RemoteAddr()).Debug("Key agreement complete")
	return sec.remote, nil
}

// InitWithSecrets sets up the frame layer from externally derived secrets.
// Handshake calls it internally; tests use it to build matched codec pairs.
func (c *Conn) InitWithSecrets(sec Secrets) error {
	sess, err := newSession(sec)
	if err != nil {
		return err
	}
	c.secrets = sec
	c.sess = sess
	return nil
}

// WriteFrame encrypts, authenticates and sends one frame.
func (c *Conn) WriteFrame(payload []byte) error {
	if c.sess == nil {
		return ErrNoSecrets
	}
	return c.sess.writeFrame(c.conn, payload)
}

// ReadFrame receives, authenticates and decrypts one frame. A MAC failure
// poisons the ingress chain; the connection must be closed.
func (c *Conn) ReadFrame() ([]byte, error) {
	if c.sess == nil {
		return nil, ErrNoSecrets
	}
	return c.sess.readFrame(c.conn)
}

// RemotePubkey returns the authenticated remote identity, or nil before the
// handshake.
func (c *Conn) RemotePubkey() *ecdsa.PublicKey {
	return c.secrets.remote
}

// SetDeadline sets the read and write deadline of the underlying stream.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline of the underlying stream.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline of the underlying stream.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close wipes the session secrets and closes the underlying stream.
func (c *Conn) Close() error {
	c.secrets.wipe()
	c.sess = nil
	return c.conn.Close()
}
