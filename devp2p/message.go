// Package devp2p implements the base-protocol message codec spoken inside
// RLPx frames.
//
// Every message is an RLP-encoded code item followed by an RLP body item:
//
//	msg = rlp(code) || rlp(body)
//
// The package covers the base protocol set (Hello, Disconnect, Ping, Pong)
// and decodes unrecognized codes into an Unknown value instead of failing,
// so newer peers remain readable.
//
// Example:
//
//	payload, err := devp2p.Encode(&devp2p.Hello{Version: 5, Name: "rlpxping/v0.1.0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	msg, err := devp2p.Decode(payload)
package devp2p

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/opd-ai/rlpxping/enode"
)

// Base protocol message codes.
const (
	CodeHello      uint64 = 0x00
	CodeDisconnect uint64 = 0x01
	CodePing       uint64 = 0x02
	CodePong       uint64 = 0x03
)

// ErrDecode indicates a payload that could not be interpreted as a message.
var ErrDecode = errors.New("message decode failed")

// Message is one decoded base-protocol message.
type Message interface {
	// Code returns the message discriminant.
	Code() uint64
}

// Cap announces support for one protocol capability in a Hello message.
type Cap struct {
	Name    string
	Version uint
}

// String returns the capability in name/version form.
func (c Cap) String() string {
	return fmt.Sprintf("%s/%d", c.Name, c.Version)
}

// Hello is the greeting exchanged right after the encryption handshake. It
// announces the base protocol version, the client identifier, the supported
// capabilities, the local listening port and the node identifier.
type Hello struct {
	Version    uint64
	Name       string
	Caps       []Cap
	ListenPort uint64
	ID         enode.ID

	// Ignore extra fields sent by newer peers.
	Rest []rlp.RawValue `rlp:"tail"`
}

// Code implements Message.
func (h *Hello) Code() uint64 { return CodeHello }

// Disconnect tells the peer the connection is about to be torn down.
type Disconnect struct {
	Reason Reason
}

// Code implements Message.
func (d *Disconnect) Code() uint64 { return CodeDisconnect }

// Ping is an empty base-protocol liveness probe.
type Ping struct{}

// Code implements Message.
func (p *Ping) Code() uint64 { return CodePing }

// Pong answers a Ping.
type Pong struct{}

// Code implements Message.
func (p *Pong) Code() uint64 { return CodePong }

// Unknown carries a message with an unrecognized code. The body is kept
// verbatim so it can be logged or re-encoded unchanged.
type Unknown struct {
	MsgCode uint64
	Data    []byte
}

// Code implements Message.
func (u *Unknown) Code() uint64 { return u.MsgCode }

// Encode serializes a message to the payload carried inside one frame.
func Encode(msg Message) ([]byte, error) {
	head, err := rlp.EncodeToBytes(msg.Code())
	if err != nil {
		return nil, err
	}

	var body []byte
	switch m := msg.(type) {
	case *Hello:
		body, err = rlp.EncodeToBytes(m)
	case *Disconnect:
		// Always the canonical one-element list form.
		body, err = rlp.EncodeToBytes(struct{ Reason Reason }{m.Reason})
	case *Ping, *Pong:
		body = []byte{0xC0} // empty list
	case *Unknown:
		body = m.Data
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}
	if err != nil {
		return nil, err
	}
	return append(head, body...), nil
}

// Decode parses one frame payload into a message. Codes outside the base
// protocol set yield *Unknown; structural failures yield ErrDecode.
func Decode(payload []byte) (Message, error) {
	code, body, err := splitCode(payload)
	if err != nil {
		return nil, err
	}

	switch code {
	case CodeHello:
		var h Hello
		if err := rlp.DecodeBytes(body, &h); err != nil {
			return nil, fmt.Errorf("%w: hello: %v", ErrDecode, err)
		}
		return &h, nil
	case CodeDisconnect:
		return decodeDisconnect(body)
	case CodePing:
		return &Ping{}, nil
	case CodePong:
		return &Pong{}, nil
	default:
		return &Unknown{MsgCode: code, Data: body}, nil
	}
}

// decodeDisconnect accepts both the canonical [reason] list form and the
// bare integer some implementations send.
func decodeDisconnect(body []byte) (*Disconnect, error) {
	var list struct {
		Reason Reason
		Rest   []rlp.RawValue `rlp:"tail"`
	}
	if err := rlp.DecodeBytes(body, &list); err == nil {
		return &Disconnect{Reason: list.Reason}, nil
	}

	var plain Reason
	if err := rlp.DecodeBytes(body, &plain); err != nil {
		return nil, fmt.Errorf("%w: disconnect: %v", ErrDecode, err)
	}
	return &Disconnect{Reason: plain}, nil
}

// splitCode reads the leading RLP code item and returns it with the
// remaining body bytes. Message codes are small integers, so anything but a
// short RLP string is structurally invalid.
func splitCode(payload []byte) (uint64, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	b := payload[0]
	switch {
	case b < 0x80:
		return uint64(b), payload[1:], nil
	case b == 0x80:
		return 0, payload[1:], nil
	case b <= 0x88:
		n := int(b - 0x80)
		if len(payload) < 1+n {
			return 0, nil, fmt.Errorf("%w: truncated code item", ErrDecode)
		}
		var code uint64
		for _, c := range payload[1 : 1+n] {
			code = code<<8 | uint64(c)
		}
		return code, payload[1+n:], nil
	default:
		return 0, nil, fmt.Errorf("%w: invalid code item 0x%02x", ErrDecode, b)
	}
}
