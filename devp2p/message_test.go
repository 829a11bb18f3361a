package devp2p

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rlpxping/enode"
)

func TestHelloRoundTrip(t *testing.T) {
	var id enode.ID
	for i := range id {
		id[i] = byte(i)
	}

	hello := &Hello{
		Version:    5,
		Name:       "rlpxping/v0.1.0 (linux/amd64)",
		Caps:       []Cap{{Name: "eth", Version: 68}, {Name: "snap", Version: 1}},
		ListenPort: 30303,
		ID:         id,
	}

	payload, err := Encode(hello)
	require.NoError(t, err)
	require.Equal(t, byte(0x80), payload[0], "hello code must encode as rlp zero")

	decoded, err := Decode(payload)
	require.NoError(t, err)
	got, ok := decoded.(*Hello)
	require.True(t, ok, "expected *Hello, got %T", decoded)
	require.Equal(t, hello.Version, got.Version)
	require.Equal(t, hello.Name, got.Name)
	require.Equal(t, hello.Caps, got.Caps)
	require.Equal(t, hello.ListenPort, got.ListenPort)
	require.Equal(t, hello.ID, got.ID)
	require.Empty(t, got.Rest, "a hello without extra fields must decode with an empty tail")
}

func TestHelloRoundTripEmptyCaps(t *testing.T) {
	hello := &Hello{Version: 5, Name: "rlpxping"}

	payload, err := Encode(hello)
	require.NoError(t, err)

	decoded, err := Decode(payload)
	require.NoError(t, err)
	got := decoded.(*Hello)
	require.Equal(t, hello.Version, got.Version)
	require.Equal(t, hello.Name, got.Name)
	require.Empty(t, got.Caps)
}

func TestDisconnectRoundTrip(t *testing.T) {
	for _, reason := range []Reason{DiscRequested, DiscTooManyPeers, DiscQuitting, DiscSubprotocolError} {
		payload, err := Encode(&Disconnect{Reason: reason})
		require.NoError(t, err)

		decoded, err := Decode(payload)
		require.NoError(t, err)
		got, ok := decoded.(*Disconnect)
		require.True(t, ok)
		require.Equal(t, reason, got.Reason)
	}
}

func TestDisconnectBareInteger(t *testing.T) {
	// Some peers send the reason as a plain RLP integer, not a list.
	decoded, err := Decode([]byte{0x01, 0x04})
	require.NoError(t, err)
	got, ok := decoded.(*Disconnect)
	require.True(t, ok)
	require.Equal(t, DiscTooManyPeers, got.Reason)
}

func TestPingPongRoundTrip(t *testing.T) {
	payload, err := Encode(&Ping{})
	require.NoError(t, err)
	require.Equal(t, []byte{0x02, 0xC0}, payload)

	decoded, err := Decode(payload)
	require.NoError(t, err)
	require.IsType(t, &Ping{}, decoded)

	payload, err = Encode(&Pong{})
	require.NoError(t, err)
	decoded, err = Decode(payload)
	require.NoError(t, err)
	require.IsType(t, &Pong{}, decoded)
}

func TestUnknownCode(t *testing.T) {
	raw := []byte{0x24, 0xC2, 0x01, 0x02}
	decoded, err := Decode(raw)
	require.NoError(t, err)

	got, ok := decoded.(*Unknown)
	require.True(t, ok, "unrecognized code must decode to Unknown, got %T", decoded)
	require.Equal(t, uint64(0x24), got.Code())
	require.Equal(t, raw[1:], got.Data)

	// Re-encoding preserves the original bytes.
	again, err := Encode(got)
	require.NoError(t, err)
	require.Equal(t, raw, again)
}

func TestDecodeFailures(t *testing.T) {
	hello, err := Encode(&Hello{Version: 5, Name: "x"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: nil},
		{name: "truncated hello", payload: hello[:len(hello)-2]},
		{name: "hello with no body", payload: []byte{0x80}},
		{name: "disconnect with no body", payload: []byte{0x01}},
		{name: "list as code", payload: []byte{0xC2, 0x01, 0x02}},
		{name: "truncated code item", payload: []byte{0x82, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.payload)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrDecode), "expected ErrDecode, got %v", err)
		})
	}
}

func TestReasonString(t *testing.T) {
	require.Equal(t, "client quitting", DiscQuitting.String())
	require.Contains(t, Reason(0x42).String(), "unknown")
}
