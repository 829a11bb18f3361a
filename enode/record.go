// Package enode represents remote Ethereum node identities.
//
// A node record names a single peer by its uncompressed secp256k1 public key
// (64 bytes, without the 0x04 prefix byte) together with the TCP endpoint it
// listens on, in the textual form used by Ethereum tooling:
//
//	enode://<128 hex chars>@<host>:<port>
//
// The scheme prefix is optional. Parsing is strict: the string must split
// into exactly two parts on '@' and the endpoint into exactly two parts on
// ':', the key must decode to exactly 64 bytes and be a valid curve point,
// and the port must be a non-zero 16-bit integer.
package enode

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// IDLength is the size of a node identifier: an uncompressed public key
// without its format byte.
const IDLength = 64

// Scheme is the optional URI scheme prefix accepted by ParseRecord.
const Scheme = "enode://"

// ErrInvalidRecord indicates a node record string that does not match the
// required <hex-id>@<host>:<port> form.
var ErrInvalidRecord = errors.New("invalid node record")

// ID is a node identifier, the uncompressed public key minus the prefix byte.
type ID [IDLength]byte

// String returns the identifier as lowercase hex.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Record identifies a remote node and where to reach it.
// A Record is immutable after parsing and is valid for one session attempt.
type Record struct {
	ID   ID
	Host string
	Port uint16
}

// ParseRecord parses a node record string.
// All failures wrap ErrInvalidRecord so callers can classify them as input
// errors without inspecting the detail text.
func ParseRecord(s string) (*Record, error) {
	raw := strings.TrimPrefix(s, Scheme)

	parts := strings.Split(raw, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: expected exactly one '@' separator", ErrInvalidRecord)
	}

	id, err := parseID(parts[0])
	if err != nil {
		return nil, err
	}

	host, port, err := parseEndpoint(parts[1])
	if err != nil {
		return nil, err
	}

	r := &Record{ID: id, Host: host, Port: port}
	if _, err := r.Pubkey(); err != nil {
		return nil, fmt.Errorf("%w: identifier is not a valid public key", ErrInvalidRecord)
	}
	return r, nil
}

// parseID decodes the hex node identifier portion of a record.
func parseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: identifier is not hex: %v", ErrInvalidRecord, err)
	}
	if len(b) != IDLength {
		return id, fmt.Errorf("%w: identifier must be %d bytes, got %d", ErrInvalidRecord, IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// parseEndpoint splits and validates the host:port portion of a record.
func parseEndpoint(s string) (string, uint16, error) {
	hp := strings.Split(s, ":")
	if len(hp) != 2 {
		return "", 0, fmt.Errorf("%w: endpoint must be host:port", ErrInvalidRecord)
	}
	host := hp[0]
	if host == "" {
		return "", 0, fmt.Errorf("%w: empty host", ErrInvalidRecord)
	}
	port, err := strconv.ParseUint(hp[1], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: bad port %q", ErrInvalidRecord, hp[1])
	}
	if port == 0 {
		return "", 0, fmt.Errorf("%w: port must be non-zero", ErrInvalidRecord)
	}
	return host, uint16(port), nil
}

// Pubkey recovers the full ECDSA public key from the node identifier.
func (r *Record) Pubkey() (*ecdsa.PublicKey, error) {
	raw := make([]byte, IDLength+1)
	raw[0] = 4 // uncompressed point format byte
	copy(raw[1:], r.ID[:])
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid node identifier: %w", err)
	}
	return pub, nil
}

// Addr returns the dialable TCP endpoint of the record.
func (r *Record) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// String re-serializes the record in canonical enode form.
func (r *Record) String() string {
	return Scheme + r.ID.String() + "@" + r.Addr()
}

// PubkeyToID derives the node identifier for a public key. It is the inverse
// of Record.Pubkey and is used to announce the local identity in greetings.
func PubkeyToID(pub *ecdsa.PublicKey) ID {
	var id ID
	copy(id[:], crypto.FromECDSAPub(pub)[1:])
	return id
}
