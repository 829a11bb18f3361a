package rlpx

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"
)

// Handshake wire constants (EIP-8).
const (
	sskLen = 16 // shared-secret half length fed to the ECIES KDF
	sigLen = 65 // recoverable secp256k1 signature
	pubLen = 64 // uncompressed public key without the format byte
	shaLen = 32 // nonce and hash length

	eciesOverhead = 65 /* ephemeral pubkey */ + 16 /* IV */ + 32 /* MAC */

	handshakeVersion = 4

	// Upper bound on an incoming sealed handshake message. The size field is
	// 16 bits, but a conforming auth or ack packet with padding never comes
	// close to this.
	maxHandshakeSize = 2048
)

// Secrets holds the symmetric session material derived by the handshake:
// the AES and MAC secrets plus the two directional Keccak MAC chain states.
// Secrets are derived exactly once per connection and belong to it until
// Close wipes them.
type Secrets struct {
	AES, MAC              []byte
	EgressMAC, IngressMAC hash.Hash
	remote                *ecdsa.PublicKey
}

// RemotePubkey returns the authenticated identity of the peer.
func (s *Secrets) RemotePubkey() *ecdsa.PublicKey { return s.remote }

// wipe destroys the symmetric key material.
func (s *Secrets) wipe() {
	ZeroBytes(s.AES)
	ZeroBytes(s.MAC)
	s.EgressMAC, s.IngressMAC = nil, nil
}

// handshakeState tracks one key-agreement exchange. The ephemeral private
// key lives only for the duration of the exchange and is wiped before the
// derived secrets are returned, whether or not the exchange succeeded.
type handshakeState struct {
	initiator bool
	remote    *ecies.PublicKey

	initNonce, respNonce []byte
	ephemeralKey         *ecies.PrivateKey
	remoteEphemeral      *ecies.PublicKey
}

// Auth message sent by the initiator, sealed to the responder's identity key.
type authMsgV4 struct {
	Signature       [sigLen]byte
	InitiatorPubkey [pubLen]byte
	Nonce           [shaLen]byte
	Version         uint

	// Ignore extra fields sent by newer peers.
	Rest []rlp.RawValue `rlp:"tail"`
}

// Ack message sent by the responder, sealed to the initiator's identity key.
type authRespV4 struct {
	RandomPubkey [pubLen]byte
	Nonce        [shaLen]byte
	Version      uint

	Rest []rlp.RawValue `rlp:"tail"`
}

// initiatorHandshake runs the dialing side of the key agreement and derives
// the session secrets. It is attempted exactly once per connection; the
// caller owns any reconnect policy.
func initiatorHandshake(rw io.ReadWriter, prv *ecdsa.PrivateKey, remote *ecdsa.PublicKey, rand io.Reader) (s Secrets, err error) {
	h := &handshakeState{initiator: true, remote: ecies.ImportECDSAPublic(remote)}
	defer h.wipeEphemeral()

	authMsg, err := h.makeAuthMsg(prv, rand)
	if err != nil {
		return s, err
	}
	authPacket, err := sealEIP8(authMsg, h.remote, rand)
	if err != nil {
		return s, err
	}
	if _, err = rw.Write(authPacket); err != nil {
		return s, err
	}

	authRespMsg := new(authRespV4)
	authRespPacket, err := readHandshakeMsg(authRespMsg, prv, rw)
	if err != nil {
		return s, err
	}
	if err = h.handleAuthResp(authRespMsg); err != nil {
		return s, err
	}

	s, err = h.secrets(authPacket, authRespPacket)
	if err == nil {
		s.remote = remote
	}
	return s, err
}

// responderHandshake runs the listening side of the key agreement. The
// initiator's identity is learned from the auth message and returned inside
// the secrets.
func responderHandshake(rw io.ReadWriter, prv *ecdsa.PrivateKey, rand io.Reader) (s Secrets, err error) {
	h := new(handshakeState)
	defer h.wipeEphemeral()

	authMsg := new(authMsgV4)
	authPacket, err := readHandshakeMsg(authMsg, prv, rw)
	if err != nil {
		return s, err
	}
	if err = h.handleAuthMsg(authMsg, prv, rand); err != nil {
		return s, err
	}

	authRespMsg := h.makeAuthResp()
	authRespPacket, err := sealEIP8(authRespMsg, h.remote, rand)
	if err != nil {
		return s, err
	}
	if _, err = rw.Write(authRespPacket); err != nil {
		return s, err
	}

	s, err = h.secrets(authPacket, authRespPacket)
	if err == nil {
		pub := h.remote.ExportECDSA()
		s.remote = pub
	}
	return s, err
}

// makeAuthMsg builds the initiator's auth message: a recoverable signature of
// the static shared secret XOR the fresh nonce, made with the fresh ephemeral
// key so the responder can recover the ephemeral public key.
func (h *handshakeState) makeAuthMsg(prv *ecdsa.PrivateKey, rand io.Reader) (*authMsgV4, error) {
	h.initNonce = make([]byte, shaLen)
	if _, err := io.ReadFull(rand, h.initNonce); err != nil {
		return nil, err
	}

	var err error
	h.ephemeralKey, err = generateKey(rand)
	if err != nil {
		return nil, err
	}

	token, err := h.staticSharedSecret(prv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	signed := xor(token, h.initNonce)

	signature, err := crypto.Sign(signed, h.ephemeralKey.ExportECDSA())
	if err != nil {
		return nil, err
	}

	msg := new(authMsgV4)
	copy(msg.Signature[:], signature)
	copy(msg.InitiatorPubkey[:], crypto.FromECDSAPub(&prv.PublicKey)[1:])
	copy(msg.Nonce[:], h.initNonce)
	msg.Version = handshakeVersion
	return msg, nil
}

// handleAuthMsg processes the initiator's auth message on the responder side
// and recovers the initiator's ephemeral public key from the signature.
func (h *handshakeState) handleAuthMsg(msg *authMsgV4, prv *ecdsa.PrivateKey, rand io.Reader) error {
	rpub, err := importPublicKey(msg.InitiatorPubkey[:])
	if err != nil {
		return fmt.Errorf("%w: initiator pubkey: %v", ErrBadHandshake, err)
	}
	h.initNonce = msg.Nonce[:]
	h.remote = rpub

	h.respNonce = make([]byte, shaLen)
	if _, err := io.ReadFull(rand, h.respNonce); err != nil {
		return err
	}
	h.ephemeralKey, err = generateKey(rand)
	if err != nil {
		return err
	}

	// Verify the signature against the asserted identity by recovering the
	// ephemeral key from it. A forged identity yields a garbage ephemeral
	// key and the recovery or the first frame MAC fails closed.
	token, err := h.staticSharedSecret(prv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	signed := xor(token, h.initNonce)
	remoteEphemeral, err := crypto.Ecrecover(signed, msg.Signature[:])
	if err != nil {
		return fmt.Errorf("%w: signature recovery: %v", ErrAuthentication, err)
	}
	h.remoteEphemeral, err = importPublicKey(remoteEphemeral)
	if err != nil {
		return fmt.Errorf("%w: recovered ephemeral key: %v", ErrAuthentication, err)
	}
	return nil
}

// makeAuthResp builds the responder's ack message.
func (h *handshakeState) makeAuthResp() *authRespV4 {
	msg := new(authRespV4)
	copy(msg.Nonce[:], h.respNonce)
	copy(msg.RandomPubkey[:], exportPubkey(&h.ephemeralKey.PublicKey))
	msg.Version = handshakeVersion
	return msg
}

// handleAuthResp processes the responder's ack on the initiator side.
func (h *handshakeState) handleAuthResp(msg *authRespV4) error {
	h.respNonce = msg.Nonce[:]
	var err error
	h.remoteEphemeral, err = importPublicKey(msg.RandomPubkey[:])
	if err != nil {
		return fmt.Errorf("%w: responder ephemeral key: %v", ErrBadHandshake, err)
	}
	return nil
}

// secrets derives the session key material from the completed exchange.
// Each directional MAC chain is seeded with the MAC secret XOR the peer's
// nonce and then fed the opposite party's sealed handshake message, so the
// two directions share no state.
func (h *handshakeState) secrets(auth, authResp []byte) (Secrets, error) {
	ecdheSecret, err := h.ephemeralKey.GenerateShared(h.remoteEphemeral, sskLen, sskLen)
	if err != nil {
		return Secrets{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	defer ZeroBytes(ecdheSecret)

	sharedSecret := crypto.Keccak256(ecdheSecret, crypto.Keccak256(h.respNonce, h.initNonce))
	aesSecret := crypto.Keccak256(ecdheSecret, sharedSecret)
	s := Secrets{
		AES: aesSecret,
		MAC: crypto.Keccak256(ecdheSecret, aesSecret),
	}

	mac1 := sha3.NewLegacyKeccak256()
	mac1.Write(xor(s.MAC, h.respNonce))
	mac1.Write(auth)
	mac2 := sha3.NewLegacyKeccak256()
	mac2.Write(xor(s.MAC, h.initNonce))
	mac2.Write(authResp)
	if h.initiator {
		s.EgressMAC, s.IngressMAC = mac1, mac2
	} else {
		s.EgressMAC, s.IngressMAC = mac2, mac1
	}
	return s, nil
}

// generateKey derives a fresh key-agreement private key from the randomness
// source. Scalar candidates are read straight off the source, so a
// deterministic reader yields a deterministic key; the library generators
// cannot promise that because they may consume an extra pacing byte.
// Out-of-range candidates are discarded and the next 32 bytes tried.
func generateKey(rand io.Reader) (*ecies.PrivateKey, error) {
	buf := make([]byte, shaLen)
	defer ZeroBytes(buf)
	for i := 0; i < 128; i++ {
		if _, err := io.ReadFull(rand, buf); err != nil {
			return nil, err
		}
		key, err := crypto.ToECDSA(buf)
		if err != nil {
			continue
		}
		return ecies.ImportECDSA(key), nil
	}
	return nil, fmt.Errorf("no valid key material from randomness source")
}

// stableRand answers single-byte reads from a constant instead of the
// underlying source. The standard library key generator used inside ECIES
// encryption sometimes consumes one pacing byte from its reader; serving
// that byte locally keeps consumption of the real source deterministic.
// All key- and IV-sized reads pass through untouched.
type stableRand struct {
	r io.Reader
}

func (s stableRand) Read(p []byte) (int, error) {
	if len(p) == 1 {
		p[0] = 0x80
		return 1, nil
	}
	return s.r.Read(p)
}

// staticSharedSecret computes the ECDH secret between the local identity key
// and the remote identity.
func (h *handshakeState) staticSharedSecret(prv *ecdsa.PrivateKey) ([]byte, error) {
	return ecies.ImportECDSA(prv).GenerateShared(h.remote, sskLen, sskLen)
}

// wipeEphemeral erases the one-shot key-agreement private key. It runs on
// every exit path of a handshake.
func (h *handshakeState) wipeEphemeral() {
	if h.ephemeralKey != nil {
		WipeECDSA(h.ephemeralKey.ExportECDSA())
		h.ephemeralKey = nil
	}
}

// sealEIP8 RLP-encodes a handshake message, appends random-length padding and
// encrypts it to the remote identity key with the 2-byte big-endian size
// prefix authenticated as shared data.
func sealEIP8(msg interface{}, remote *ecies.PublicKey, rand io.Reader) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := rlp.Encode(buf, msg); err != nil {
		return nil, err
	}

	// 100-200 zero bytes of padding, length drawn from the random source so
	// deterministic tests stay reproducible.
	var padLen [1]byte
	if _, err := io.ReadFull(rand, padLen[:]); err != nil {
		return nil, err
	}
	buf.Write(make([]byte, 100+int(padLen[0])%101))

	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, uint16(buf.Len()+eciesOverhead))

	enc, err := ecies.Encrypt(stableRand{rand}, remote, buf.Bytes(), nil, prefix)
	if err != nil {
		return nil, err
	}
	return append(prefix, enc...), nil
}

// readHandshakeMsg reads one size-prefixed sealed handshake message, opens it
// with the local identity key and decodes it into msg. The full wire bytes
// are returned because they feed the MAC chain seeds.
func readHandshakeMsg(msg interface{}, prv *ecdsa.PrivateKey, r io.Reader) ([]byte, error) {
	prefix := make([]byte, 2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint16(prefix)
	if size < eciesOverhead+1 {
		return prefix, fmt.Errorf("%w: declared size %d too small", ErrBadHandshake, size)
	}
	if size > maxHandshakeSize {
		return prefix, fmt.Errorf("%w: declared size %d exceeds limit", ErrBadHandshake, size)
	}

	packet := make([]byte, 2+size)
	copy(packet, prefix)
	if _, err := io.ReadFull(r, packet[2:]); err != nil {
		return packet, err
	}

	dec, err := ecies.ImportECDSA(prv).Decrypt(packet[2:], nil, prefix)
	if err != nil {
		return packet, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	// Stream decoding ignores the padding after the message list; the
	// rlp:"tail" field swallows extra list elements from newer peers.
	if err := rlp.NewStream(bytes.NewReader(dec), 0).Decode(msg); err != nil {
		return packet, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	return packet, nil
}

// importPublicKey converts a 64-byte wire key or 65-byte recovered key into
// an ECIES public key on the handshake curve.
func importPublicKey(pub []byte) (*ecies.PublicKey, error) {
	var buf []byte
	switch len(pub) {
	case pubLen:
		buf = make([]byte, pubLen+1)
		buf[0] = 4
		copy(buf[1:], pub)
	case pubLen + 1:
		buf = pub
	default:
		return nil, fmt.Errorf("invalid public key length %d", len(pub))
	}
	ecdsaKey, err := crypto.UnmarshalPubkey(buf)
	if err != nil {
		return nil, err
	}
	return ecies.ImportECDSAPublic(ecdsaKey), nil
}

// exportPubkey serializes an ECIES public key to its 64-byte wire form.
func exportPubkey(pub *ecies.PublicKey) []byte {
	return crypto.FromECDSAPub(pub.ExportECDSA())[1:]
}

// xor combines two equal-length byte strings.
func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
