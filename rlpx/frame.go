package rlpx

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"fmt"
	"hash"
	"io"
)

const (
	blockSize = 16 // AES block size, frame padding unit

	macLen = 16 // truncated length of header and frame MACs

	// Inbound frames above this are rejected before their body is read. The
	// 24-bit size field already bounds frames below 16 MiB; base-protocol
	// traffic is far smaller.
	maxFrameSize = 1024 * 1024
)

// Encrypted filler for the unused header fields (RLP of [capability-id,
// context-id], both zero).
var zeroHeader = []byte{0xC2, 0x80, 0x80}

// session is the frame layer of one connection: a stream cipher and a MAC
// chain per direction, all derived from the handshake secrets. MAC chain
// state advances with every frame, so frames must be coded strictly in
// order and a single failure poisons the whole direction.
type session struct {
	enc, dec cipher.Stream

	egressMAC  hashMAC
	ingressMAC hashMAC
}

func newSession(s Secrets) (*session, error) {
	macc, err := aes.NewCipher(s.MAC)
	if err != nil {
		return nil, err
	}
	encc, err := aes.NewCipher(s.AES)
	if err != nil {
		return nil, err
	}
	// Zero IV is fine here because the AES key is single-use per session.
	iv := make([]byte, encc.BlockSize())
	return &session{
		enc:        cipher.NewCTR(encc, iv),
		dec:        cipher.NewCTR(encc, iv),
		egressMAC:  hashMAC{cipher: macc, hash: s.EgressMAC},
		ingressMAC: hashMAC{cipher: macc, hash: s.IngressMAC},
	}, nil
}

// writeFrame encrypts and sends one frame carrying payload.
func (s *session) writeFrame(w io.Writer, payload []byte) error {
	// Header: 3-byte payload size plus filler, encrypted, then MACed.
	header := make([]byte, blockSize+macLen)
	putUint24(uint32(len(payload)), header)
	copy(header[3:], zeroHeader)
	s.enc.XORKeyStream(header[:blockSize], header[:blockSize])
	copy(header[blockSize:], s.egressMAC.computeHeader(header[:blockSize]))
	if _, err := w.Write(header); err != nil {
		return err
	}

	// Body: payload padded to the block size, encrypted, then MACed over the
	// ciphertext with the running egress chain.
	body := make([]byte, padTo(len(payload), blockSize)+macLen)
	copy(body, payload)
	frame := body[:len(body)-macLen]
	s.enc.XORKeyStream(frame, frame)
	copy(body[len(frame):], s.egressMAC.computeFrame(frame))
	_, err := w.Write(body)
	return err
}

// readFrame receives and decrypts one frame, returning its payload. The
// header MAC is checked before the declared length is trusted, and the body
// MAC before the body is decrypted.
func (s *session) readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, blockSize+macLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	wantHeaderMAC := s.ingressMAC.computeHeader(header[:blockSize])
	if !hmac.Equal(wantHeaderMAC, header[blockSize:]) {
		return nil, fmt.Errorf("%w: header", ErrMACMismatch)
	}
	s.dec.XORKeyStream(header[:blockSize], header[:blockSize])

	fsize := readUint24(header)
	if fsize > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, fsize)
	}

	rsize := padTo(int(fsize), blockSize)
	body := make([]byte, rsize+macLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	frame := body[:rsize]
	wantFrameMAC := s.ingressMAC.computeFrame(frame)
	if !hmac.Equal(wantFrameMAC, body[rsize:]) {
		return nil, fmt.Errorf("%w: body", ErrMACMismatch)
	}
	s.dec.XORKeyStream(frame, frame)
	return frame[:fsize], nil
}

// hashMAC is the RLPx v4 frame MAC: a running Keccak digest whose per-frame
// tag mixes the digest back in through a block cipher keyed with the MAC
// secret.
type hashMAC struct {
	cipher cipher.Block
	hash   hash.Hash

	aesBuffer  [blockSize]byte
	hashBuffer [32]byte
	seedBuffer [32]byte
}

// computeHeader returns the MAC tag for an encrypted frame header.
func (m *hashMAC) computeHeader(header []byte) []byte {
	return m.compute(header)
}

// computeFrame returns the MAC tag for encrypted frame data.
func (m *hashMAC) computeFrame(framedata []byte) []byte {
	m.hash.Write(framedata)
	seed := m.hash.Sum(m.seedBuffer[:0])
	return m.compute(seed[:blockSize])
}

// compute advances the chain with one seed block and returns the tag:
//
//	tag = keccak(state || aes(keccak(state)) ^ seed)[:16]
func (m *hashMAC) compute(seed []byte) []byte {
	sum1 := m.hash.Sum(m.hashBuffer[:0])
	m.cipher.Encrypt(m.aesBuffer[:], sum1)
	for i := range m.aesBuffer {
		m.aesBuffer[i] ^= seed[i]
	}
	m.hash.Write(m.aesBuffer[:])
	sum2 := m.hash.Sum(m.hashBuffer[:0])
	return sum2[:macLen]
}

// putUint24 stores v big-endian in the first three bytes of b.
func putUint24(v uint32, b []byte) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// readUint24 reads a big-endian 24-bit integer from the first three bytes.
func readUint24(b []byte) uint32 {
	return uint32(b[2]) | uint32(b[1])<<8 | uint32(b[0])<<16
}

// padTo rounds n up to a multiple of block.
func padTo(n, block int) int {
	if rem := n % block; rem != 0 {
		return n + block - rem
	}
	return n
}
