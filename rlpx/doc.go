// Package rlpx implements the RLPx v4 transport: the authenticated ECIES
// key-exchange handshake and the encrypted, MAC-chained frame layer built on
// the derived session secrets.
//
// A connection is established by wrapping an open TCP stream and running the
// handshake in either role:
//
//	conn := rlpx.NewConn(tcpConn, remotePubkey) // dialing side
//	remote, err := conn.Handshake(localKey)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = conn.WriteFrame(payload)
//	payload, err = conn.ReadFrame()
//
// Handshake returns the peer's verified identity; on the dialing side it
// always matches the key the connection was created with.
//
// The handshake follows EIP-8: the initiator seals an auth message to the
// responder's identity key, the responder answers with its ephemeral key and
// nonce, and both sides derive one AES-256-CTR stream per direction plus two
// independent keyed-Keccak MAC chains. Once either MAC chain desynchronizes
// the connection is unusable and must be closed; no frame is ever retried.
package rlpx
