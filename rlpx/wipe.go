package rlpx

import (
	"crypto/ecdsa"
	"runtime"
)

// ZeroBytes erases the contents of a byte slice holding sensitive material.
func ZeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
	// Keep the slice alive so the compiler cannot elide the stores.
	runtime.KeepAlive(data)
}

// WipeECDSA erases the scalar of a private key. The key is unusable after.
func WipeECDSA(prv *ecdsa.PrivateKey) {
	if prv == nil || prv.D == nil {
		return
	}
	b := prv.D.Bits()
	for i := range b {
		b[i] = 0
	}
	prv.D.SetInt64(0)
	runtime.KeepAlive(prv)
}
