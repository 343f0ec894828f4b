// Package e2ee implements per-thread end-to-end encryption sessions.
//
// # Key agreement
//
// Each participant owns one X25519 identity keypair. A session for a thread
// is derived once from the local private key and the peer's public key with
// box.Precompute, so both sides obtain the same 32-byte key without any
// exchange beyond publishing public keys.
//
// # Sealing
//
// Encrypt seals with XSalsa20-Poly1305 under a fresh random 24-byte nonce and
// returns base64(nonce || ciphertext). The key is static for the life of the
// session; there is no ratchet and no forward secrecy.
//
// # Persistence
//
// ExportSessions and ImportSessions move sessions in and out of a JSON blob.
// Keystore stores that blob together with the identity keypair in a bbolt
// file on the client.
package e2ee
