// Package signing produces detached signatures for release artifacts.
//
// A Signer tries an ordered list of strategies: an armored OpenPGP signature
// first, then an openssl-compatible RSA/SHA-256 fallback when the primary's
// key material is unusable. The chosen method is part of the returned Record
// rather than being inferred later from the signature file's shape.
package signing
