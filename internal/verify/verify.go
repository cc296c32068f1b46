package verify

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/perimetra/release-pipeline/internal/logger"
)

// Encoding identifies how a detached signature is stored on disk. It is
// determined exactly once per verification and threaded through, never
// re-sniffed.
type Encoding string

const (
	// EncodingArmored is PEM/ASCII-armored text (carries a BEGIN marker).
	EncodingArmored Encoding = "armored"
	// EncodingBase64 is base64-encoded binary signature material.
	EncodingBase64 Encoding = "base64"
	// EncodingRaw is a raw binary signature, used when base64 decoding fails.
	EncodingRaw Encoding = "raw"
)

// Reason classifies why a bundle was rejected.
type Reason string

const (
	// ReasonMissingBundle means the bundle file does not exist.
	ReasonMissingBundle Reason = "missing_bundle"
	// ReasonMissingSignature means the detached signature file does not exist.
	ReasonMissingSignature Reason = "missing_signature"
	// ReasonMissingKey means the pinned public key file does not exist.
	ReasonMissingKey Reason = "missing_key"
	// ReasonSignatureMismatch means the cryptographic check did not succeed.
	ReasonSignatureMismatch Reason = "signature_mismatch"
	// ReasonMalformedEncoding means the signature claims an armor encoding
	// that cannot be parsed.
	ReasonMalformedEncoding Reason = "malformed_signature_encoding"
)

// maxSignatureSize caps how much signature material is read. Real detached
// signatures are well under a kilobyte.
const maxSignatureSize = 1 << 20

// RejectionError is returned whenever a bundle cannot be conclusively proven
// authentic. Every variant is fail-closed: the caller must not unpack or
// execute any bundle content.
type RejectionError struct {
	// Reason is the rejection classification.
	Reason Reason
	// Err is the underlying cause, if any.
	Err error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification rejected: %s: %v", e.Reason, e.Err)
	}

	return fmt.Sprintf("verification rejected: %s", e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// reject builds a RejectionError.
func reject(reason Reason, err error) *RejectionError {
	return &RejectionError{Reason: reason, Err: err}
}

// DetectEncoding classifies signature bytes: an armor marker wins, otherwise
// base64 if the content decodes, otherwise raw binary. A malformed base64
// signature is indistinguishable from an intentionally raw one, so decode
// failure silently falls back to raw rather than rejecting outright.
func DetectEncoding(sig []byte) Encoding {
	if bytes.Contains(sig, []byte("BEGIN")) {
		return EncodingArmored
	}

	if _, err := decodeBase64(sig); err == nil {
		return EncodingBase64
	}

	return EncodingRaw
}

// decodeBase64 strips whitespace (base64 tooling wraps lines) and decodes.
func decodeBase64(sig []byte) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}

		return r
	}, string(sig))

	return base64.StdEncoding.DecodeString(compact)
}

// Verify deterministically proves authenticity and integrity of the bundle
// against the detached signature and the pinned public key. It returns nil
// only when the SHA-256-based asymmetric check succeeds; every other outcome
// is a *RejectionError. Both the release builder and the update applier call
// this one function, so there is exactly one verification algorithm in the
// system.
//
// Scratch decode buffers live in memory only and are released on every exit
// path; no signature material touches disk.
func Verify(ctx context.Context, bundlePath, sigPath, keyPath string) error {
	if _, err := os.Stat(bundlePath); err != nil {
		return reject(ReasonMissingBundle, err)
	}

	if _, err := os.Stat(sigPath); err != nil {
		return reject(ReasonMissingSignature, err)
	}

	keyData, err := os.ReadFile(filepath.Clean(keyPath))
	if err != nil {
		return reject(ReasonMissingKey, err)
	}

	sigData, err := os.ReadFile(filepath.Clean(sigPath))
	if err != nil {
		return reject(ReasonMissingSignature, err)
	}

	if len(sigData) > maxSignatureSize {
		return reject(ReasonMalformedEncoding, fmt.Errorf("signature file is %d bytes", len(sigData)))
	}

	encoding := DetectEncoding(sigData)
	logger.DebugKV(ctx, "Detected signature encoding",
		"signature", sigPath, "encoding", encoding)

	sig := sigData
	if encoding == EncodingBase64 {
		if sig, err = decodeBase64(sigData); err != nil {
			return reject(ReasonMalformedEncoding, err)
		}
	}

	if encoding == EncodingArmored {
		if err = validateArmor(sigData); err != nil {
			return reject(ReasonMalformedEncoding, err)
		}
	}

	key, err := loadPublicKey(keyData)
	if err != nil {
		return reject(ReasonSignatureMismatch, fmt.Errorf("unusable public key: %w", err))
	}

	if err = ctx.Err(); err != nil {
		return reject(ReasonSignatureMismatch, err)
	}

	bundle, err := os.Open(filepath.Clean(bundlePath))
	if err != nil {
		return reject(ReasonMissingBundle, err)
	}

	defer func() {
		_ = bundle.Close()
	}()

	if err = key.check(bundle, encoding, sig); err != nil {
		return reject(ReasonSignatureMismatch, err)
	}

	return nil
}

// errUnknownKeyFormat is returned when the key is neither a PEM public key
// nor an OpenPGP keyring.
var errUnknownKeyFormat = errors.New("key is neither a PEM public key nor an OpenPGP keyring")
