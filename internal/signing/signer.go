package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/perimetra/release-pipeline/internal/logger"
)

// Method identifies the signing strategy that produced a signature.
type Method string

const (
	// MethodGPG is the primary method: an armored OpenPGP detached signature.
	MethodGPG Method = "gpg"
	// MethodOpenSSL is the fallback method: an RSA PKCS#1 v1.5 signature over
	// a SHA-256 digest, stored base64-encoded the way openssl pipelines do.
	MethodOpenSSL Method = "openssl-fallback"
)

// SignatureExtension is appended to a payload path to derive its detached
// signature path. Producer and consumer share this convention.
const SignatureExtension = ".sig"

// defaultTimeout bounds a single signing attempt when no timeout is configured.
const defaultTimeout = 30 * time.Second

// Record describes a produced detached signature. One Record exists per
// signed artifact; it is never mutated after creation.
type Record struct {
	// ArtifactPath is the signed payload.
	ArtifactPath string
	// Method is the strategy that produced the signature.
	Method Method
	// SignaturePath is where the detached signature was written.
	SignaturePath string
}

// Error reports a failed signing run. No signature file exists when it is
// returned.
type Error struct {
	// Artifact is the payload that could not be signed.
	Artifact string
	// Reason is a human-readable description of the failure.
	Reason string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sign %s: %s: %v", e.Artifact, e.Reason, e.Err)
	}

	return fmt.Sprintf("sign %s: %s", e.Artifact, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ToolingError reports that a strategy's tooling or key material is unusable.
// It is distinct from a cryptographic failure: the signer falls through to
// the next strategy instead of aborting.
type ToolingError struct {
	// Tool names the unavailable method.
	Tool string
	// Err is the underlying cause.
	Err error
}

func (e *ToolingError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Tool, e.Err)
}

func (e *ToolingError) Unwrap() error {
	return e.Err
}

// strategy is one signing method. sign writes a detached signature for the
// payload stream; a *ToolingError return means the method cannot run at all
// with the provided key material.
type strategy interface {
	method() Method
	sign(payload io.Reader, keyData []byte, w io.Writer) error
}

// Signer produces detached signatures using an ordered list of strategies.
// The first strategy whose tooling is usable wins; later strategies are only
// consulted on tooling unavailability, never on cryptographic failure.
type Signer struct {
	strategies []strategy
	timeout    time.Duration
}

// Option customizes a Signer.
type Option func(*Signer)

// WithTimeout bounds each signing attempt. A timed-out attempt counts as
// tooling unavailability for that method.
func WithTimeout(d time.Duration) Option {
	return func(s *Signer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewSigner returns a Signer with the standard strategy order:
// OpenPGP first, RSA/openssl-style fallback second.
func NewSigner(opts ...Option) *Signer {
	s := &Signer{
		strategies: []strategy{pgpStrategy{}, rsaStrategy{}},
		timeout:    defaultTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SignaturePath returns the detached signature path for a payload.
func SignaturePath(payload string) string {
	return payload + SignatureExtension
}

// Sign produces a detached signature for the payload at a deterministic path
// (<payload>.sig). Any pre-existing signature for the same payload is
// replaced atomically via a temporary file and rename; on failure no partial
// or orphan signature file is left behind.
func (s *Signer) Sign(ctx context.Context, payloadPath, keyPath string) (*Record, error) {
	keyData, err := os.ReadFile(filepath.Clean(keyPath))
	if err != nil {
		return nil, &Error{
			Artifact: payloadPath,
			Reason:   "signing key cannot be resolved",
			Err:      err,
		}
	}

	if _, err = os.Stat(payloadPath); err != nil {
		return nil, &Error{
			Artifact: payloadPath,
			Reason:   "payload cannot be read",
			Err:      err,
		}
	}

	var toolingErrs []error

	for _, st := range s.strategies {
		sig, signErr := s.runStrategy(ctx, st, payloadPath, keyData)
		if signErr != nil {
			var unavailable *ToolingError
			if errors.As(signErr, &unavailable) {
				logger.WarnKV(ctx, "Signing method unavailable, trying next",
					"method", st.method(), "error", unavailable.Err)
				toolingErrs = append(toolingErrs, signErr)

				continue
			}

			return nil, &Error{
				Artifact: payloadPath,
				Reason:   fmt.Sprintf("%s signing failed", st.method()),
				Err:      signErr,
			}
		}

		sigPath, writeErr := writeSignature(payloadPath, sig)
		if writeErr != nil {
			return nil, &Error{
				Artifact: payloadPath,
				Reason:   "write signature",
				Err:      writeErr,
			}
		}

		logger.InfoKV(ctx, "Produced detached signature",
			"artifact", payloadPath, "method", st.method(), "signature", sigPath)

		return &Record{
			ArtifactPath:  payloadPath,
			Method:        st.method(),
			SignaturePath: sigPath,
		}, nil
	}

	return nil, &Error{
		Artifact: payloadPath,
		Reason:   "no signing method available",
		Err:      errors.Join(toolingErrs...),
	}
}

// runStrategy executes one attempt bounded by the signer timeout. The
// signature is buffered in memory so nothing touches disk until the attempt
// has fully succeeded.
func (s *Signer) runStrategy(ctx context.Context, st strategy, payloadPath string, keyData []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		sig []byte
		err error
	}

	resultChan := make(chan outcome, 1)

	go func() {
		payload, err := os.Open(filepath.Clean(payloadPath))
		if err != nil {
			resultChan <- outcome{err: err}
			return
		}

		defer func() {
			_ = payload.Close()
		}()

		var buf bytes.Buffer
		if err = st.sign(payload, keyData, &buf); err != nil {
			resultChan <- outcome{err: err}
			return
		}

		resultChan <- outcome{sig: buf.Bytes()}
	}()

	select {
	case <-ctx.Done():
		// A hung method is a tooling failure, not a cryptographic one.
		return nil, &ToolingError{Tool: string(st.method()), Err: ctx.Err()}
	case out := <-resultChan:
		return out.sig, out.err
	}
}

// writeSignature atomically replaces the payload's detached signature.
func writeSignature(payloadPath string, sig []byte) (string, error) {
	sigPath := SignaturePath(payloadPath)

	tmp, err := os.CreateTemp(filepath.Dir(sigPath), filepath.Base(sigPath)+".tmp-")
	if err != nil {
		return "", err
	}

	if _, err = tmp.Write(sig); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return "", err
	}

	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return "", err
	}

	// CreateTemp restricts to 0600; signatures are published artifacts.
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())

		return "", err
	}

	if err = os.Rename(tmp.Name(), sigPath); err != nil {
		_ = os.Remove(tmp.Name())

		return "", err
	}

	return sigPath, nil
}
