package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

var (
	errNoPEMBlock = errors.New("no PEM block in key file")
	errNotRSAKey  = errors.New("PKCS#8 key is not RSA")
)

// rsaStrategy is the openssl-compatible fallback: RSA PKCS#1 v1.5 over a
// SHA-256 digest of the payload. The signature is stored base64-encoded,
// matching how shell pipelines around `openssl dgst -sha256 -sign` exchange
// binary signatures as text.
type rsaStrategy struct{}

func (rsaStrategy) method() Method {
	return MethodOpenSSL
}

func (rsaStrategy) sign(payload io.Reader, keyData []byte, w io.Writer) error {
	key, err := parseRSAPrivateKey(keyData)
	if err != nil {
		return &ToolingError{Tool: string(MethodOpenSSL), Err: err}
	}

	digest := sha256.New()
	if _, err = io.Copy(digest, payload); err != nil {
		return fmt.Errorf("hash payload: %w", err)
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest.Sum(nil))
	if err != nil {
		return fmt.Errorf("rsa sign: %w", err)
	}

	encoder := base64.NewEncoder(base64.StdEncoding, w)
	if _, err = encoder.Write(sig); err != nil {
		return fmt.Errorf("encode signature: %w", err)
	}

	return encoder.Close()
}

// parseRSAPrivateKey accepts PKCS#1 and PKCS#8 PEM-encoded RSA keys.
func parseRSAPrivateKey(keyData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errNoPEMBlock
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}

		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errNotRSAKey
		}

		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
