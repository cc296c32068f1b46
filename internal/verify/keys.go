package verify

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// publicKey runs the asymmetric check appropriate for the pinned key type.
type publicKey interface {
	check(bundle io.Reader, encoding Encoding, sig []byte) error
}

// loadPublicKey accepts a PEM-encoded RSA public key (what openssl writes)
// or an OpenPGP keyring, armored or binary (what gpg exports).
func loadPublicKey(keyData []byte) (publicKey, error) {
	if block, _ := pem.Decode(keyData); block != nil {
		switch block.Type {
		case "PUBLIC KEY":
			parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, err
			}

			rsaKey, ok := parsed.(*rsa.PublicKey)
			if !ok {
				return nil, errors.New("PEM public key is not RSA")
			}

			return &rsaPublicKey{key: rsaKey}, nil
		case "RSA PUBLIC KEY":
			rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, err
			}

			return &rsaPublicKey{key: rsaKey}, nil
		}
	}

	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(keyData))
	if err != nil {
		entities, err = openpgp.ReadKeyRing(bytes.NewReader(keyData))
	}

	if err != nil || len(entities) == 0 {
		return nil, errUnknownKeyFormat
	}

	return &pgpPublicKey{keyring: entities}, nil
}

// pgpPublicKey checks OpenPGP detached signatures against a keyring.
type pgpPublicKey struct {
	keyring openpgp.EntityList
}

func (k *pgpPublicKey) check(bundle io.Reader, encoding Encoding, sig []byte) error {
	var err error
	if encoding == EncodingArmored {
		_, err = openpgp.CheckArmoredDetachedSignature(k.keyring, bundle, bytes.NewReader(sig), nil)
	} else {
		_, err = openpgp.CheckDetachedSignature(k.keyring, bundle, bytes.NewReader(sig), nil)
	}

	return err
}

// rsaPublicKey checks RSA PKCS#1 v1.5 signatures over a streamed SHA-256
// digest of the bundle.
type rsaPublicKey struct {
	key *rsa.PublicKey
}

func (k *rsaPublicKey) check(bundle io.Reader, encoding Encoding, sig []byte) error {
	raw := sig
	if encoding == EncodingArmored {
		block, _ := pem.Decode(sig)
		if block == nil {
			return errors.New("armored signature has no PEM block")
		}

		raw = block.Bytes
	}

	digest := sha256.New()
	if _, err := io.Copy(digest, bundle); err != nil {
		return fmt.Errorf("hash bundle: %w", err)
	}

	return rsa.VerifyPKCS1v15(k.key, crypto.SHA256, digest.Sum(nil), raw)
}

// validateArmor confirms that content carrying a BEGIN marker really is a
// parsable armor or PEM block before it reaches the signature check.
func validateArmor(sig []byte) error {
	if _, err := armor.Decode(bytes.NewReader(sig)); err == nil {
		return nil
	}

	if block, _ := pem.Decode(sig); block != nil {
		return nil
	}

	return errors.New("content has a BEGIN marker but no parsable armor block")
}
