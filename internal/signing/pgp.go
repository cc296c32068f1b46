package signing

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// errNoPrivateKey is returned when the keyring holds no usable signing key.
var errNoPrivateKey = errors.New("keyring holds no usable private key")

// pgpStrategy produces armored OpenPGP detached signatures. It mirrors what
// a `gpg --armor --detach-sign` invocation would emit.
type pgpStrategy struct{}

func (pgpStrategy) method() Method {
	return MethodGPG
}

func (pgpStrategy) sign(payload io.Reader, keyData []byte, w io.Writer) error {
	entity, err := readSigningEntity(keyData)
	if err != nil {
		// Key material is not an OpenPGP keyring: the method cannot run.
		return &ToolingError{Tool: string(MethodGPG), Err: err}
	}

	cfg := &packet.Config{
		DefaultHash: crypto.SHA256,
	}

	if err = openpgp.ArmoredDetachSign(w, entity, payload, cfg); err != nil {
		return fmt.Errorf("pgp detach sign: %w", err)
	}

	return nil
}

// readSigningEntity parses key material as an armored or binary OpenPGP
// keyring and returns the first entity with a decrypted private key.
func readSigningEntity(keyData []byte) (*openpgp.Entity, error) {
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(keyData))
	if err != nil {
		entities, err = openpgp.ReadKeyRing(bytes.NewReader(keyData))
	}

	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}

	for _, entity := range entities {
		if entity.PrivateKey != nil && !entity.PrivateKey.Encrypted {
			return entity, nil
		}
	}

	return nil, errNoPrivateKey
}
