package signing

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/stretchr/testify/require"
)

// generateRSAKeyPEM returns a PKCS#1 PEM private key and its PKIX PEM public key.
func generateRSAKeyPEM(t *testing.T) (privatePEM, publicPEM []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privatePEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	publicPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicDER,
	})

	return privatePEM, publicPEM
}

// generatePGPKeyPair returns an armored OpenPGP private keyring and the
// matching armored public keyring.
func generatePGPKeyPair(t *testing.T) (privateArmored, publicArmored []byte) {
	t.Helper()

	cfg := &packet.Config{
		Algorithm: packet.PubKeyAlgoRSA,
		RSABits:   2048,
	}

	entity, err := openpgp.NewEntity("Release Bot", "", "release@perimetra.dev", cfg)
	require.NoError(t, err)

	var private bytes.Buffer

	privateWriter, err := armor.Encode(&private, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(privateWriter, nil))
	require.NoError(t, privateWriter.Close())

	var public bytes.Buffer

	publicWriter, err := armor.Encode(&public, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(publicWriter))
	require.NoError(t, publicWriter.Close())

	return private.Bytes(), public.Bytes()
}
