package signer

import (
	"bytes"
	"crypto"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
)

// GPGSigner signs database archives with a GPG private key, the way
// repo-add -s would.
type GPGSigner struct {
	entity *openpgp.Entity
}

// NewGPGSigner loads a private key from keyPath. Armored keyrings are
// tried first, then binary; an encrypted key (and its subkeys) is
// unlocked with the passphrase.
func NewGPGSigner(keyPath, passphrase string) (*GPGSigner, error) {
	if keyPath == "" {
		return nil, models.NewError(models.ErrConfig, "signing key path is empty")
	}

	keyFile, err := os.Open(keyPath)
	if err != nil {
		return nil, models.WrapError(models.ErrConfig, err, "failed to open signing key")
	}
	defer keyFile.Close()

	entityList, err := openpgp.ReadArmoredKeyRing(keyFile)
	if err != nil {
		if _, err := keyFile.Seek(0, 0); err != nil {
			return nil, models.WrapError(models.ErrConfig, err, "failed to read signing key")
		}
		entityList, err = openpgp.ReadKeyRing(keyFile)
		if err != nil {
			return nil, models.WrapError(models.ErrConfig, err, "failed to read signing key")
		}
	}
	if len(entityList) == 0 {
		return nil, models.NewError(models.ErrConfig, "no keys found in %s", keyPath)
	}

	entity := entityList[0]
	if passphrase != "" {
		if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
			if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
				return nil, models.WrapError(models.ErrConfig, err, "failed to decrypt signing key")
			}
		}
		for _, subkey := range entity.Subkeys {
			if subkey.PrivateKey != nil && subkey.PrivateKey.Encrypted {
				if err := subkey.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
					return nil, models.WrapError(models.ErrConfig, err, "failed to decrypt signing subkey")
				}
			}
		}
	}

	return &GPGSigner{entity: entity}, nil
}

// SignDetached creates an armored detached signature over data
func (s *GPGSigner) SignDetached(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	err := openpgp.ArmoredDetachSign(&buf, s.entity, bytes.NewReader(data), &packet.Config{
		DefaultHash: crypto.SHA512,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create detached signature: %w", err)
	}

	return buf.Bytes(), nil
}
