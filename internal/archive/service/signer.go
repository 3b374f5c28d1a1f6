package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const signatureInfo = "caisse/archive-signature/v1"

// developmentSecret signs exports when no secret is configured outside
// production.
const developmentSecret = "caisse-development-archive-secret"

// signer produces HMAC-SHA256 signatures with a key derived from the
// configured secret and the register id, so registers sharing a secret never
// share a signing key.
type signer struct {
	key []byte
}

func newSigner(secret, registerID string) (signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return signer{}, errors.New("archive hmac secret is required")
	}
	key := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(registerID), []byte(signatureInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return signer{}, err
	}
	return signer{key: key}, nil
}

func (s signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s signer) Verify(data []byte, signature string) bool {
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), expected)
}

func fileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
