package build

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

const signatureAlgorithm = "ed25519-sha256"

// Signer produces detachable provenance signatures for compiled modules.
type Signer struct {
	key   ed25519.PrivateKey
	keyID string
	now   func() time.Time
}

// LoadSigner reads a PKCS#8 PEM encoded ed25519 private key.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing key is not PEM encoded")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, want ed25519", parsed)
	}
	return NewSigner(key), nil
}

func NewSigner(key ed25519.PrivateKey) *Signer {
	pub := key.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &Signer{
		key:   key,
		keyID: hex.EncodeToString(sum[:8]),
		now:   time.Now,
	}
}

// Sign signs the sha256 digest of wasm.
func (s *Signer) Sign(wasm []byte) (*models.SignatureBundle, error) {
	if len(wasm) == 0 {
		return nil, errors.New("nothing to sign")
	}
	digest := sha256.Sum256(wasm)
	sig := ed25519.Sign(s.key, digest[:])

	return &models.SignatureBundle{
		Algorithm: signatureAlgorithm,
		KeyID:     s.keyID,
		PublicKey: base64.StdEncoding.EncodeToString(s.key.Public().(ed25519.PublicKey)),
		Digest:    hex.EncodeToString(digest[:]),
		Signature: base64.StdEncoding.EncodeToString(sig),
		SignedAt:  s.now().UTC(),
	}, nil
}

// Verify checks bundle against wasm using the public key it carries.
func Verify(bundle *models.SignatureBundle, wasm []byte) error {
	if bundle == nil {
		return errors.New("no signature")
	}
	if bundle.Algorithm != signatureAlgorithm {
		return fmt.Errorf("unsupported signature algorithm %q", bundle.Algorithm)
	}
	pub, err := base64.StdEncoding.DecodeString(bundle.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("invalid public key")
	}
	sig, err := base64.StdEncoding.DecodeString(bundle.Signature)
	if err != nil {
		return errors.New("invalid signature encoding")
	}

	digest := sha256.Sum256(wasm)
	if hex.EncodeToString(digest[:]) != bundle.Digest {
		return errors.New("digest mismatch")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), digest[:], sig) {
		return errors.New("signature verification failed")
	}
	return nil
}
