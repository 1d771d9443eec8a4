package bundler

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envAgeSecretKey = "FWBUNDLE_AGE_SECRET_KEY"
	envAgePublicKey = "FWBUNDLE_AGE_PUBLIC_KEY"

	ageSecretHRP = "age-secret-key-"
)

// Signer seals bundle manifests. Its Ed25519 key is derived from the seed of an age X25519
// identity so operators manage a single age key per release pipeline.
type Signer struct {
	key       ed25519.PrivateKey
	recipient string
}

// Verifier checks bundle manifests against one trusted Ed25519 public key.
type Verifier struct {
	trusted ed25519.PublicKey
}

// SignerFromEnv loads the export key from FWBUNDLE_AGE_SECRET_KEY.
func SignerFromEnv() (*Signer, error) {
	return LoadSigner(os.Getenv(envAgeSecretKey))
}

// VerifierFromEnv trusts FWBUNDLE_AGE_PUBLIC_KEY, or the key derived from
// FWBUNDLE_AGE_SECRET_KEY when only the secret is available.
func VerifierFromEnv() (*Verifier, error) {
	return LoadVerifier(os.Getenv(envAgeSecretKey), os.Getenv(envAgePublicKey))
}

// LoadSigner parses an AGE-SECRET-KEY-1... string.
func LoadSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%s must be set to sign bundles", envAgeSecretKey)
	}
	identity, err := age.ParseX25519Identity(secret)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
	}
	seed, err := ageSeed(secret)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
	}
	return &Signer{
		key:       ed25519.NewKeyFromSeed(seed),
		recipient: identity.Recipient().String(),
	}, nil
}

// LoadVerifier builds a Verifier from a base64 public key, falling back to the key derived
// from secret. When both are given they must agree.
func LoadVerifier(secret, pub string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	pub = strings.TrimSpace(pub)

	var derived *Verifier
	if secret != "" {
		signer, err := LoadSigner(secret)
		if err != nil {
			return nil, err
		}
		derived = signer.Verifier()
	}
	if pub == "" {
		if derived == nil {
			return nil, fmt.Errorf("%s or %s must be set to verify bundles", envAgePublicKey, envAgeSecretKey)
		}
		return derived, nil
	}

	key, err := decodePublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envAgePublicKey, err)
	}
	if derived != nil && !bytes.Equal(derived.trusted, key) {
		return nil, fmt.Errorf("%s does not match %s", envAgePublicKey, envAgeSecretKey)
	}
	return &Verifier{trusted: key}, nil
}

// Verifier returns a Verifier trusting this signer's key.
func (s *Signer) Verifier() *Verifier {
	return &Verifier{trusted: s.key.Public().(ed25519.PublicKey)}
}

// SignManifest stamps m with the signer identity and a signature over its other fields.
func (s *Signer) SignManifest(m *Manifest) error {
	if s == nil || len(s.key) == 0 {
		return errors.New("no signing key")
	}
	m.Signer = s.recipient
	m.SigningPublicKey = s.Verifier().PublicKey()
	m.Signature = ""

	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for signing: %w", err)
	}
	m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, payload))
	return nil
}

// VerifyManifest rejects manifests that are unsigned, signed by another key, or altered
// after signing.
func (v *Verifier) VerifyManifest(m Manifest) error {
	if v == nil || len(v.trusted) == 0 {
		return errors.New("no trusted key")
	}
	if m.Signature == "" {
		return errors.New("manifest missing signature")
	}
	if m.SigningPublicKey != "" {
		key, err := decodePublicKey(m.SigningPublicKey)
		if err != nil {
			return fmt.Errorf("manifest public key: %w", err)
		}
		if !bytes.Equal(key, v.trusted) {
			return errors.New("manifest signed by unexpected key")
		}
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.Signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(v.trusted, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKey returns the trusted key in the base64 form used by FWBUNDLE_AGE_PUBLIC_KEY.
func (v *Verifier) PublicKey() string {
	if v == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(v.trusted)
}

func decodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("want %d key bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ageSeed extracts the 32 raw bytes carried by an age secret key.
func ageSeed(secret string) ([]byte, error) {
	hrp, data, err := bech32.Decode(secret)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, ageSecretHRP) {
		return nil, fmt.Errorf("unexpected prefix %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
