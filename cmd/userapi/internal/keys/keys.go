// Package keys loads the PEM encoded key material the service trusts or signs
// with. Keys are read once at startup and never change afterwards.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/config"
)

// ErrUnsupportedKey is returned for PEM blocks holding a key type that cannot
// produce SHA-256 signatures (only RSA and ECDSA keys are accepted).
var ErrUnsupportedKey = errors.New("unsupported key type")

// KeyPair is one trust relationship. Private is nil for verify-only keys.
type KeyPair struct {
	Public  crypto.PublicKey
	Private crypto.Signer
}

// CanSign reports whether the pair holds a private key.
func (k KeyPair) CanSign() bool {
	return k.Private != nil
}

// Store holds every key pair the service needs, one per trusted signer.
type Store struct {
	// Cognito verifies requests from the PostConfirmation lambda (verify only)
	Cognito KeyPair
	// Webhook verifies internal callers and signs outbound webhooks
	Webhook KeyPair
	// Session signs and verifies first-party session tokens
	Session KeyPair
}

// LoadStore reads all configured keys. Any missing or unreadable path is an
// error; callers treat it as fatal.
func LoadStore(cfg config.KeysConfig) (*Store, error) {
	cognito, err := LoadKeyPair(cfg.CognitoPublicKeyPath, "")
	if err != nil {
		return nil, fmt.Errorf("cognito key: %w", err)
	}
	webhook, err := LoadKeyPair(cfg.WebhookPublicKeyPath, cfg.WebhookPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("webhook key: %w", err)
	}
	if !webhook.CanSign() {
		return nil, fmt.Errorf("webhook key: private key path is required")
	}
	session, err := LoadKeyPair(cfg.SessionPublicKeyPath, cfg.SessionPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	if !session.CanSign() {
		return nil, fmt.Errorf("session key: private key path is required")
	}
	if _, ok := session.Private.(*rsa.PrivateKey); !ok {
		return nil, fmt.Errorf("session key: RS256 requires an RSA key: %w", ErrUnsupportedKey)
	}

	return &Store{Cognito: cognito, Webhook: webhook, Session: session}, nil
}

// LoadKeyPair loads a public key and, when privPath is set, the matching
// private key. The two halves must belong together.
func LoadKeyPair(pubPath, privPath string) (KeyPair, error) {
	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		return KeyPair{}, err
	}
	pair := KeyPair{Public: pub}
	if privPath == "" {
		return pair, nil
	}

	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		return KeyPair{}, err
	}
	if eq, ok := priv.Public().(interface{ Equal(crypto.PublicKey) bool }); !ok || !eq.Equal(pub) {
		return KeyPair{}, fmt.Errorf("private key %s does not match public key %s", privPath, pubPath)
	}
	pair.Private = priv
	return pair, nil
}

// LoadPublicKey reads a PEM public key (PKIX, PKCS#1 or an X.509 certificate).
func LoadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := readPEMFile(path)
	if err != nil {
		return nil, err
	}
	key, err := ParsePublicKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return key, nil
}

// LoadPrivateKey reads a PEM private key (PKCS#1, PKCS#8 or SEC 1).
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := readPEMFile(path)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return key, nil
}

// ParsePublicKeyPEM decodes the first PEM block of data as a public key.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		key, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "CERTIFICATE":
		var cert *x509.Certificate
		cert, err = x509.ParseCertificate(block.Bytes)
		if err == nil {
			key = cert.PublicKey
		}
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
	if err != nil {
		return nil, err
	}

	switch k := key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// ParsePrivateKeyPEM decodes the first PEM block of data as a private key.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
	if err != nil {
		return nil, err
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// GenerateRSAKey creates a new RSA private key of the given size.
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return key, nil
}

// EncodePKCS1 returns the PKCS#1 PEM encodings of key and its public half.
func EncodePKCS1(key *rsa.PrivateKey) (privPEM, pubPEM []byte) {
	privPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	})
	return privPEM, pubPEM
}

// WriteKeyPair writes <name>.key (mode 0600) and <name>.pub into dir and
// returns both paths. Existing files are not overwritten unless force is set.
func WriteKeyPair(dir, name string, key *rsa.PrivateKey, force bool) (privPath, pubPath string, err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create key directory: %w", err)
	}

	privPath = filepath.Join(dir, name+".key")
	pubPath = filepath.Join(dir, name+".pub")
	if !force {
		for _, p := range []string{privPath, pubPath} {
			if _, err := os.Stat(p); err == nil {
				return "", "", fmt.Errorf("%s already exists", p)
			}
		}
	}

	privPEM, pubPEM := EncodePKCS1(key)
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("write public key: %w", err)
	}
	return privPath, pubPath, nil
}

func readPEMFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("key path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return data, nil
}
