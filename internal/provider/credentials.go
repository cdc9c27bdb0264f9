package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"github.com/cuongbtq/avatar-render/internal/domain"
)

// ErrNoCredential is returned when a producer has no provider key and no
// platform default is configured
var ErrNoCredential = errors.New("no provider credential")

// Keyring seals provider API keys with age so the database never holds them
// in plaintext. Sealed values are base64 of the age ciphertext.
type Keyring struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewKeyring parses an AGE-SECRET-KEY-1... identity
func NewKeyring(identity string) (*Keyring, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &Keyring{identity: id, recipient: id.Recipient()}, nil
}

// GenerateKeyring creates a keyring with a fresh identity
func GenerateKeyring() (*Keyring, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return &Keyring{identity: id, recipient: id.Recipient()}, nil
}

// Identity returns the secret key string, for operator key generation only
func (k *Keyring) Identity() string {
	return k.identity.String()
}

// Recipient returns the public key sealed values are encrypted to
func (k *Keyring) Recipient() string {
	return k.recipient.String()
}

// Seal encrypts plaintext to the keyring's recipient
func (k *Keyring) Seal(plaintext string) (string, error) {
	return Seal(plaintext, k.recipient.String())
}

// Seal encrypts plaintext to an age public key (age1...)
func Seal(plaintext, recipientKey string) (string, error) {
	recipient, err := age.ParseX25519Recipient(strings.TrimSpace(recipientKey))
	if err != nil {
		return "", fmt.Errorf("parsing recipient key: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Unseal decrypts a value produced by Seal
func (k *Keyring) Unseal(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), k.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return string(plaintext), nil
}

// ProducerStore loads producers for credential lookup
type ProducerStore interface {
	GetProducer(ctx context.Context, producerID string) (*domain.Producer, error)
}

// Credentials resolves the provider API key used for a producer's jobs
type Credentials struct {
	store      ProducerStore
	keyring    *Keyring
	defaultKey string
}

// NewCredentials creates a resolver. keyring may be nil when no producer has
// a sealed key; defaultKey is the platform account used as fallback.
func NewCredentials(store ProducerStore, keyring *Keyring, defaultKey string) *Credentials {
	return &Credentials{store: store, keyring: keyring, defaultKey: defaultKey}
}

// APIKey returns the producer's unsealed key, or the platform default
func (c *Credentials) APIKey(ctx context.Context, producerID string) (string, error) {
	producer, err := c.store.GetProducer(ctx, producerID)
	if err != nil && !errors.Is(err, domain.ErrProducerNotFound) {
		return "", err
	}

	if producer != nil && producer.SealedCredential != "" {
		if c.keyring == nil {
			return "", fmt.Errorf("producer %s has a sealed credential but no keyring is configured", producerID)
		}
		key, err := c.keyring.Unseal(producer.SealedCredential)
		if err != nil {
			return "", fmt.Errorf("failed to unseal credential for producer %s: %w", producerID, err)
		}
		return key, nil
	}

	if c.defaultKey == "" {
		return "", fmt.Errorf("%w for producer %s", ErrNoCredential, producerID)
	}
	return c.defaultKey, nil
}
