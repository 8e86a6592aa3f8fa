package mcphttp

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// SessionIDGenerator supplies session identifiers for the stateful and
// streaming transports. Identifiers are opaque strings; uniqueness within a
// handler's lifetime is the generator's responsibility.
type SessionIDGenerator interface {
	GenerateSessionID() string
}

// SessionIDValidator is implemented by generators that can recognize their
// own identifiers. When the stateful handler's generator implements it,
// presented session ids are validated before registry lookup, so forged ids
// are rejected on the invalid-session path without touching the registry.
type SessionIDValidator interface {
	ValidateSessionID(id string) error
}

// UUIDGenerator issues random UUIDv4 session identifiers. It is the default
// generator for every handler.
type UUIDGenerator struct{}

func (UUIDGenerator) GenerateSessionID() string { return uuid.NewString() }

// SignedIDGenerator wraps another generator's identifiers in a compact
// Ed25519 JWS, making them tamper-evident. It implements SessionIDValidator,
// so the stateful handler short-circuits ids this process never issued.
type SignedIDGenerator struct {
	inner  SessionIDGenerator
	signer jose.Signer
	pub    ed25519.PublicKey
}

// NewSignedIDGenerator builds a SignedIDGenerator over a fresh in-memory
// Ed25519 key pair. Ids do not survive a restart: a new process has a new
// key and rejects ids signed by the old one, which matches the in-memory
// registry losing the sessions anyway. A nil inner generator defaults to
// UUIDGenerator.
func NewSignedIDGenerator(inner SessionIDGenerator) (*SignedIDGenerator, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return NewSignedIDGeneratorWithKey(inner, priv, pub)
}

// NewSignedIDGeneratorWithKey builds a SignedIDGenerator over a caller-owned
// key pair, for deployments that want ids verifiable across processes.
func NewSignedIDGeneratorWithKey(inner SessionIDGenerator, priv ed25519.PrivateKey, pub ed25519.PublicKey) (*SignedIDGenerator, error) {
	if inner == nil {
		inner = UUIDGenerator{}
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return &SignedIDGenerator{inner: inner, signer: signer, pub: pub}, nil
}

func (g *SignedIDGenerator) GenerateSessionID() string {
	id := g.inner.GenerateSessionID()
	jws, err := g.signer.Sign([]byte(id))
	if err != nil {
		// EdDSA signing over an in-memory key does not fail on valid input.
		return id
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return id
	}
	return compact
}

// ValidateSessionID verifies the compact JWS signature on id.
func (g *SignedIDGenerator) ValidateSessionID(id string) error {
	jws, err := jose.ParseSigned(id, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return fmt.Errorf("failed to parse session id: %w", err)
	}
	if _, err := jws.Verify(g.pub); err != nil {
		return fmt.Errorf("session id signature verification failed: %w", err)
	}
	return nil
}
