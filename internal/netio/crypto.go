package netio

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/salsa20"
)

// Encryptor is the two-hook encryption plug-point from spec §4.4.8.
// Implementations mutate data in place, symmetrically to the teacher's
// net.Cipher (Encrypt/Decrypt) but selected by name instead of being
// hard-wired to one algorithm.
type Encryptor interface {
	Name() string
	Encrypt(data []byte)
	Decrypt(data []byte)
}

// EncryptorFactory builds a fresh Encryptor keyed from a connection's
// init handshake.
type EncryptorFactory func(key [32]byte) Encryptor

// EncryptorRegistry maps a name (matched against the conn-init
// handshake's requested cipher) to a factory, per spec §4.4.8 ("an
// encryption module registers with a name; Network selects the one
// whose name matches the conn-init").
type EncryptorRegistry struct {
	factories map[string]EncryptorFactory
}

// NewEncryptorRegistry creates an empty registry.
func NewEncryptorRegistry() *EncryptorRegistry {
	return &EncryptorRegistry{factories: make(map[string]EncryptorFactory)}
}

// Register adds factory under name. Registering the same name twice
// replaces the previous factory.
func (r *EncryptorRegistry) Register(name string, factory EncryptorFactory) {
	r.factories[name] = factory
}

// Build constructs the named encryptor with key, or an error if no
// such name was registered.
func (r *EncryptorRegistry) Build(name string, key [32]byte) (Encryptor, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("netio: no encryptor registered under %q", name)
	}
	return f(key), nil
}

// NullEncryptor is the no-op Encryptor used when a connection
// negotiates no encryption.
type NullEncryptor struct{}

func (NullEncryptor) Name() string      { return "none" }
func (NullEncryptor) Encrypt([]byte)    {}
func (NullEncryptor) Decrypt([]byte)    {}

// Salsa20Encryptor is a reference Encryptor implementation, explicitly
// NOT the real VIE/Continuum cipher (out of scope per spec.md
// Non-goals — those ciphers' internals are a boundary-only concern
// here). It exists so the encryption plug-point is exercised
// end-to-end by a real, audited cipher from the Go ecosystem.
type Salsa20Encryptor struct {
	key   [32]byte
	nonce [8]byte
}

// NewSalsa20Encryptor builds an encryptor keyed from a connection's
// negotiated key material. The nonce is derived from the key itself
// (deterministic, single-use per connection lifetime) since this
// plug-point exists to demonstrate the boundary, not to be a
// production-grade transport cipher.
func NewSalsa20Encryptor(key [32]byte) Encryptor {
	var nonce [8]byte
	copy(nonce[:], key[:8])
	return &Salsa20Encryptor{key: key, nonce: nonce}
}

func (s *Salsa20Encryptor) Name() string { return "salsa20-ref" }

func (s *Salsa20Encryptor) Encrypt(data []byte) {
	salsa20.XORKeyStream(data, data, s.nonce[:], &s.key)
}

func (s *Salsa20Encryptor) Decrypt(data []byte) {
	// Salsa20 is a symmetric stream cipher: XOR with the same
	// keystream both encrypts and decrypts.
	salsa20.XORKeyStream(data, data, s.nonce[:], &s.key)
}

// RandomKey generates a fresh 32-byte key for a new connection,
// typically derived from the conn-init handshake's negotiated
// secret rather than called directly in production, but useful for
// tests and the reference handshake.
func RandomKey() ([32]byte, error) {
	var key [32]byte
	_, err := rand.Read(key[:])
	return key, err
}
