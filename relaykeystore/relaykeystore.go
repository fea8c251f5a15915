// Package relaykeystore holds the relay's long-lived RSA identity,
// rotates it on a schedule, and persists it atomically across restarts.
package relaykeystore

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nodecrypt/relay-go/cryptoprimitives"
	"github.com/nodecrypt/relay-go/internal/securefile"
	"github.com/nodecrypt/relay-go/observability"
)

// DefaultRotationInterval is the default RSA keypair lifetime (spec §4.2/§6).
const DefaultRotationInterval = 24 * time.Hour

// Identity is one generation of the relay's RSA keypair.
type Identity struct {
	Priv        *rsa.PrivateKey
	PubDER      []byte
	Fingerprint [32]byte
	CreatedAt   time.Time
}

// Store holds the current Identity plus any still-referenced prior
// generations, and persists the current one to a single durable slot.
//
// Rotation swaps the current pointer atomically; in-flight sessions
// that captured an older *Identity keep working off that value
// directly rather than re-resolving through the store, matching
// spec §5's "rotation atomically swaps the identity pointer, existing
// sessions retain their own reference" requirement.
type Store struct {
	mu               sync.RWMutex
	current          *Identity
	byFingerprint    map[[32]byte]*Identity
	rotationInterval time.Duration
	path             string
	observer         observability.RelayObserver
}

// Open loads the persisted identity at path if its age is within
// rotationInterval, otherwise generates and persists a fresh one. A
// missing or unreadable file is treated the same as "no prior identity".
func Open(path string, rotationInterval time.Duration, observer observability.RelayObserver) (*Store, error) {
	if rotationInterval <= 0 {
		rotationInterval = DefaultRotationInterval
	}
	if observer == nil {
		observer = observability.NoopRelayObserver
	}
	s := &Store{
		byFingerprint:    make(map[[32]byte]*Identity),
		rotationInterval: rotationInterval,
		path:             path,
		observer:         observer,
	}

	if id, err := loadIdentity(path); err == nil && time.Since(id.CreatedAt) < rotationInterval {
		s.setCurrentLocked(id)
		return s, nil
	}

	id, err := generateIdentity()
	if err != nil {
		return nil, err
	}
	if err := s.persist(id); err != nil {
		return nil, err
	}
	s.setCurrentLocked(id)
	return s, nil
}

func (s *Store) setCurrentLocked(id *Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = id
	s.byFingerprint[id.Fingerprint] = id
}

// Current returns the active identity. It does not generate one; Open
// always installs an identity before returning a Store.
func (s *Store) Current() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Lookup finds a (possibly rotated-out) identity by its public key
// fingerprint, for sessions that captured an older key reference.
func (s *Store) Lookup(fingerprint [32]byte) (*Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byFingerprint[fingerprint]
	return id, ok
}

// RotateIfDue generates and persists a new identity if the current one
// is at least rotationInterval old, relative to now. It reports
// whether a rotation occurred.
func (s *Store) RotateIfDue(now time.Time) (bool, error) {
	cur := s.Current()
	if cur != nil && now.Sub(cur.CreatedAt) < s.rotationInterval {
		return false, nil
	}
	id, err := generateIdentity()
	if err != nil {
		return false, err
	}
	if err := s.persist(id); err != nil {
		return false, err
	}
	s.setCurrentLocked(id)
	s.observer.KeyRotated()
	return true, nil
}

func generateIdentity() (*Identity, error) {
	priv, err := cryptoprimitives.GenerateRSAKeypair()
	if err != nil {
		return nil, err
	}
	der, err := cryptoprimitives.MarshalRSAPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Priv:        priv,
		PubDER:      der,
		Fingerprint: cryptoprimitives.FingerprintRSAPublicKey(der),
		CreatedAt:   time.Now(),
	}, nil
}

// keyFile is the on-disk JSON persistence format for the RelayIdentity slot.
type keyFile struct {
	PrivateKeyPKCS1B64 string    `json:"private_key_pkcs1_b64"`
	CreatedAt          time.Time `json:"created_at"`
}

func (s *Store) persist(id *Identity) error {
	if s.path == "" {
		return nil
	}
	if err := securefile.MkdirAllOwnerOnly(filepath.Dir(s.path)); err != nil {
		return err
	}
	kf := keyFile{
		PrivateKeyPKCS1B64: base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PrivateKey(id.Priv)),
		CreatedAt:          id.CreatedAt,
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	return securefile.WriteFileAtomic(s.path, data, 0o600)
}

func loadIdentity(path string) (*Identity, error) {
	if path == "" {
		return nil, fmt.Errorf("relaykeystore: no persistence path configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, err
	}
	der, err := base64.StdEncoding.DecodeString(kf.PrivateKeyPKCS1B64)
	if err != nil {
		return nil, err
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, err
	}
	pubDER, err := cryptoprimitives.MarshalRSAPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Priv:        priv,
		PubDER:      pubDER,
		Fingerprint: cryptoprimitives.FingerprintRSAPublicKey(pubDER),
		CreatedAt:   kf.CreatedAt,
	}, nil
}
