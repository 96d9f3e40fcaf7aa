package license

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wslicense/internal/security"
	"wslicense/internal/store"
)

const (
	AlgorithmRS256 = "RS256"
	DefaultKeySize = 2048

	// An unknown kid rereads the store at most this often.
	keyReloadInterval = time.Second
)

// KeyPair is one RSA signing key. Retired keys stay IsValid so tokens
// they signed keep verifying until the key is invalidated.
type KeyPair struct {
	Kid        string
	Algorithm  string
	KeySize    int
	PublicKey  *rsa.PublicKey
	PrivateKey *rsa.PrivateKey
	CreatedAt  time.Time
	IsValid    bool
	Active     bool
}

// JWK is the public half of a key pair in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type keyRecord struct {
	Kid              string                     `json:"kid"`
	Algorithm        string                     `json:"algorithm"`
	KeySize          int                        `json:"key_size"`
	PublicKeyPEM     string                     `json:"public_key"`
	PrivateKeyPEM    string                     `json:"private_key,omitempty"`
	EncryptedPrivate *security.EncryptedPayload `json:"encrypted_private_key,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
	IsValid          bool                       `json:"is_valid"`
	Active           bool                       `json:"active"`
}

// KeyStoreOptions configure a KeyStore.
type KeyStoreOptions struct {
	// Passphrase seals private keys at rest; empty stores them as PEM.
	Passphrase string
	KeySize    int
	Clock      Clock
	Logger     *slog.Logger
	Encryption *security.EncryptionConfig
	// ReadOnly skips generating a key when none is stored.
	ReadOnly bool
}

// KeyStore owns the signing keys. Rotation and invalidation are visible
// to every subsequent read, including those made by another process over
// the same store once Reload runs or an unknown kid is looked up.
type KeyStore struct {
	st      store.Store
	opts    KeyStoreOptions
	clock   Clock
	logger  *slog.Logger
	reloads *rate.Limiter

	mu     sync.RWMutex
	keys   map[string]*KeyPair
	active string
}

// NewKeyStore loads persisted keys and generates the first key pair when
// none exists.
func NewKeyStore(ctx context.Context, st store.Store, opts KeyStoreOptions) (*KeyStore, error) {
	if opts.KeySize == 0 {
		opts.KeySize = DefaultKeySize
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ks := &KeyStore{
		st:     st,
		opts:   opts,
		clock:  opts.Clock,
		logger:  opts.Logger,
		reloads: rate.NewLimiter(rate.Every(keyReloadInterval), 1),
	}

	keys, active, err := ks.load(ctx)
	if err != nil {
		return nil, err
	}
	ks.keys, ks.active = keys, active
	ks.logger.InfoContext(ctx, "Signing keys loaded",
		slog.Int("count", len(keys)),
		slog.String("active_kid", active))

	if ks.active == "" && !opts.ReadOnly {
		if _, err := ks.Rotate(ctx); err != nil {
			return nil, err
		}
	}
	return ks, nil
}

func (ks *KeyStore) load(ctx context.Context) (map[string]*KeyPair, string, error) {
	const op = "keystore.load"

	records, err := ks.st.List(ctx, store.BucketKeys)
	if err != nil {
		return nil, "", newError(op, KindPersistenceFailure, err)
	}

	keys := make(map[string]*KeyPair, len(records))
	var newestActive *KeyPair
	for kid, data := range records {
		var rec keyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, "", errorf(op, KindPersistenceFailure, "decode key %s: %w", kid, err)
		}
		kp, err := ks.decode(rec)
		if err != nil {
			return nil, "", newError(op, KindKeyUnavailable, err)
		}
		keys[kp.Kid] = kp
		if kp.Active && kp.IsValid && (newestActive == nil || kp.CreatedAt.After(newestActive.CreatedAt)) {
			newestActive = kp
		}
	}

	var active string
	if newestActive != nil {
		active = newestActive.Kid
	}
	return keys, active, nil
}

// Reload replaces the in-memory keys with what the store holds now, so
// rotations and invalidations written by another process take effect.
func (ks *KeyStore) Reload(ctx context.Context) error {
	keys, active, err := ks.load(ctx)
	if err != nil {
		return err
	}

	ks.mu.Lock()
	changed := active != ks.active || len(keys) != len(ks.keys)
	ks.keys, ks.active = keys, active
	ks.mu.Unlock()

	if changed {
		ks.logger.InfoContext(ctx, "Signing keys reloaded",
			slog.Int("count", len(keys)),
			slog.String("active_kid", active))
	}
	return nil
}

// Active returns the current signing key.
func (ks *KeyStore) Active() (*KeyPair, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	kp, ok := ks.keys[ks.active]
	if !ok || !kp.IsValid || kp.PrivateKey == nil {
		return nil, newError("keystore.active", KindKeyUnavailable, errors.New("no valid signing key"))
	}
	return kp, nil
}

// PublicKey returns the verification key for kid. A kid this instance
// has not seen rereads the store, rate limited.
func (ks *KeyStore) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	kp, ok := ks.keys[kid]
	ks.mu.RUnlock()

	if !ok && ks.reloads.Allow() {
		if err := ks.Reload(ctx); err != nil {
			return nil, err
		}
		ks.mu.RLock()
		kp, ok = ks.keys[kid]
		ks.mu.RUnlock()
	}

	if !ok || !kp.IsValid {
		return nil, errorf("keystore.public_key", KindKeyUnavailable, "unknown or invalidated kid %q", kid)
	}
	return kp.PublicKey, nil
}

// Rotate generates a new active key. The previous key is retired but
// still verifies tokens it signed.
func (ks *KeyStore) Rotate(ctx context.Context) (*KeyPair, error) {
	const op = "keystore.rotate"
	if ks.opts.ReadOnly {
		return nil, errorf(op, KindKeyUnavailable, "key store is read-only")
	}

	priv, err := rsa.GenerateKey(rand.Reader, ks.opts.KeySize)
	if err != nil {
		return nil, newError(op, KindKeyUnavailable, err)
	}

	now := ks.clock.Now().UTC()
	kp := &KeyPair{
		Kid:        fmt.Sprintf("k%d-%s", now.Unix(), randomSuffix()),
		Algorithm:  AlgorithmRS256,
		KeySize:    ks.opts.KeySize,
		PublicKey:  &priv.PublicKey,
		PrivateKey: priv,
		CreatedAt:  now,
		IsValid:    true,
		Active:     true,
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := ks.persist(ctx, kp); err != nil {
		return nil, newError(op, KindPersistenceFailure, err)
	}

	if prev, ok := ks.keys[ks.active]; ok {
		retired := *prev
		retired.Active = false
		if err := ks.persist(ctx, &retired); err != nil {
			ks.logger.WarnContext(ctx, "Failed to persist retired key",
				slog.String("kid", prev.Kid),
				slog.String("error", err.Error()))
		} else {
			ks.keys[prev.Kid] = &retired
		}
	}

	ks.keys[kp.Kid] = kp
	ks.active = kp.Kid

	ks.logger.InfoContext(ctx, "Signing key rotated",
		slog.String("kid", kp.Kid),
		slog.Int("key_size", kp.KeySize))
	return kp, nil
}

// Invalidate marks kid unusable for signing and verification.
func (ks *KeyStore) Invalidate(ctx context.Context, kid string) error {
	const op = "keystore.invalidate"

	ks.mu.Lock()
	defer ks.mu.Unlock()

	kp, ok := ks.keys[kid]
	if !ok {
		return errorf(op, KindNotFound, "unknown kid %q", kid)
	}

	updated := *kp
	updated.IsValid = false
	updated.Active = false
	if err := ks.persist(ctx, &updated); err != nil {
		return newError(op, KindPersistenceFailure, err)
	}
	ks.keys[kid] = &updated
	if ks.active == kid {
		ks.active = ""
	}

	ks.logger.WarnContext(ctx, "Signing key invalidated", slog.String("kid", kid))
	return nil
}

// Keys returns every known key, newest first.
func (ks *KeyStore) Keys() []KeyPair {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	out := make([]KeyPair, 0, len(ks.keys))
	for _, kp := range ks.keys {
		out = append(out, *kp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// PublicJWKs returns the verification keys that are still valid.
func (ks *KeyStore) PublicJWKs() []JWK {
	keys := ks.Keys()
	out := make([]JWK, 0, len(keys))
	for _, kp := range keys {
		if !kp.IsValid {
			continue
		}
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kp.Kid,
			Alg: kp.Algorithm,
			N:   base64.RawURLEncoding.EncodeToString(kp.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(kp.PublicKey.E)).Bytes()),
		})
	}
	return out
}

func (ks *KeyStore) persist(ctx context.Context, kp *KeyPair) error {
	pubDER, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	rec := keyRecord{
		Kid:          kp.Kid,
		Algorithm:    kp.Algorithm,
		KeySize:      kp.KeySize,
		PublicKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		CreatedAt:    kp.CreatedAt,
		IsValid:      kp.IsValid,
		Active:       kp.Active,
	}

	if kp.PrivateKey != nil {
		privPEM := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(kp.PrivateKey),
		})
		if ks.opts.Passphrase != "" {
			sealed, err := security.Seal(privPEM, []byte(ks.opts.Passphrase), ks.opts.Encryption)
			if err != nil {
				return fmt.Errorf("seal private key: %w", err)
			}
			rec.EncryptedPrivate = sealed
		} else {
			rec.PrivateKeyPEM = string(privPEM)
		}
	}

	return store.PutJSON(ctx, ks.st, store.BucketKeys, kp.Kid, rec)
}

func (ks *KeyStore) decode(rec keyRecord) (*KeyPair, error) {
	pub, err := parseRSAPublicKeyPEM([]byte(rec.PublicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", rec.Kid, err)
	}

	kp := &KeyPair{
		Kid:       rec.Kid,
		Algorithm: rec.Algorithm,
		KeySize:   rec.KeySize,
		PublicKey: pub,
		CreatedAt: rec.CreatedAt,
		IsValid:   rec.IsValid,
		Active:    rec.Active,
	}

	var privPEM []byte
	switch {
	case rec.EncryptedPrivate != nil:
		if ks.opts.Passphrase == "" {
			// verification-only: the private half stays sealed
			return kp, nil
		}
		privPEM, err = security.Open(rec.EncryptedPrivate, []byte(ks.opts.Passphrase))
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", rec.Kid, err)
		}
	case rec.PrivateKeyPEM != "":
		privPEM = []byte(rec.PrivateKeyPEM)
	default:
		return kp, nil
	}

	priv, err := parseRSAPrivateKeyPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", rec.Kid, err)
	}
	kp.PrivateKey = priv
	return kp, nil
}

func parseRSAPublicKeyPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("invalid public key pem")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaPub, nil
}

func parseRSAPrivateKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("invalid private key pem")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
