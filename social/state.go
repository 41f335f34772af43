package social

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// StateManager encodes the OAuth state parameter and verifies it on return.
type StateManager interface {
	Encode(state *OAuthState) (string, error)
	Decode(token string) (*OAuthState, error)
}

// OAuthState travels through the provider inside the state parameter.
type OAuthState struct {
	Nonce        string `json:"n"`
	Provider     string `json:"p"`
	CodeVerifier string `json:"cv,omitempty"`
	RedirectURL  string `json:"r,omitempty"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
}

// EncryptedStateManager seals the state with AES-GCM and signs the
// ciphertext with HMAC-SHA256, so the code verifier never leaves in clear.
type EncryptedStateManager struct {
	encryptionKey []byte
	hmacKey       []byte
	ttl           time.Duration
	now           func() time.Time
}

var _ StateManager = (*EncryptedStateManager)(nil)

// NewEncryptedStateManager uses the given 32 byte keys. A zero ttl means ten minutes.
func NewEncryptedStateManager(encryptionKey, hmacKey []byte, ttl time.Duration) *EncryptedStateManager {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &EncryptedStateManager{
		encryptionKey: encryptionKey,
		hmacKey:       hmacKey,
		ttl:           ttl,
		now:           time.Now,
	}
}

// NewEphemeralStateManager generates random keys. States it issues are only
// readable by the same process.
func NewEphemeralStateManager(ttl time.Duration) (*EncryptedStateManager, error) {
	encKey := make([]byte, 32)
	macKey := make([]byte, 32)
	if _, err := rand.Read(encKey); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate state key")
	}
	if _, err := rand.Read(macKey); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate state key")
	}
	return NewEncryptedStateManager(encKey, macKey, ttl), nil
}

// Encode fills in the nonce and timestamps when missing, then seals state.
func (sm *EncryptedStateManager) Encode(state *OAuthState) (string, error) {
	if state == nil {
		return "", ErrInvalidState
	}

	now := sm.now()
	if state.IssuedAt == 0 {
		state.IssuedAt = now.Unix()
	}
	if state.ExpiresAt == 0 {
		state.ExpiresAt = now.Add(sm.ttl).Unix()
	}
	if state.Nonce == "" {
		state.Nonce = randomToken(16)
	}

	plaintext, err := json.Marshal(state)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to marshal oauth state")
	}

	gcm, err := sm.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate nonce")
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	out := append(sm.sign(sealed), sealed...)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decode verifies the signature, opens the state and checks its expiry.
func (sm *EncryptedStateManager) Decode(token string) (*OAuthState, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(data) < sha256.Size {
		return nil, ErrInvalidState
	}

	signature, sealed := data[:sha256.Size], data[sha256.Size:]
	if !hmac.Equal(signature, sm.sign(sealed)) {
		return nil, ErrInvalidState
	}

	gcm, err := sm.aead()
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, ErrInvalidState
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidState
	}

	var state OAuthState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, ErrInvalidState
	}
	if sm.now().Unix() > state.ExpiresAt {
		return nil, ErrStateExpired
	}
	return &state, nil
}

func (sm *EncryptedStateManager) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create GCM")
	}
	return gcm, nil
}

func (sm *EncryptedStateManager) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, sm.hmacKey)
	mac.Write(data)
	return mac.Sum(nil)
}

func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewCodeVerifier returns a PKCE verifier and its S256 challenge.
func NewCodeVerifier() (verifier, challenge string) {
	verifier = randomToken(32)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}
