// Package crypto seals provider API keys at rest with AES-GCM. Every
// sealed value is bound to the name of the provider it belongs to, so a
// ciphertext copied onto another provider row fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrWrongBinding = errors.New("secret does not belong to this provider")

type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Keyring holds every master key that may still open stored secrets and
// the one new secrets are sealed with.
type Keyring struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		cp[id] = append([]byte(nil), key...)
	}
	return &Keyring{currentKeyID: currentKeyID, keys: cp}, nil
}

func (k *Keyring) CurrentKeyID() string { return k.currentKeyID }

func (k *Keyring) gcm(keyID string) (cipher.AEAD, error) {
	key, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

func binding(provider string) []byte {
	return []byte("roundtable/provider/" + provider)
}

// Seal encrypts secret for provider with the current key.
func (k *Keyring) Seal(provider string, secret []byte) (Envelope, error) {
	aead, err := k.gcm(k.currentKeyID)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	return Envelope{
		KeyID:      k.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, secret, binding(provider))),
	}, nil
}

// Open decrypts env for provider. A wrong provider name surfaces as
// ErrWrongBinding.
func (k *Keyring) Open(provider string, env Envelope) ([]byte, error) {
	aead, err := k.gcm(env.KeyID)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, binding(provider))
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", provider, ErrWrongBinding)
	}
	return plaintext, nil
}

// SealString returns the JSON envelope stored in the providers table.
func (k *Keyring) SealString(provider, secret string) (string, error) {
	env, err := k.Seal(provider, []byte(secret))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (k *Keyring) OpenString(provider, raw string) (string, error) {
	env, err := parse(raw)
	if err != nil {
		return "", err
	}
	pt, err := k.Open(provider, env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Stale reports whether raw was sealed with a key other than the current one.
func (k *Keyring) Stale(raw string) (bool, error) {
	env, err := parse(raw)
	if err != nil {
		return false, err
	}
	return env.KeyID != k.currentKeyID, nil
}

// Reseal opens raw and seals the plaintext again under the current key.
func (k *Keyring) Reseal(provider, raw string) (string, error) {
	plain, err := k.OpenString(provider, raw)
	if err != nil {
		return "", err
	}
	return k.SealString(provider, plain)
}

func parse(raw string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
