package kv

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const envelopeFormatVersion = 1

// keyCheckPlaintext is sealed into the keystore header so a wrong passphrase
// is detected at open time instead of on the first read.
var keyCheckPlaintext = []byte("meshroute-kv")

// ScryptParams are the key-derivation tunables recorded in the keystore header.
type ScryptParams struct {
	N int `json:"scrypt_N"`
	R int `json:"scrypt_r"`
	P int `json:"scrypt_p"`
}

// DefaultScryptParams returns interactive-strength parameters.
func DefaultScryptParams() ScryptParams { return ScryptParams{N: 1 << 15, R: 8, P: 1} }

// keystoreHeader is written once per directory and holds the KDF inputs.
type keystoreHeader struct {
	V     int    `json:"v"`
	Salt  []byte `json:"salt"`
	Check []byte `json:"check"`
	ScryptParams
}

// sealedRecord is the on-disk form of one encrypted value.
type sealedRecord struct {
	V      int    `json:"v"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

func deriveKey(passphrase string, salt []byte, p ScryptParams) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, p.N, p.R, p.P, chacha20poly1305.KeySize)
}

// newKeystoreHeader derives a fresh key and returns it with its header.
func newKeystoreHeader(passphrase string, p ScryptParams) (keystoreHeader, []byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return keystoreHeader{}, nil, err
	}
	key, err := deriveKey(passphrase, salt, p)
	if err != nil {
		return keystoreHeader{}, nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return keystoreHeader{}, nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte // zero nonce, key is unique per salt
	h := keystoreHeader{
		V:            envelopeFormatVersion,
		Salt:         salt,
		Check:        aead.Seal(nil, nonce[:], keyCheckPlaintext, salt),
		ScryptParams: p,
	}
	return h, key, nil
}

// openKeystoreHeader re-derives the key and verifies it against the header.
func openKeystoreHeader(passphrase string, raw []byte) ([]byte, error) {
	var h keystoreHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, err
	}
	if h.V > envelopeFormatVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", h.V)
	}
	key, err := deriveKey(passphrase, h.Salt, h.ScryptParams)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	if _, err := aead.Open(nil, nonce[:], h.Check, h.Salt); err != nil {
		return nil, ErrWrongPassphrase
	}
	return key, nil
}

// seal encrypts value under key, binding it to the record name.
func seal(key []byte, name string, value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return json.Marshal(sealedRecord{
		V:      envelopeFormatVersion,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, value, []byte(name)),
	})
}

func open(key []byte, name string, raw []byte) ([]byte, error) {
	var rec sealedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.V > envelopeFormatVersion {
		return nil, fmt.Errorf("unsupported record version %d", rec.V)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(rec.Nonce) != aead.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	pt, err := aead.Open(nil, rec.Nonce, rec.Cipher, []byte(name))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}
