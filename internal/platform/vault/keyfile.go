package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keyFileHeader = "gatekeeper-archive-key/v1"
	saltSize      = 16

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 2
)

// ErrWrongPassphrase is returned when the sealed key cannot be opened
var ErrWrongPassphrase = errors.New("archive key passphrase does not match")

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// seal layout: salt || nonce || ciphertext, base64 encoded after a header line
func seal(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	blob := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, []byte(keyFileHeader))

	var out bytes.Buffer
	out.WriteString(keyFileHeader)
	out.WriteByte('\n')
	out.WriteString(base64.StdEncoding.EncodeToString(blob))
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func unseal(passphrase string, data []byte) ([]byte, error) {
	header, body, ok := strings.Cut(string(data), "\n")
	if !ok || header != keyFileHeader {
		return nil, fmt.Errorf("unrecognized archive key file format")
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("decoding archive key: %w", err)
	}
	if len(blob) < saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("archive key file truncated")
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ciphertext := blob[saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(keyFileHeader))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

func loadIdentity(path, passphrase string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plaintext, err := unseal(passphrase, data)
	if err != nil {
		return nil, err
	}
	identity, err := age.ParseX25519Identity(string(plaintext))
	if err != nil {
		return nil, fmt.Errorf("parsing archive identity: %w", err)
	}
	return identity, nil
}

func storeIdentity(path, passphrase string, identity *age.X25519Identity) error {
	sealed, err := seal(passphrase, []byte(identity.String()))
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating archive key file: %w", err)
	}
	if _, err := f.Write(sealed); err != nil {
		f.Close()
		return fmt.Errorf("writing archive key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
