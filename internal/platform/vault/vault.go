// Package vault encrypts approved archives at rest.
//
// Archives are zstd-compressed and then age-encrypted to a single X25519
// identity owned by this machine. The identity is stored on disk sealed with
// XChaCha20-Poly1305 under a key derived from a local passphrase (argon2id),
// and is generated on first use.
package vault

import (
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

// Suffix is appended to archive names written by EncryptFile
const Suffix = ".zst.age"

// Vault holds the unsealed archive identity
type Vault struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
	logger    *logger.Logger
}

// Open loads the sealed identity at keyPath, generating and sealing a new one
// when the file does not exist yet.
func Open(keyPath, passphrase string, log *logger.Logger) (*Vault, error) {
	log = log.WithField("component", "vault")

	identity, err := loadIdentity(keyPath, passphrase)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		identity, err = age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("generating archive identity: %w", err)
		}
		if err := storeIdentity(keyPath, passphrase, identity); err != nil {
			return nil, err
		}
		log.Info("generated archive key", "path", keyPath, "recipient", identity.Recipient().String())
	default:
		return nil, err
	}

	return &Vault{
		identity:  identity,
		recipient: identity.Recipient(),
		logger:    log,
	}, nil
}

// Recipient returns the public age recipient archives are encrypted to
func (v *Vault) Recipient() string {
	return v.recipient.String()
}

// Encrypt compresses and encrypts src into dst
func (v *Vault) Encrypt(dst io.Writer, src io.Reader) error {
	aw, err := age.Encrypt(dst, v.recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	zw, err := zstd.NewWriter(aw, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return fmt.Errorf("compressing archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing compression: %w", err)
	}
	if err := aw.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}
	return nil
}

// Decrypt reverses Encrypt
func (v *Vault) Decrypt(dst io.Writer, src io.Reader) error {
	ar, err := age.Decrypt(src, v.identity)
	if err != nil {
		return fmt.Errorf("decrypting archive: %w", err)
	}
	zr, err := zstd.NewReader(ar)
	if err != nil {
		return fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer zr.Close()
	if _, err := io.Copy(dst, zr); err != nil {
		return fmt.Errorf("decompressing archive: %w", err)
	}
	return nil
}

// EncryptFile encrypts srcPath into a new file at dstPath. dstPath must not
// exist. The file is synced before returning; on failure it is removed.
// When plain is not nil it receives every plaintext byte that was encrypted.
func (v *Vault) EncryptFile(srcPath, dstPath string, plain io.Writer) (err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dstPath)
		}
	}()

	var r io.Reader = src
	if plain != nil {
		r = io.TeeReader(src, plain)
	}
	if err = v.Encrypt(dst, r); err != nil {
		return err
	}
	return dst.Sync()
}

// DecryptFile restores an archive written by EncryptFile
func (v *Vault) DecryptFile(srcPath, dstPath string) (err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dstPath)
		}
	}()

	return v.Decrypt(dst, src)
}
