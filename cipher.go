package pulse

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/twofish"
)

// EncryptionMode selects the block cipher used for packet payloads.
type EncryptionMode int

const (
	// EncryptionAES is AES-256 in CBC mode.
	EncryptionAES EncryptionMode = iota
	// EncryptionTwofish is Twofish-256 in CBC mode.
	EncryptionTwofish
)

func (m EncryptionMode) String() string {
	switch m {
	case EncryptionAES:
		return "aes"
	case EncryptionTwofish:
		return "twofish"
	default:
		return fmt.Sprintf("EncryptionMode(%d)", int(m))
	}
}

// ParseEncryptionMode maps "aes" or "twofish" to a mode.
func ParseEncryptionMode(s string) (EncryptionMode, error) {
	switch s {
	case "aes", "AES":
		return EncryptionAES, nil
	case "twofish", "Twofish":
		return EncryptionTwofish, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedAlgorithm, "mode %q", s)
	}
}

// EncryptionArgs configures payload encryption. Salt is hex encoded.
type EncryptionArgs struct {
	Mode EncryptionMode
	Key  string
	Salt string
}

// Cipher encrypts and decrypts packet payloads.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

const (
	keyIterations = 10000
	keySize       = 32
	// AES and Twofish both use 128-bit blocks.
	cipherBlockSize = aes.BlockSize
)

// NewCipher derives a 256-bit key from args.Key and args.Salt with
// PBKDF2-HMAC-SHA256 and returns a CBC cipher for args.Mode.
func NewCipher(args EncryptionArgs) (Cipher, error) {
	if args.Key == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "empty encryption key")
	}
	salt, err := hex.DecodeString(args.Salt)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "salt: %v", err)
	}
	key := pbkdf2.Key([]byte(args.Key), salt, keyIterations, keySize, sha256.New)

	var block cipher.Block
	switch args.Mode {
	case EncryptionAES:
		block, err = aes.NewCipher(key)
	case EncryptionTwofish:
		block, err = twofish.NewCipher(key)
	default:
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "%v", args.Mode)
	}
	if err != nil {
		return nil, errors.Wrap(err, "new block cipher")
	}
	return &cbcCipher{block: block}, nil
}

// cbcCipher writes a random IV in front of every ciphertext.
type cbcCipher struct {
	block cipher.Block
}

func (c *cbcCipher) Encrypt(plaintext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	padded := pkcs7Pad(plaintext, bs)

	out := make([]byte, bs+len(padded))
	iv := out[:bs]
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "generate iv")
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[bs:], padded)
	return out, nil
}

func (c *cbcCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(ciphertext) < 2*bs || len(ciphertext)%bs != 0 {
		return nil, errors.Wrapf(ErrProtocolDecode, "ciphertext of %d bytes", len(ciphertext))
	}
	iv, body := ciphertext[:bs], ciphertext[bs:]

	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, body)
	return pkcs7Unpad(out, bs)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errors.Wrap(ErrProtocolDecode, "bad padding")
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, errors.Wrap(ErrProtocolDecode, "bad padding")
		}
	}
	return b[:len(b)-n], nil
}
