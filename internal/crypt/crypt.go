package szcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/crypto/pbkdf2"

	"github.com/tmreyno/szarc/internal/constants"
)

const (
	KeySize   = 32 // AES-256
	BlockSize = aes.BlockSize
	SaltSize  = 16
	IVSize    = BlockSize

	// TestBlockSize is the ciphertext length of the password check block:
	// one 16-byte known plaintext, PKCS#7 padded to two cipher blocks.
	TestBlockSize = 2 * BlockSize
)

// testPattern is the known plaintext encrypted once per archive so a wrong
// password is rejected before any bulk decryption starts.
var testPattern = [BlockSize]byte{
	's', 'z', 'a', 'r', 'c', 0x00, 0xA5, 0x5A,
	0xC3, 0x3C, 0x0F, 0xF0, 0x96, 0x69, 0x78, 0x87,
}

// Keyer owns the derived key material for one archive. Per-chunk IVs are
// derived deterministically from the base IV and the chunk index, so
// decryption needs nothing beyond the password and the preamble.
type Keyer struct {
	block  cipher.Block
	salt   [SaltSize]byte
	baseIV [IVSize]byte
}

// NewKeyer derives fresh key material for archive creation: random salt,
// random base IV.
func NewKeyer(password string) (*Keyer, error) {
	var salt [SaltSize]byte
	var iv [IVSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("salt generation: %w", err)
	}
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, fmt.Errorf("iv generation: %w", err)
	}
	return OpenKeyer(password, salt[:], iv[:])
}

// OpenKeyer rebuilds the key material of an existing archive from its
// persisted salt and base IV.
func OpenKeyer(password string, salt, baseIV []byte) (*Keyer, error) {
	if len(salt) != SaltSize || len(baseIV) != IVSize {
		return nil, fmt.Errorf("bad salt/iv material lengths %d/%d", len(salt), len(baseIV))
	}
	key := pbkdf2.Key([]byte(password), salt, constants.KDFIterations, KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	k := &Keyer{block: block}
	copy(k.salt[:], salt)
	copy(k.baseIV[:], baseIV)
	return k, nil
}

func (k *Keyer) Salt() []byte   { return k.salt[:] }
func (k *Keyer) BaseIV() []byte { return k.baseIV[:] }

// chunkIV derives the IV for a chunk index.
func (k *Keyer) chunkIV(index uint64) [IVSize]byte {
	var seed [IVSize + 8]byte
	copy(seed[:], k.baseIV[:])
	binary.BigEndian.PutUint64(seed[IVSize:], index)
	sum := sha256.Sum256(seed[:])
	var iv [IVSize]byte
	copy(iv[:], sum[:IVSize])
	return iv
}

// SealChunk encrypts src (AES-256-CBC, PKCS#7) under the chunk-index IV,
// reusing dst's backing array when possible.
func (k *Keyer) SealChunk(dst, src []byte, index uint64) []byte {
	padded := len(src) + BlockSize - len(src)%BlockSize
	if cap(dst) < padded {
		dst = make([]byte, padded)
	}
	dst = dst[:padded]
	copy(dst, src)
	pad := byte(padded - len(src))
	for i := len(src); i < padded; i++ {
		dst[i] = pad
	}
	iv := k.chunkIV(index)
	cipher.NewCBCEncrypter(k.block, iv[:]).CryptBlocks(dst, dst)
	return dst
}

// OpenChunk decrypts a sealed chunk and strips its padding. A padding
// violation means either corruption or a wrong key; the caller decides
// which based on whether the password already passed verification.
func (k *Keyer) OpenChunk(dst, src []byte, index uint64) ([]byte, error) {
	if len(src) == 0 || len(src)%BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a positive multiple of the cipher block", len(src))
	}
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}
	dst = dst[:len(src)]
	iv := k.chunkIV(index)
	cipher.NewCBCDecrypter(k.block, iv[:]).CryptBlocks(dst, src)
	return stripPad(dst)
}

func stripPad(buf []byte) ([]byte, error) {
	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > BlockSize || pad > len(buf) {
		return nil, fmt.Errorf("invalid block padding")
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid block padding")
		}
	}
	return buf[:len(buf)-pad], nil
}

// TestBlock encrypts the known pattern under the base IV. Stored in the
// first volume's preamble.
func (k *Keyer) TestBlock() []byte {
	padded := make([]byte, TestBlockSize)
	copy(padded, testPattern[:])
	for i := BlockSize; i < TestBlockSize; i++ {
		padded[i] = BlockSize
	}
	cipher.NewCBCEncrypter(k.block, k.baseIV[:]).CryptBlocks(padded, padded)
	return padded
}

// VerifyTestBlock reports whether the supplied password (already folded
// into the Keyer) recovers the known pattern. Constant-time compare; a
// false return must map to the wrong-password outcome, and no payload
// decryption may be attempted after it.
func (k *Keyer) VerifyTestBlock(sealed []byte) bool {
	if len(sealed) != TestBlockSize {
		return false
	}
	plain := make([]byte, TestBlockSize)
	cipher.NewCBCDecrypter(k.block, k.baseIV[:]).CryptBlocks(plain, sealed)
	if subtle.ConstantTimeCompare(plain[:BlockSize], testPattern[:]) != 1 {
		return false
	}
	stripped, err := stripPad(plain)
	return err == nil && len(stripped) == BlockSize
}

// SealedOverhead returns the ciphertext growth for a plaintext length.
func SealedOverhead(rawLen int) int {
	return BlockSize - rawLen%BlockSize
}
