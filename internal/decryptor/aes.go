// Package decryptor implements AES-128 segment decryption for HLS streams.
package decryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mohaanymo/m3u8dl/internal/errs"
	"github.com/mohaanymo/m3u8dl/internal/models"
)

// KeySize is the AES-128 key and IV length.
const KeySize = aes.BlockSize

// Decrypt decrypts data using AES-128-CBC with the given key and IV and strips PKCS7 padding.
func Decrypt(data, key, iv []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key length %d", errs.ErrInvalidKey, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv length %d", errs.ErrInvalidKey, len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not multiple of block size", len(data))
	}

	decrypted := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(decrypted, data)

	return pkcs7Unpad(decrypted), nil
}

// DecryptSegment decrypts a segment body with the secret key.
// Unencrypted keys return data unchanged.
func DecryptSegment(data []byte, secret *models.SecretKey, sequence int64) ([]byte, error) {
	if !secret.Encrypted() {
		return data, nil
	}

	iv := secret.IV
	if iv == nil {
		iv = SegmentIV(sequence)
	}

	return Decrypt(data, secret.Key, iv)
}

// ParseIV parses a hex-encoded IV string (from #EXT-X-KEY IV attribute).
// Format: 0x... or plain hex string
func ParseIV(ivStr string) ([]byte, error) {
	if ivStr == "" {
		return nil, nil
	}

	ivStr = strings.TrimPrefix(strings.TrimPrefix(ivStr, "0x"), "0X")

	iv, err := hex.DecodeString(ivStr)
	if err != nil {
		return nil, fmt.Errorf("%w: parse IV: %v", errs.ErrInvalidKey, err)
	}
	if len(iv) > KeySize {
		return nil, fmt.Errorf("%w: IV longer than %d bytes", errs.ErrInvalidKey, KeySize)
	}

	// Left-pad with zeros.
	if len(iv) < KeySize {
		padded := make([]byte, KeySize)
		copy(padded[KeySize-len(iv):], iv)
		iv = padded
	}

	return iv, nil
}

// SegmentIV derives the IV used when the key directive has none:
// the 32-bit sequence number, big-endian, zero-padded to 16 bytes.
func SegmentIV(sequence int64) []byte {
	iv := make([]byte, KeySize)
	binary.BigEndian.PutUint32(iv[KeySize-4:], uint32(sequence))
	return iv
}

// pkcs7Unpad removes PKCS7 padding from decrypted data.
func pkcs7Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return data // Invalid padding, return as-is
	}
	for i := 0; i < padLen; i++ {
		if data[len(data)-1-i] != byte(padLen) {
			return data
		}
	}
	return data[:len(data)-padLen]
}
