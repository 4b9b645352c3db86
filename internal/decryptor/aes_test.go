package decryptor

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/m3u8dl/internal/errs"
	"github.com/mohaanymo/m3u8dl/internal/models"
)

func encrypt(t *testing.T, plain, key, iv []byte) []byte {
	t.Helper()

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(bytes.Clone(plain), bytes.Repeat([]byte{byte(pad)}, pad)...)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestDecryptRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")
	plain := []byte("transport stream payload")

	got, err := Decrypt(encrypt(t, plain, key, iv), key, iv)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestDecryptRejectsBadInput(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)

	_, err := Decrypt(make([]byte, 16), key[:8], iv)
	assert.ErrorIs(t, err, errs.ErrInvalidKey)

	_, err = Decrypt(make([]byte, 15), key, iv)
	assert.Error(t, err)
}

func TestDecryptSegmentDerivesIV(t *testing.T) {
	key := []byte("0123456789abcdef")
	plain := []byte("segment seven")
	data := encrypt(t, plain, key, SegmentIV(7))

	got, err := DecryptSegment(data, &models.SecretKey{Key: key, Method: models.MethodAES128}, 7)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestDecryptSegmentNoneKey(t *testing.T) {
	data := []byte("clear")
	got, err := DecryptSegment(data, models.NoneKey, 3)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestParseIV(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{name: "empty", in: "", want: nil},
		{
			name: "full with prefix",
			in:   "0x000102030405060708090A0B0C0D0E0F",
			want: []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		},
		{
			name: "short is left padded",
			in:   "0x01",
			want: append(make([]byte, 15), 1),
		},
		{name: "not hex", in: "0xZZ", wantErr: true},
		{name: "too long", in: "0x" + "00112233445566778899aabbccddeeff00", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIV(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSegmentIV(t *testing.T) {
	iv := SegmentIV(0x01020304)
	assert.Len(t, iv, 16)
	assert.Equal(t, make([]byte, 12), iv[:12])
	assert.Equal(t, []byte{1, 2, 3, 4}, iv[12:])
}

func TestPKCS7Unpad(t *testing.T) {
	assert.Equal(t, []byte("abc"), pkcs7Unpad([]byte("abc\x03\x03\x03")))
	assert.Equal(t, []byte("abc\x03\x02"), pkcs7Unpad([]byte("abc\x03\x02")))
	assert.Empty(t, pkcs7Unpad(nil))
}
