package cache

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Value-codec wire prefixes. A stored value carries zero, one, or both
// transformations, applied innermost-first: compress, then encrypt.
const (
	compressedPrefix = "compressed:"
	encryptedPrefix  = "encrypted:"
)

// ErrBadKeySize is returned when an encryption key is not 32 bytes (AES-256).
var ErrBadKeySize = errors.New("cache: encryption key must be 32 bytes")

// Codec transforms serialized cache values for the disk and remote tiers.
// Compression is gzip with a base64 body; encryption is AES-256-CBC with a
// fresh random IV per write and PKCS#7 padding, rendered as
// "encrypted:<iv-hex>:<cipher-base64>". Decoding tolerates plain values so
// tiers written before a codec change remain readable.
//
// The zero Codec passes values through unchanged.
type Codec struct {
	compress bool
	key      []byte // nil = no encryption
}

// NewCodec builds a codec. key must be nil (no encryption) or exactly
// 32 bytes.
func NewCodec(compress bool, key []byte) (*Codec, error) {
	if key != nil && len(key) != 32 {
		return nil, ErrBadKeySize
	}
	return &Codec{compress: compress, key: key}, nil
}

// Encode applies the configured transformations to plain.
func (c *Codec) Encode(plain string) (string, error) {
	if c == nil {
		return plain, nil
	}
	out := plain
	if c.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write([]byte(out)); err != nil {
			return "", fmt.Errorf("cache: compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return "", fmt.Errorf("cache: compress: %w", err)
		}
		out = compressedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	if c.key != nil {
		enc, err := encryptCBC(c.key, []byte(out))
		if err != nil {
			return "", err
		}
		out = enc
	}
	return out, nil
}

// Decode reverses Encode. Values without codec prefixes are returned as-is.
func (c *Codec) Decode(encoded string) (string, error) {
	out := encoded
	if strings.HasPrefix(out, encryptedPrefix) {
		if c == nil || c.key == nil {
			return "", errors.New("cache: value is encrypted but no key is configured")
		}
		plain, err := decryptCBC(c.key, out)
		if err != nil {
			return "", err
		}
		out = plain
	}
	if strings.HasPrefix(out, compressedPrefix) {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(out, compressedPrefix))
		if err != nil {
			return "", fmt.Errorf("cache: decompress: %w", err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return "", fmt.Errorf("cache: decompress: %w", err)
		}
		plain, err := io.ReadAll(zr)
		if err != nil {
			return "", fmt.Errorf("cache: decompress: %w", err)
		}
		if err := zr.Close(); err != nil {
			return "", fmt.Errorf("cache: decompress: %w", err)
		}
		out = string(plain)
	}
	return out, nil
}

func encryptCBC(key, plain []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("cache: encrypt: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("cache: encrypt: %w", err)
	}
	padded := padPKCS7(plain, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return encryptedPrefix + hex.EncodeToString(iv) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decryptCBC(key []byte, encoded string) (string, error) {
	rest := strings.TrimPrefix(encoded, encryptedPrefix)
	sep := strings.IndexByte(rest, ':')
	if sep < 0 {
		return "", errors.New("cache: decrypt: malformed encrypted value")
	}
	iv, err := hex.DecodeString(rest[:sep])
	if err != nil || len(iv) != aes.BlockSize {
		return "", errors.New("cache: decrypt: malformed IV")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(rest[sep+1:])
	if err != nil {
		return "", fmt.Errorf("cache: decrypt: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("cache: decrypt: ciphertext length not a block multiple")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("cache: decrypt: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	unpadded, err := unpadPKCS7(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("cache: decrypt: bad padding")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("cache: decrypt: bad padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("cache: decrypt: bad padding")
		}
	}
	return data[:len(data)-n], nil
}
