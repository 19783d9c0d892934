package protocol

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
)

// DiscoveryKey decrypts the announcements broadcast on UDP port 6667. It is
// md5("yGAdlopoPVldABfn"), shared by every device.
var DiscoveryKey = mustHex("6c1ec8e2bb9bb59ab50b0daf649b410a")

// KeySize is the AES-128 key length used by every protocol version
const KeySize = 16

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// ParseKey converts a configured device key into AES key bytes. Keys are
// normally the 16-character local key used verbatim; a 32-character hex
// string is decoded to its 16 raw bytes.
func ParseKey(s string) ([]byte, error) {
	switch len(s) {
	case KeySize:
		return []byte(s), nil
	case KeySize * 2:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: 32-character key is not hex: %v", ErrInvalidKey, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: length %d (want %d raw or %d hex)", ErrInvalidKey, len(s), KeySize, KeySize*2)
	}
}

// encryptECB encrypts whole blocks with AES in ECB mode. The standard
// library deliberately omits ECB, so blocks are processed one at a time.
func encryptECB(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(plain)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: plaintext %d bytes is not block aligned", ErrBadPadding, len(plain))
	}
	out := make([]byte, len(plain))
	for i := 0; i < len(plain); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], plain[i:i+aes.BlockSize])
	}
	return out, nil
}

func decryptECB(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext %d bytes is not block aligned", ErrDecrypt, len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: pad byte %d", ErrBadPadding, n)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: inconsistent pad bytes", ErrBadPadding)
		}
	}
	return b[:len(b)-n], nil
}

// Encrypt pads plaintext (PKCS#7) and encrypts it with AES-128-ECB.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	return encryptECB(key, pkcs7Pad(plaintext))
}

// Decrypt decrypts AES-128-ECB ciphertext and removes PKCS#7 padding.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	plain, err := decryptECB(key, ciphertext)
	if err != nil {
		return nil, err
	}
	out, err := pkcs7Unpad(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return out, nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func crc32Of(b []byte) []byte {
	out := make([]byte, CRCSize)
	binary.BigEndian.PutUint32(out, crc32.ChecksumIEEE(b))
	return out
}

// digest31 is the 16 hex characters of md5 that prefix 3.1 control payloads.
func digest31(encoded string, v Version, key []byte) string {
	sum := md5.Sum([]byte("data=" + encoded + "||lpv=" + string(v) + "||" + string(key)))
	return hex.EncodeToString(sum[:])[8:24]
}
