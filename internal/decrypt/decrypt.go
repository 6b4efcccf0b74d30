// Package decrypt reverses the catalog's obfuscated stream-URL blob: a 2-field
// protobuf-shaped envelope whose first field is ROT-71-scrambled base64 wrapping
// a ChaCha20 ciphertext.
package decrypt

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20"
)

// ErrNoField1 is returned when the protobuf envelope carries no tag-0x0a field —
// the pipeline has nothing to decode.
var ErrNoField1 = fmt.Errorf("decrypt: missing field 1 in protobuf envelope")

// fieldCiphertext, fieldStreamName are the only two tags this envelope uses.
const (
	fieldCiphertext = 0x0a
	fieldStreamName = 0x12
)

// parseEnvelope walks buffer as a flat sequence of (tag byte, varint length,
// payload) records — a fixed 2-field subset of protobuf wire format, not a
// general decoder. Unknown tags are skipped; a length that would overrun the
// buffer stops parsing early rather than erroring, matching how the origin
// service tolerates trailing garbage.
func parseEnvelope(buffer []byte) (ciphertext string, streamName string, ok bool) {
	offset := 0
	for offset < len(buffer) {
		tag := buffer[offset]
		offset++

		length := 0
		shift := uint(0)
		for offset < len(buffer) {
			b := buffer[offset]
			offset++
			length |= int(b&0x7f) << shift
			shift += 7
			if b&0x80 == 0 {
				break
			}
		}

		if offset+length > len(buffer) {
			break
		}
		data := buffer[offset : offset+length]
		offset += length

		switch tag {
		case fieldCiphertext:
			ciphertext = string(data)
			ok = true
		case fieldStreamName:
			streamName = string(data)
		}
	}
	return ciphertext, streamName, ok
}

// EncodeVarintField wraps value as a tag-0x0a length-delimited protobuf field:
// the exact shape the catalog's /fetch endpoint expects as a POST body carrying
// the requested stream path.
func EncodeVarintField(value string) []byte {
	data := []byte(value)
	out := make([]byte, 0, len(data)+6)
	out = append(out, fieldCiphertext)
	out = appendVarint(out, len(data))
	out = append(out, data...)
	return out
}

func appendVarint(out []byte, n int) []byte {
	for n >= 0x80 {
		out = append(out, byte(n)|0x80)
		n >>= 7
	}
	return append(out, byte(n))
}

// rot71 rotates each printable ASCII character (codes 33..126, the 94-character
// "!".."~" range) forward by 71 positions, wrapping within that range. The
// catalog uses this to turn a custom charset into valid standard base64;
// non-printable or out-of-range bytes pass through unchanged.
func rot71(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, c := range input {
		if c >= 33 && c <= 126 {
			b.WriteRune(33 + (c-33+71)%94)
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// StreamURL runs the full pipeline over an encrypted blob fetched from the
// catalog's /fetch endpoint: protobuf envelope -> ROT-71 -> base64 -> ChaCha20,
// keyed by the response's "island" header. It returns the decrypted playable
// URL, truncated at the first ".m3u8" occurrence when present.
func StreamURL(encryptedBlob []byte, islandHeader string) (string, error) {
	ciphertextField, _, ok := parseEnvelope(encryptedBlob)
	if !ok {
		return "", ErrNoField1
	}

	standardB64 := rot71(ciphertextField)

	decoded, err := base64.StdEncoding.DecodeString(standardB64)
	if err != nil {
		return "", fmt.Errorf("decrypt: base64 decode after rot71: %w", err)
	}

	return chacha20Decrypt(decoded, islandHeader)
}

// chacha20Decrypt decrypts data (nonce || ciphertext) with key as the raw
// ChaCha20 key, keystream positioned at block counter 1 (byte offset 64) rather
// than the stream's start — the catalog's ciphertext is produced starting one
// block in, so decryption must seek to the same position.
func chacha20Decrypt(data []byte, key string) (string, error) {
	if len(data) < 12 {
		return "", fmt.Errorf("decrypt: data too short to contain a 12-byte nonce")
	}
	keyBytes := []byte(key)
	if len(keyBytes) != 32 {
		return "", fmt.Errorf("decrypt: key must be 32 bytes, got %d", len(keyBytes))
	}

	nonce := data[:12]
	ciphertext := data[12:]

	cipher, err := chacha20.NewUnauthenticatedCipher(keyBytes, nonce)
	if err != nil {
		return "", fmt.Errorf("decrypt: construct chacha20 cipher: %w", err)
	}
	cipher.SetCounter(1)

	plaintext := make([]byte, len(ciphertext))
	cipher.XORKeyStream(plaintext, ciphertext)

	return extractURL(plaintext), nil
}

// extractURL returns the plaintext truncated right after the first ".m3u8", or,
// failing that, the longest printable-ASCII (non-control) prefix — the
// catch-all for keystream runoff past the real URL.
func extractURL(plaintext []byte) string {
	s := string(plaintext)
	if idx := strings.Index(s, ".m3u8"); idx >= 0 {
		return s[:idx+len(".m3u8")]
	}

	var b strings.Builder
	for _, c := range s {
		if c > 126 || c < 32 {
			break
		}
		b.WriteRune(c)
	}
	return b.String()
}
