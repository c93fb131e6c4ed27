package component

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Digest is a content hash of a component binary.
type Digest struct {
	algorithm string // sha256, sha512
	value     string // hex
}

// NewDigest creates a digest from algorithm and hex value.
func NewDigest(algorithm, hexValue string) (Digest, error) {
	switch algorithm {
	case "sha256", "sha512":
	default:
		return Digest{}, fmt.Errorf("unsupported digest algorithm: %s", algorithm)
	}
	if _, err := hex.DecodeString(hexValue); err != nil || hexValue == "" {
		return Digest{}, fmt.Errorf("invalid %s digest value %q", algorithm, hexValue)
	}
	return Digest{algorithm: algorithm, value: strings.ToLower(hexValue)}, nil
}

// ParseDigest parses "sha256:abc123...".
func ParseDigest(s string) (Digest, error) {
	algorithm, hexValue, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Digest{}, fmt.Errorf("invalid digest format: %s", s)
	}
	return NewDigest(algorithm, hexValue)
}

// ComputeDigest returns the sha256 digest of data.
func ComputeDigest(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{algorithm: "sha256", value: hex.EncodeToString(sum[:])}
}

// ComputeDigestSHA256 computes the SHA-256 digest of reader contents.
func ComputeDigestSHA256(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	return Digest{algorithm: "sha256", value: hex.EncodeToString(h.Sum(nil))}, nil
}

// String returns the canonical digest string, or "" for the zero digest.
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return d.algorithm + ":" + d.value
}

// Algorithm returns the hash algorithm.
func (d Digest) Algorithm() string { return d.algorithm }

// Value returns the hex-encoded hash.
func (d Digest) Value() string { return d.value }

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool { return d.algorithm == "" }

// Equals checks equality with another digest.
func (d Digest) Equals(other Digest) bool {
	return d.algorithm == other.algorithm && d.value == other.value
}

// Verify checks that data hashes to this digest.
func (d Digest) Verify(data []byte) error {
	var computed Digest
	switch d.algorithm {
	case "sha256":
		computed = ComputeDigest(data)
	case "sha512":
		sum := sha512.Sum512(data)
		computed = Digest{algorithm: "sha512", value: hex.EncodeToString(sum[:])}
	default:
		return fmt.Errorf("unsupported algorithm: %q", d.algorithm)
	}
	if !d.Equals(computed) {
		return fmt.Errorf("digest mismatch: expected %s, got %s", d, computed)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Digest{}
		return nil
	}
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
