package repo

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/blake2b"
)

// Algorithm names the content hash used for checksums.
type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	Blake2b Algorithm = "blake2b"
)

// ParseAlgorithm accepts "sha256", "blake2b" or "" (sha256).
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(s)) {
	case "", SHA256:
		return SHA256, nil
	case Blake2b:
		return Blake2b, nil
	default:
		return "", errors.Newf("unknown checksum algorithm %q (expected sha256 or blake2b)", s)
	}
}

func (a Algorithm) newHash() hash.Hash {
	if a == Blake2b {
		h, _ := blake2b.New256(nil)
		return h
	}
	return sha256.New()
}

// Sum returns the full hex digest of data.
func (a Algorithm) Sum(data []byte) string {
	h := a.newHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SumFile returns the full hex digest of the file at path.
func (a Algorithm) SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := a.newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks that the digest of data starts with checksum.
func (a Algorithm) Verify(data []byte, checksum string) error {
	actual := a.Sum(data)
	if len(checksum) > len(actual) || !strings.EqualFold(actual[:len(checksum)], checksum) {
		got := actual
		if len(checksum) <= len(actual) {
			got = actual[:len(checksum)]
		}
		return errors.Mark(errors.Newf("invalid %s checksum: expected %s but got %s", a, checksum, got), ErrCorruptModel)
	}
	return nil
}
