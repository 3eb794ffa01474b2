package idempotent

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"hash/fnv"
	"strings"

	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
)

// Hash function names accepted by WithHashFunction.
const (
	HashMD5         = "md5"
	HashSHA1        = "sha1"
	HashSHA256      = "sha256"
	HashSHA512      = "sha512"
	HashFNV128a     = "fnv128a"
	HashHighwayHash = "highwayhash"
)

// DefaultHashFunction is the digest used when none is configured.
const DefaultHashFunction = HashMD5

// highwayKey is fixed so digests are stable across processes.
var highwayKey = []byte("velmie/idempotent:highwayhash:k0")

// HashFactory creates a fresh hash.Hash per digest.
type HashFactory func() hash.Hash

var hashFactories = map[string]HashFactory{
	HashMD5:     md5.New,
	HashSHA1:    sha1.New,
	HashSHA256:  sha256.New,
	HashSHA512:  sha512.New,
	HashFNV128a: fnv.New128a,
	HashHighwayHash: func() hash.Hash {
		h, err := highwayhash.New128(highwayKey)
		if err != nil {
			// the key length is a compile-time constant
			panic(err)
		}
		return h
	},
}

// LookupHashFunction resolves a hash function by name (case-insensitive).
func LookupHashFunction(name string) (HashFactory, error) {
	f, ok := hashFactories[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.Wrapf(ErrConfiguration, "unknown hash function %q", name)
	}
	return f, nil
}
