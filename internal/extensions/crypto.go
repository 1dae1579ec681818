package extensions

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/bpelrt/internal/runtime"
	"github.com/rendis/bpelrt/pkg/schema"
)

// CryptoExtensions returns the hashing and identifier extensions.
func CryptoExtensions() []Extension {
	return []Extension{
		&hashExtension{},
		&hmacExtension{},
		&uuidExtension{},
	}
}

// hashFunc returns a new hash.Hash for the given algorithm name.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

// --- crypto.hash ---

type hashExtension struct{}

func (*hashExtension) Name() string { return "crypto.hash" }

func (*hashExtension) Description() string {
	return "Hex digest of 'data' with 'algorithm' (sha256 by default), written to 'to'"
}

func (e *hashExtension) Run(ctx runtime.ExtensionContext, config map[string]any) error {
	data, err := requireString(ctx, config, e.Name(), "data")
	if err != nil {
		return err
	}
	newHash, err := hashFunc(optionalString(config, "algorithm", "sha256"))
	if err != nil {
		return err
	}

	h := newHash()
	h.Write([]byte(data))
	return store(ctx, config, hex.EncodeToString(h.Sum(nil)))
}

// --- crypto.hmac ---

type hmacExtension struct{}

func (*hmacExtension) Name() string { return "crypto.hmac" }

func (*hmacExtension) Description() string {
	return "Hex HMAC of 'data' keyed by 'key', written to 'to'"
}

func (e *hmacExtension) Run(ctx runtime.ExtensionContext, config map[string]any) error {
	data, err := requireString(ctx, config, e.Name(), "data")
	if err != nil {
		return err
	}
	key, err := requireString(ctx, config, e.Name(), "key")
	if err != nil {
		return err
	}
	newHash, err := hashFunc(optionalString(config, "algorithm", "sha256"))
	if err != nil {
		return err
	}

	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))
	return store(ctx, config, hex.EncodeToString(mac.Sum(nil)))
}

// --- crypto.uuid ---

type uuidExtension struct{}

func (*uuidExtension) Name() string { return "crypto.uuid" }

func (*uuidExtension) Description() string { return "Random v4 UUID, written to 'to'" }

func (*uuidExtension) Run(ctx runtime.ExtensionContext, config map[string]any) error {
	return store(ctx, config, uuid.New().String())
}
