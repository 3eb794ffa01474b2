package idempotent

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"strconv"
	"strings"

	"github.com/jmespath/go-jmespath"
	"github.com/pkg/errors"
)

const (
	keyPrefixSeparator = "#"
	// maxNumberDigits bounds literals checked for an exact float64 form.
	maxNumberDigits = 400
)

// KeyBuilder derives idempotency keys and validation fingerprints from JSON payloads.
// It is a pure function of its configuration and the payload.
type KeyBuilder struct {
	keyPath        *jmespath.JMESPath
	validationPath *jmespath.JMESPath
	prefix         string
	requireKey     bool
	newHash        HashFactory
}

// NewKeyBuilder compiles the configured paths and resolves the hash function.
func NewKeyBuilder(cfg Config) (*KeyBuilder, error) {
	kb := &KeyBuilder{
		prefix:     cfg.KeyPrefix,
		requireKey: cfg.RequireKey,
		newHash:    cfg.Hasher,
	}
	if kb.newHash == nil {
		f, err := LookupHashFunction(cfg.HashFunction)
		if err != nil {
			return nil, err
		}
		kb.newHash = f
	}
	var err error
	if cfg.EventKeyPath != "" {
		if kb.keyPath, err = jmespath.Compile(cfg.EventKeyPath); err != nil {
			return nil, errors.Wrapf(ErrConfiguration, "invalid event key path %q: %s", cfg.EventKeyPath, err)
		}
	}
	if cfg.PayloadValidationPath != "" {
		if kb.validationPath, err = jmespath.Compile(cfg.PayloadValidationPath); err != nil {
			return nil, errors.Wrapf(ErrConfiguration, "invalid payload validation path %q: %s", cfg.PayloadValidationPath, err)
		}
	}
	return kb, nil
}

// ValidatesPayload reports whether a payload validation path is configured.
func (kb *KeyBuilder) ValidatesPayload() bool {
	return kb.validationPath != nil
}

// BuildKey returns the idempotency key for payload. An empty key with a nil error
// means no key could be derived and idempotency should be bypassed.
func (kb *KeyBuilder) BuildKey(payload []byte) (string, error) {
	doc, err := decodeDocument(payload)
	if err != nil {
		return kb.missingKey(errors.Wrap(err, "payload is not a JSON document"))
	}
	fragment := doc
	if kb.keyPath != nil {
		if fragment, err = kb.keyPath.Search(doc); err != nil {
			return kb.missingKey(errors.Wrap(err, "event key path evaluation failed"))
		}
	}
	if isMissing(fragment) {
		return kb.missingKey(nil)
	}
	digest, err := kb.digest(fragment)
	if err != nil {
		return "", err
	}
	if kb.prefix != "" {
		return kb.prefix + keyPrefixSeparator + digest, nil
	}
	return digest, nil
}

// BuildValidationHash returns the fingerprint of the payload validation fragment,
// or an empty string when no validation path is configured. A fragment that
// resolves to nothing is fingerprinted as JSON null.
func (kb *KeyBuilder) BuildValidationHash(payload []byte) (string, error) {
	if kb.validationPath == nil {
		return "", nil
	}
	doc, err := decodeDocument(payload)
	if err != nil {
		return "", errors.Wrapf(ErrConfiguration, "payload is not a JSON document: %s", err)
	}
	fragment, err := kb.validationPath.Search(doc)
	if err != nil {
		return "", errors.Wrapf(ErrConfiguration, "payload validation path evaluation failed: %s", err)
	}
	return kb.digest(fragment)
}

func (kb *KeyBuilder) missingKey(cause error) (string, error) {
	if !kb.requireKey {
		return "", nil
	}
	err := errors.WithMessage(ErrMissingKey, ErrConfiguration.Error())
	if cause != nil {
		err = errors.WithMessage(err, cause.Error())
	}
	return "", &configError{err}
}

func (kb *KeyBuilder) digest(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrapf(ErrConfiguration, "cannot encode payload fragment: %s", err)
	}
	h := kb.newHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// decodeDocument parses payload keeping number literals that float64 cannot hold
// exactly as json.Number, so large integers stay distinct in digests. Every other
// number becomes float64, which JMESPath comparisons require.
func decodeDocument(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after top-level value")
	}
	return normalizeNumbers(doc), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normalizeNumbers(item)
		}
		return t
	case json.Number:
		if f, ok := exactFloat(t); ok {
			return f
		}
		return t
	default:
		return v
	}
}

// exactFloat reports whether n survives conversion to float64: the shortest
// representation of the float must denote the same decimal value as the literal.
func exactFloat(n json.Number) (float64, bool) {
	f, err := n.Float64()
	if err != nil || !moderateExponent(n.String()) {
		return 0, false
	}
	literal, ok := new(big.Rat).SetString(n.String())
	if !ok {
		return 0, false
	}
	shortest, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	if !ok {
		return 0, false
	}
	return f, literal.Cmp(shortest) == 0
}

// moderateExponent bounds the work big.Rat does on literals such as 1e-999999999.
func moderateExponent(s string) bool {
	i := strings.IndexAny(s, "eE")
	if i < 0 {
		return len(s) <= maxNumberDigits
	}
	exp, err := strconv.Atoi(s[i+1:])
	return err == nil && exp >= -maxNumberDigits && exp <= maxNumberDigits && i <= maxNumberDigits
}

func isMissing(v any) bool {
	if v == nil {
		return true
	}
	list, ok := v.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if item != nil {
			return false
		}
	}
	return true
}

// configError carries ErrMissingKey while also matching ErrConfiguration.
type configError struct {
	err error
}

func (e *configError) Error() string {
	return e.err.Error()
}

func (e *configError) Unwrap() error {
	return e.err
}

func (e *configError) Is(target error) bool {
	return target == ErrConfiguration
}
