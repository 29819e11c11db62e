package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/models"
)

// Key identifies one logical transaction across delivery attempts.
type Key string

// KeyExtractor derives a stable dedup key from a transaction.
// Implementations must be pure and deterministic.
type KeyExtractor interface {
	Key(tx models.Transaction) (Key, error)
}

// AuthCodeKey uses the authorization code alone as the transaction identity.
type AuthCodeKey struct{}

// Key implements KeyExtractor.
func (AuthCodeKey) Key(tx models.Transaction) (Key, error) {
	v, err := scalarField(tx, models.FieldAuthCode)
	if err != nil {
		return "", err
	}
	return Key(v), nil
}

// FieldsKey combines several stable fields into one hashed key.
// Field order is significant.
type FieldsKey struct {
	Fields []string
}

// Key implements KeyExtractor.
func (f FieldsKey) Key(tx models.Transaction) (Key, error) {
	if len(f.Fields) == 0 {
		return "", fmt.Errorf("%w: no key fields configured", ErrInvalidRecord)
	}

	h := sha256.New()
	for _, name := range f.Fields {
		v, err := scalarField(tx, name)
		if err != nil {
			return "", err
		}
		// length prefix keeps ("ab","c") and ("a","bc") apart
		fmt.Fprintf(h, "%s=%d:%s;", name, len(v), v)
	}
	return Key(hex.EncodeToString(h.Sum(nil))), nil
}

// NewKeyExtractor returns AuthCodeKey for the default identity and FieldsKey otherwise.
func NewKeyExtractor(fields []string) KeyExtractor {
	if len(fields) == 0 || (len(fields) == 1 && fields[0] == models.FieldAuthCode) {
		return AuthCodeKey{}
	}
	return FieldsKey{Fields: fields}
}

// scalarField reads a string or number field and normalizes it to a non-empty string.
func scalarField(tx models.Transaction, name string) (string, error) {
	raw, ok := tx[name]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidRecord, name)
	}

	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	default:
		return "", fmt.Errorf("%w: %s must be a string or number", ErrInvalidRecord, name)
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidRecord, name)
	}
	return s, nil
}
