package license

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Key format constants
const (
	keyCharset  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyGroups   = 3
	keyGroupLen = 4

	// KeyLength is the formatted length including separators, e.g. K7QX-29MF-AB3D.
	KeyLength = keyGroups*keyGroupLen + keyGroups - 1
)

// KeyPattern matches a well-formed license key.
var KeyPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// ExistsFunc reports whether a candidate key is already present in the
// license store.
type ExistsFunc func(ctx context.Context, key string) (bool, error)

// KeyGenerator produces candidate license keys. Candidates are only
// candidates: the store's insert-if-absent is the real uniqueness gate, so
// a race between two callers holding the same candidate resolves at insert
// time, not here.
type KeyGenerator struct {
	maxAttempts int
}

// NewKeyGenerator returns a generator with the given uniqueness-check
// attempt budget; values below one fall back to the default of 10.
func NewKeyGenerator(maxAttempts int) *KeyGenerator {
	if maxAttempts < 1 {
		maxAttempts = 10
	}
	return &KeyGenerator{maxAttempts: maxAttempts}
}

// Generate returns one random candidate key.
func (g *KeyGenerator) Generate() (string, error) {
	// Reject draws at or past the largest multiple of the charset size so
	// every character stays equally likely.
	const rejectAbove = 256 - 256%len(keyCharset)

	chars := make([]byte, 0, keyGroups*keyGroupLen)
	var buf [32]byte
	for len(chars) < cap(chars) {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			chars = append(chars, keyCharset[int(b)%len(keyCharset)])
			if len(chars) == cap(chars) {
				break
			}
		}
	}

	groups := make([]string, 0, keyGroups)
	for i := 0; i < len(chars); i += keyGroupLen {
		groups = append(groups, string(chars[i:i+keyGroupLen]))
	}
	return strings.Join(groups, "-"), nil
}

// GenerateUnique loops Generate and the existence check until a candidate
// is reported absent, up to the attempt budget. Exhaustion returns
// ErrKeyCollision; existence-check failures propagate wrapped.
func (g *KeyGenerator) GenerateUnique(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		key, err := g.Generate()
		if err != nil {
			return "", err
		}
		present, err := exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("check key existence: %w", err)
		}
		if !present {
			return key, nil
		}
	}
	return "", ErrKeyCollision
}

// NormalizeKey uppercases the key and restores the 4-4-4 dashes so user
// input survives copy/paste mangling. Input that cannot be a key is only
// trimmed and uppercased; format validation rejects it downstream.
func NormalizeKey(key string) string {
	clean := strings.ReplaceAll(strings.Join(strings.Fields(key), ""), "-", "")
	clean = strings.ToUpper(clean)
	if len(clean) != keyGroups*keyGroupLen {
		return strings.ToUpper(strings.TrimSpace(key))
	}
	return clean[0:4] + "-" + clean[4:8] + "-" + clean[8:12]
}

// ValidateKeyFormat checks the 4-4-4 shape without consulting any store.
func ValidateKeyFormat(key string) error {
	if len(key) != KeyLength {
		return fmt.Errorf("license key must be %d characters long", KeyLength)
	}
	if !KeyPattern.MatchString(key) {
		return fmt.Errorf("license key must be three dash-separated groups of four uppercase letters or digits")
	}
	return nil
}

// MaskKey renders a key safe for logs and event feeds: first and last four
// characters with the middle hidden.
func MaskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	return key[:4] + "-****-" + key[len(key)-4:]
}

// MaskKeyedPath masks any path segment that is a well-formed license key.
// Loggers run every request path through it; the status route carries the
// key as a segment and must not land in logs verbatim.
func MaskKeyedPath(path string) string {
	if !strings.Contains(path, "/") {
		return path
	}
	segments := strings.Split(path, "/")
	masked := false
	for i, seg := range segments {
		if KeyPattern.MatchString(seg) {
			segments[i] = MaskKey(seg)
			masked = true
		}
	}
	if !masked {
		return path
	}
	return strings.Join(segments, "/")
}

// AuditHash returns a short stable digest of the key for audit trails,
// usable for correlation without exposing the key itself.
func AuditHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// MaskEmail hides the local part of an address while keeping the domain,
// so logs and support views stay correlatable without exposing PII.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	at := strings.Index(email, "@")
	if at == -1 {
		return "****"
	}
	local, domain := email[:at], email[at:]
	if len(local) <= 2 {
		return "**" + domain
	}
	return local[:1] + "****" + local[len(local)-1:] + domain
}
