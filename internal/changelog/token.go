package changelog

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"example.com/healthstore/internal/domain"
)

// tokenVersion tags the wire encoding. Decoders reject any other version
// rather than guessing at field layout.
const tokenVersion = 1

// Token is the decoded form of a changes token: the sequence watermark plus
// the filters fixed at token creation. The string form handed to callers is
// opaque; only the version tag of the encoding is a stability guarantee.
type Token struct {
	Watermark   int64
	RecordTypes []domain.RecordType
	Origins     []string
}

type tokenWire struct {
	Version     int      `msgpack:"v"`
	Watermark   int64    `msgpack:"w"`
	RecordTypes []string `msgpack:"t"`
	Origins     []string `msgpack:"o"`
}

// NewToken validates the requested filters and returns a token positioned at
// the supplied watermark. Record types must be non-empty and concrete: an
// umbrella type would make coalescing ambiguous across its subtypes.
func NewToken(watermark int64, types []domain.RecordType, origins []string) (Token, error) {
	if len(types) == 0 {
		return Token{}, fmt.Errorf("%w: requested record types must not be empty", domain.ErrInvalidArgument)
	}

	var umbrellas []string
	seen := make(map[domain.RecordType]struct{}, len(types))
	normalized := make([]domain.RecordType, 0, len(types))
	for _, t := range types {
		if !t.Valid() {
			return Token{}, fmt.Errorf("%w: unknown record type %q", domain.ErrInvalidArgument, t)
		}
		if t.Umbrella() {
			umbrellas = append(umbrellas, string(t))
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		normalized = append(normalized, t)
	}
	if len(umbrellas) > 0 {
		return Token{}, fmt.Errorf("%w: requested record types must not contain any of [%s]",
			domain.ErrInvalidArgument, strings.Join(umbrellas, ", "))
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i] < normalized[j] })

	return Token{Watermark: watermark, RecordTypes: normalized, Origins: origins}, nil
}

// Encode serialises the token to its opaque string form.
func (t Token) Encode() (string, error) {
	wire := tokenWire{
		Version:     tokenVersion,
		Watermark:   t.Watermark,
		RecordTypes: make([]string, 0, len(t.RecordTypes)),
		Origins:     t.Origins,
	}
	for _, rt := range t.RecordTypes {
		wire.RecordTypes = append(wire.RecordTypes, string(rt))
	}
	raw, err := msgpack.Marshal(wire)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken parses an opaque token string. Malformed input fails with
// domain.ErrInvalidToken rather than silently restarting the feed.
func DecodeToken(s string) (Token, error) {
	if strings.TrimSpace(s) == "" {
		return Token{}, fmt.Errorf("%w: empty token", domain.ErrInvalidToken)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	var wire tokenWire
	if err := msgpack.Unmarshal(raw, &wire); err != nil {
		return Token{}, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	if wire.Version != tokenVersion {
		return Token{}, fmt.Errorf("%w: unsupported token version %d", domain.ErrInvalidToken, wire.Version)
	}
	if len(wire.RecordTypes) == 0 {
		return Token{}, fmt.Errorf("%w: token carries no record types", domain.ErrInvalidToken)
	}
	token := Token{Watermark: wire.Watermark, Origins: wire.Origins}
	for _, rt := range wire.RecordTypes {
		token.RecordTypes = append(token.RecordTypes, domain.RecordType(rt))
	}
	return token, nil
}
