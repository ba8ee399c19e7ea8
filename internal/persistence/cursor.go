// Package persistence contains helpers shared by repository implementations.
package persistence

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"example.com/healthstore/internal/domain"
)

const cursorVersion = 1

type cursorWire struct {
	Version   int    `msgpack:"v"`
	StartUnix int64  `msgpack:"s"` // nanoseconds
	ID        string `msgpack:"i"`
	Ascending bool   `msgpack:"a"`
}

// EncodeCursor serialises the cursor to an opaque page token.
func EncodeCursor(c *domain.Cursor) (string, error) {
	if c == nil {
		return "", nil
	}
	raw, err := msgpack.Marshal(cursorWire{
		Version:   cursorVersion,
		StartUnix: c.StartTime.UTC().UnixNano(),
		ID:        c.ID,
		Ascending: c.Ascending,
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses an encoded page token. An empty token means "first
// page"; anything malformed fails with domain.ErrInvalidToken.
func DecodeCursor(token string) (*domain.Cursor, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	var wire cursorWire
	if err := msgpack.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	if wire.Version != cursorVersion {
		return nil, fmt.Errorf("%w: unsupported cursor version %d", domain.ErrInvalidToken, wire.Version)
	}
	return &domain.Cursor{
		StartTime: time.Unix(0, wire.StartUnix).UTC(),
		ID:        wire.ID,
		Ascending: wire.Ascending,
	}, nil
}
