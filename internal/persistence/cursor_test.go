package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthstore/internal/domain"
)

func TestCursorRoundTrip(t *testing.T) {
	in := &domain.Cursor{
		StartTime: time.Date(2025, time.March, 10, 8, 30, 0, 123456789, time.UTC),
		ID:        "b2c7e1a0-9d6f-4c3b-8a52-0f1e2d3c4b5a",
		Ascending: true,
	}

	token, err := EncodeCursor(in)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	out, err := DecodeCursor(token)
	require.NoError(t, err)
	require.True(t, in.StartTime.Equal(out.StartTime))
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.Ascending, out.Ascending)
}

func TestEncodeNilCursor(t *testing.T) {
	token, err := EncodeCursor(nil)
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestDecodeEmptyCursorMeansFirstPage(t *testing.T) {
	cursor, err := DecodeCursor("  ")
	require.NoError(t, err)
	require.Nil(t, cursor)
}

func TestDecodeMalformedCursor(t *testing.T) {
	for _, input := range []string{"%%%", "aGVsbG8"} {
		_, err := DecodeCursor(input)
		require.ErrorIs(t, err, domain.ErrInvalidToken, "input %q", input)
	}
}
