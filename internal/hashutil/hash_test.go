package hashutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-memory/server/internal/domain"
)

func sampleMessages() []domain.Message {
	return []domain.Message{
		{Role: "user", Content: "I prefer dark mode"},
		{Role: "assistant", Content: "Noted."},
	}
}

func TestStableHashHex_StableAndShort(t *testing.T) {
	a := StableHashHex("hello")
	b := StableHashHex("hello")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, StableHashHex("world"))
}

func TestTranscriptHash_DetectsContentChanges(t *testing.T) {
	h1, err := TranscriptHash(sampleMessages())
	require.NoError(t, err)
	h2, err := TranscriptHash(sampleMessages())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	changed := sampleMessages()
	changed[0].Content += "!"
	h3, err := TranscriptHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestGzipRoundTrip(t *testing.T) {
	msgs := sampleMessages()
	gz, err := GzipMessages(msgs)
	require.NoError(t, err)

	out, err := GunzipMessages(gz)
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
}

func TestGzipRoundTrip_EmptyTranscript(t *testing.T) {
	gz, err := GzipMessages(nil)
	require.NoError(t, err)
	out, err := GunzipMessages(gz)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestGunzipMessages_RejectsGarbage(t *testing.T) {
	_, err := GunzipMessages([]byte("not gzip at all"))
	assert.Error(t, err)
}
