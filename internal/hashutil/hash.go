// Package hashutil provides the stable content hashing, transcript
// fingerprinting and gzip message encoding that back the updater's
// idempotency check and the durable queue's on-disk payload. Hashing and
// compression are implemented directly on the standard library rather
// than a third-party dependency — see DESIGN.md for the reasoning.
package hashutil

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"

	"github.com/deep-memory/server/internal/domain"
)

// StableHashHex returns the first 16 hex characters of the SHA-256 digest
// of s, used to build "mem_<hex16>" local ids.
func StableHashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// FullHashHex returns the full hex SHA-256 digest of s.
func FullHashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// canonicalMessage is the stable-field-order projection of a Message used
// for hashing, so struct field reordering never changes the hash.
type canonicalMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CanonicalJSON serializes messages as {"role","content"} objects, keys in
// that fixed order and no extraneous whitespace, giving a stable byte
// representation across encodings.
func CanonicalJSON(messages []domain.Message) ([]byte, error) {
	canon := make([]canonicalMessage, len(messages))
	for i, m := range messages {
		canon[i] = canonicalMessage{Role: m.Role, Content: m.Content}
	}
	// json.Marshal already emits object keys in struct-declaration order,
	// which is fixed and stable for a concrete struct type (no map reordering
	// risk), so no extra key-sort pass is needed beyond using a typed slice.
	return json.Marshal(canon)
}

// TranscriptHash computes the sha256 hash of the canonical JSON encoding of
// a transcript's messages, used to detect and skip replayed ingestion
// requests for the same session.
func TranscriptHash(messages []domain.Message) (string, error) {
	buf, err := CanonicalJSON(messages)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// GzipMessages gzip-compresses the canonical JSON of messages, for storage
// in an UpdateTask's MessagesGzipB64 field.
func GzipMessages(messages []domain.Message) ([]byte, error) {
	buf, err := CanonicalJSON(messages)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	w := gzip.NewWriter(&out)
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// GunzipMessages reverses GzipMessages: gunzip(gzip(x)) == x.
func GunzipMessages(gzipped []byte) ([]domain.Message, error) {
	r, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var canon []canonicalMessage
	if err := json.Unmarshal(raw, &canon); err != nil {
		return nil, err
	}
	out := make([]domain.Message, len(canon))
	for i, m := range canon {
		out[i] = domain.Message{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

// SortedCopy returns a sorted copy of a string slice, used where map-derived
// key lists need a deterministic order (e.g. exported JSON output).
func SortedCopy(items []string) []string {
	out := make([]string, len(items))
	copy(out, items)
	sort.Strings(out)
	return out
}
