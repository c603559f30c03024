package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMemoryID_PrefixesAndPreserves(t *testing.T) {
	assert.Equal(t, "ns::mem_abc", NewMemoryID("ns", "mem_abc"))
	assert.Equal(t, "other::mem_abc", NewMemoryID("ns", "other::mem_abc"))
}

func TestSplitMemoryID(t *testing.T) {
	ns, local, ok := SplitMemoryID("ns::mem_abc")
	assert.True(t, ok)
	assert.Equal(t, "ns", ns)
	assert.Equal(t, "mem_abc", local)

	_, _, ok = SplitMemoryID("no-separator")
	assert.False(t, ok)

	ns, local, ok = SplitMemoryID("ns::session::s1")
	assert.True(t, ok)
	assert.Equal(t, "ns", ns)
	assert.Equal(t, "session::s1", local)
}

func TestExtractNamespaceFromKey(t *testing.T) {
	assert.Equal(t, "ns", ExtractNamespaceFromKey(SessionNodeID("ns", "s1")))
	assert.Equal(t, "", ExtractNamespaceFromKey("bare"))
}

func TestEventNodeID_TruncatesAt240(t *testing.T) {
	id := EventNodeID("ns", "meeting", "2026-07-31T12:00:00Z", strings.Repeat("x", 500))
	assert.LessOrEqual(t, len(id), 240)
	assert.True(t, strings.HasPrefix(id, "ns::event::meeting::"))
}

func TestForgetTaskKey_SessionWinsOverIDs(t *testing.T) {
	key := ForgetTaskKey("ns", "s1", []string{"ns::mem_a"})
	assert.Equal(t, "ns::s1", key)
}

func TestForgetTaskKey_IDsOrderInsensitive(t *testing.T) {
	a := ForgetTaskKey("ns", "", []string{"ns::mem_a", "ns::mem_b"})
	b := ForgetTaskKey("ns", "", []string{"ns::mem_b", "ns::mem_a"})
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "ns::ids::"))
}

func TestUnionEntities_DedupesAndCaps(t *testing.T) {
	out := UnionEntities([]string{"a", "b"}, []string{"b", "c", ""}, 10)
	assert.Equal(t, []string{"a", "b", "c"}, out)

	capped := UnionEntities([]string{"a", "b", "c"}, []string{"d", "e"}, 4)
	assert.Len(t, capped, 4)
	assert.Equal(t, []string{"a", "b", "c", "d"}, capped)
}

func TestRoleRank_Ordering(t *testing.T) {
	assert.Less(t, RoleRead.Rank(), RoleWrite.Rank())
	assert.Less(t, RoleWrite.Rank(), RoleAdmin.Rank())
	assert.Equal(t, 0, Role("bogus").Rank())
}
