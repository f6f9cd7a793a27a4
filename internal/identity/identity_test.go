package identity

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"pickupcal/internal/models"
)

func TestGenerateIDDeterministic(t *testing.T) {
	a := GenerateID(KindGroup, "k1_abc", "bendros")
	b := GenerateID(KindGroup, "k1_abc", "bendros")
	assert.Equal(t, a, b)
	assert.Assert(t, strings.HasPrefix(a, "sg_"))
	assert.Equal(t, len(a), len("sg_")+idLength)
}

func TestGenerateIDKindsDiffer(t *testing.T) {
	group := GenerateID(KindGroup, "x", "y")
	stream := GenerateID(KindStream, "x", "y")
	assert.Assert(t, strings.HasPrefix(stream, "cs_"))
	assert.Assert(t, group[3:] != stream[3:], "kind must take part in the hash")
}

func TestGenerateIDPartBoundaries(t *testing.T) {
	assert.Assert(t, GenerateID(KindGroup, "a:b", "c") != GenerateID(KindGroup, "a", "b:c"))
	assert.Assert(t, GenerateID(KindGroup, "ab", "") != GenerateID(KindGroup, "a", "b"))
}

func TestGroupIDIgnoresDates(t *testing.T) {
	id := GroupID("k1_village", models.WasteMixed)
	assert.Equal(t, id, GenerateID(KindGroup, "k1_village", "bendros"))
	assert.Assert(t, id != GroupID("k1_village", models.WastePlastic))
}

func TestEventUIDAlphabet(t *testing.T) {
	uid := EventUID("cs_123", models.NewDate(2026, 1, 8), "n1")
	assert.Equal(t, len(uid), 26)
	for _, r := range uid {
		assert.Assert(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'), "unexpected rune %q", r)
	}
	assert.Assert(t, uid != EventUID("cs_123", models.NewDate(2026, 1, 8), "n2"))
}
