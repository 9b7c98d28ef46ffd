package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func payload() map[string]any {
	return map[string]any{
		"category": "rust",
		"stars":    float64(42),
		"author": map[string]any{
			"name": "ada",
			"age":  float64(36),
		},
		"archived": false,
		"license":  nil,
	}
}

func TestEqNeq(t *testing.T) {
	p := payload()
	assert.True(t, Eq("category", "rust").Matches(p))
	assert.False(t, Eq("category", "go").Matches(p))
	assert.True(t, Neq("category", "go").Matches(p))
	assert.True(t, Eq("author.name", "ada").Matches(p))
	assert.True(t, Eq("stars", 42).Matches(p))
	assert.True(t, Eq("archived", false).Matches(p))

	// Missing path reads as null.
	assert.True(t, Eq("missing", nil).Matches(p))
	assert.False(t, Eq("missing", "x").Matches(p))
	assert.True(t, Neq("missing", "x").Matches(p))
}

func TestRangeBoundaries(t *testing.T) {
	p := payload()
	assert.True(t, Gt("stars", 41).Matches(p))
	assert.False(t, Gt("stars", 42).Matches(p))
	assert.True(t, Gte("stars", 42).Matches(p))
	assert.True(t, Lt("stars", 43).Matches(p))
	assert.False(t, Lt("stars", 42).Matches(p))
	assert.True(t, Lte("stars", 42).Matches(p))
}

func TestStringLexicographicRange(t *testing.T) {
	p := payload()
	assert.True(t, Gt("category", "python").Matches(p))
	assert.False(t, Gt("category", "zig").Matches(p))
	assert.True(t, Lt("category", "zig").Matches(p))
}

func TestTypeIncompatibleComparisonsAreFalse(t *testing.T) {
	p := payload()
	assert.False(t, Gt("category", 10).Matches(p))
	assert.False(t, Lt("archived", "true").Matches(p))
	assert.False(t, Gt("missing", 1).Matches(p))
	assert.False(t, Eq("stars", "42").Matches(p))
}

func TestInContains(t *testing.T) {
	p := payload()
	assert.True(t, In("category", "go", "rust", "zig").Matches(p))
	assert.False(t, In("category", "go", "zig").Matches(p))
	assert.True(t, In("stars", 41, 42).Matches(p))
	assert.True(t, Contains("author.name", "da").Matches(p))
	assert.False(t, Contains("stars", "4").Matches(p))
}

func TestNullness(t *testing.T) {
	p := payload()
	assert.True(t, IsNull("license").Matches(p))
	assert.True(t, IsNull("missing").Matches(p))
	assert.False(t, IsNull("category").Matches(p))
	assert.True(t, IsNotNull("category").Matches(p))
	assert.False(t, IsNotNull("license").Matches(p))
	assert.False(t, IsNotNull("missing").Matches(p))
}

func TestCombinators(t *testing.T) {
	p := payload()
	assert.True(t, And(Eq("category", "rust"), Gt("stars", 10)).Matches(p))
	assert.False(t, And(Eq("category", "rust"), Gt("stars", 100)).Matches(p))
	assert.True(t, Or(Eq("category", "go"), Gt("stars", 10)).Matches(p))
	assert.False(t, Or(Eq("category", "go"), Gt("stars", 100)).Matches(p))
	assert.True(t, Not(Eq("category", "go")).Matches(p))
	assert.True(t, And().Matches(p))
	assert.False(t, Or().Matches(p))
}

func TestDoubleNegation(t *testing.T) {
	p := payload()
	filters := []Filter{
		Eq("category", "rust"),
		Gt("stars", 100),
		IsNull("license"),
		And(Eq("category", "rust"), IsNotNull("missing")),
	}
	for _, f := range filters {
		assert.Equal(t, f.Matches(p), Not(Not(f)).Matches(p))
	}
}

func TestNestedPathMissingIntermediate(t *testing.T) {
	p := payload()
	assert.True(t, IsNull("author.email.domain").Matches(p))
	assert.False(t, Eq("category.sub", "x").Matches(p))
}
