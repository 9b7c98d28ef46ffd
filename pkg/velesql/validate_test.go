package velesql

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validationCode(t *testing.T, err error) ValidationCode {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	return verr.Code
}

func TestSimilarityWithMetadataOrAllowed(t *testing.T) {
	// One similarity predicate OR'ed with a metadata predicate is legal.
	_, err := Parse("SELECT * FROM docs WHERE similarity(v, $q) > 0.8 OR category = 'x'")
	assert.NoError(t, err)
}

func TestMultipleSimilarityRejected(t *testing.T) {
	_, err := Parse("SELECT * FROM docs WHERE similarity(v, $a) > 0.8 OR similarity(v, $b) > 0.7")
	require.Error(t, err)
	assert.Equal(t, CodeMultipleSimilarity, validationCode(t, err))

	_, err = Parse("SELECT * FROM docs WHERE similarity(v, $a) > 0.8 AND similarity(v, $b) > 0.7")
	require.Error(t, err)
	assert.Equal(t, CodeMultipleSimilarity, validationCode(t, err))

	// NEAR counts toward the similarity budget too.
	_, err = Parse("SELECT * FROM docs WHERE similarity(v, $a) > 0.8 AND v NEAR $b")
	require.Error(t, err)
	assert.Equal(t, CodeMultipleSimilarity, validationCode(t, err))
}

func TestNotSimilarity(t *testing.T) {
	// Lenient: rejected without LIMIT.
	_, err := Parse("SELECT * FROM docs WHERE NOT similarity(v, $q) > 0.8")
	require.Error(t, err)
	assert.Equal(t, CodeNotSimilarity, validationCode(t, err))

	// Lenient: allowed with LIMIT.
	_, err = Parse("SELECT * FROM docs WHERE NOT similarity(v, $q) > 0.8 LIMIT 10")
	assert.NoError(t, err)

	// Strict: rejected regardless of LIMIT.
	stmt, err := ParseOnly("SELECT * FROM docs WHERE NOT similarity(v, $q) > 0.8 LIMIT 10")
	require.NoError(t, err)
	err = ValidateMode(stmt, Strict)
	require.Error(t, err)
	assert.Equal(t, CodeNotSimilarity, validationCode(t, err))

	// Double negation still counts as negated? No: NOT NOT cancels.
	_, err = Parse("SELECT * FROM docs WHERE NOT NOT similarity(v, $q) > 0.8")
	assert.NoError(t, err)
}

func TestStrictSimilarityWithOr(t *testing.T) {
	stmt, err := ParseOnly("SELECT * FROM docs WHERE similarity(v, $q) > 0.8 OR category = 'x'")
	require.NoError(t, err)
	err = ValidateMode(stmt, Strict)
	require.Error(t, err)
	assert.Equal(t, CodeSimilarityWithOr, validationCode(t, err))
}

func TestNestedGroupsFlattened(t *testing.T) {
	_, err := Parse("SELECT * FROM docs WHERE (similarity(v, $a) > 0.8) AND ((similarity(v, $b) > 0.7))")
	require.Error(t, err)
	assert.Equal(t, CodeMultipleSimilarity, validationCode(t, err))
}

func TestCompoundSidesValidatedIndependently(t *testing.T) {
	// Each SELECT of a compound carries its own similarity budget.
	_, err := Parse("SELECT * FROM a WHERE similarity(v, $x) > 0.5 UNION SELECT * FROM b WHERE similarity(v, $y) > 0.5")
	assert.NoError(t, err)
}

func TestStripSimilarity(t *testing.T) {
	stmt := mustParse(t, "SELECT * FROM docs WHERE similarity(v, $q) > 0.8 AND category = 'x'")
	sel := stmt.(*SelectStatement)
	residual := StripSimilarity(sel.Where)
	require.NotNil(t, residual)
	assert.Equal(t, "category = 'x'", residual.String())

	stmt = mustParse(t, "SELECT * FROM docs WHERE similarity(v, $q) > 0.8")
	assert.Nil(t, StripSimilarity(stmt.(*SelectStatement).Where))
}
