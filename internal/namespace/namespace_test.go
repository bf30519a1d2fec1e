package namespace_test

import (
	"testing"

	"github.com/4xguy/federated-memory-sub004/internal/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	segments := []string{"tenant-1", "technical", "key with spaces"}
	encoded, err := namespace.EncodeNamespace(segments, 0)
	require.NoError(t, err)

	decoded, err := namespace.DecodeNamespace(encoded)
	require.NoError(t, err)
	assert.Equal(t, segments, decoded)
}

func TestEncodeRejectsEmptySegments(t *testing.T) {
	_, err := namespace.EncodeNamespace([]string{"tenant-1", ""}, 0)
	assert.Error(t, err)
}

func TestEncodeRejectsNoSegments(t *testing.T) {
	_, err := namespace.EncodeNamespace(nil, 0)
	assert.Error(t, err)
}

func TestEncodeEnforcesMaxDepth(t *testing.T) {
	_, err := namespace.EncodeNamespace([]string{"a", "b", "c"}, 2)
	assert.Error(t, err)

	encoded, err := namespace.EncodeNamespace([]string{"a", "b"}, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, encoded)
}

func TestDecodeRejectsEmptyInput(t *testing.T) {
	_, err := namespace.DecodeNamespace("")
	assert.Error(t, err)
}

func TestNamespaceHasPrefix(t *testing.T) {
	a, err := namespace.EncodeNamespace([]string{"tenant-1", "technical"}, 0)
	require.NoError(t, err)
	b, err := namespace.EncodeNamespace([]string{"tenant-1", "technical", "note-1"}, 0)
	require.NoError(t, err)
	c, err := namespace.EncodeNamespace([]string{"tenant-1", "technicalX"}, 0)
	require.NoError(t, err)

	assert.True(t, namespace.NamespaceHasPrefix(a, a))
	assert.True(t, namespace.NamespaceHasPrefix(b, a))
	assert.False(t, namespace.NamespaceHasPrefix(c, a), "technicalX must not match a prefix match against technical")
}

func TestNamespaceMatchesExact(t *testing.T) {
	a, _ := namespace.EncodeNamespace([]string{"tenant-1", "technical"}, 0)
	b, _ := namespace.EncodeNamespace([]string{"tenant-1", "technical"}, 0)
	c, _ := namespace.EncodeNamespace([]string{"tenant-1", "personal"}, 0)

	assert.True(t, namespace.NamespaceMatchesExact(a, b))
	assert.False(t, namespace.NamespaceMatchesExact(a, c))
}

func TestNamespacePrefixPatternEscapesLikeMetacharacters(t *testing.T) {
	encoded, err := namespace.EncodeNamespace([]string{"50%_off"}, 0)
	require.NoError(t, err)

	pattern := namespace.NamespacePrefixPattern(encoded)
	assert.Contains(t, pattern, `\%`)
	assert.Contains(t, pattern, `\_`)
}

func TestNamespaceTruncate(t *testing.T) {
	encoded, err := namespace.EncodeNamespace([]string{"tenant-1", "technical", "note-1", "v2"}, 0)
	require.NoError(t, err)

	truncated := namespace.NamespaceTruncate(encoded, 2)
	decoded, err := namespace.DecodeNamespace(truncated)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-1", "technical"}, decoded)

	// depth beyond actual length returns unchanged.
	assert.Equal(t, encoded, namespace.NamespaceTruncate(encoded, 10))
}

func TestNamespaceDepth(t *testing.T) {
	encoded, err := namespace.EncodeNamespace([]string{"a", "b", "c"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, namespace.NamespaceDepth(encoded))
}

func TestMatchesSuffix(t *testing.T) {
	encoded, err := namespace.EncodeNamespace([]string{"tenant-1", "technical", "note-1"}, 0)
	require.NoError(t, err)

	assert.True(t, namespace.MatchesSuffix(encoded, nil))
	assert.True(t, namespace.MatchesSuffix(encoded, []string{"note-1"}))
	assert.True(t, namespace.MatchesSuffix(encoded, []string{"technical", "note-1"}))
	assert.False(t, namespace.MatchesSuffix(encoded, []string{"personal"}))
	assert.False(t, namespace.MatchesSuffix(encoded, []string{"a", "b", "c", "d"}))
}
