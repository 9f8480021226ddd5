package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bibliocache/bibliocache/pkg/types"
)

func TestKeyDeterministic(t *testing.T) {
	tests := []struct {
		name   string
		a, b   map[string]string
		equal  bool
	}{
		{
			name:  "identical params",
			a:     map[string]string{"q": "dune", "lang": "en"},
			b:     map[string]string{"q": "dune", "lang": "en"},
			equal: true,
		},
		{
			name:  "case differences",
			a:     map[string]string{"q": "Dune"},
			b:     map[string]string{"Q": "DUNE"},
			equal: true,
		},
		{
			name:  "whitespace differences",
			a:     map[string]string{"q": "  the  left hand  of darkness "},
			b:     map[string]string{"q": "the left hand of darkness"},
			equal: true,
		},
		{
			name:  "different values",
			a:     map[string]string{"q": "dune"},
			b:     map[string]string{"q": "hyperion"},
			equal: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyA := Key(types.EndpointTitle, tt.a)
			keyB := Key(types.EndpointTitle, tt.b)
			if tt.equal {
				assert.Equal(t, keyA, keyB)
			} else {
				assert.NotEqual(t, keyA, keyB)
			}
		})
	}
}

func TestKeyParamOrderIndependent(t *testing.T) {
	a := Key(types.EndpointAuthor, map[string]string{"q": "le guin", "limit": "10", "lang": "en"})
	b := Key(types.EndpointAuthor, map[string]string{"lang": "en", "q": "le guin", "limit": "10"})
	assert.Equal(t, a, b)
}

func TestKeyEndpointSeparation(t *testing.T) {
	title := Key(types.EndpointTitle, map[string]string{"q": "dune"})
	author := Key(types.EndpointAuthor, map[string]string{"q": "dune"})
	assert.NotEqual(t, title, author)
}

func TestISBNKeyStripsHyphens(t *testing.T) {
	assert.Equal(t, ISBNKey("978-0-441-17271-9"), ISBNKey("9780441172719"))
}

func TestInternalKeyNamespaces(t *testing.T) {
	assert.True(t, IsInternalKey(ColdIndexKey("title:q=dune")))
	assert.True(t, IsInternalKey(MarkerKey("Frank Herbert")))
	assert.True(t, IsInternalKey(ConfigKey("ttl:title")))
	assert.False(t, IsInternalKey(TitleKey("dune")))
}

func TestMarkerKeyNormalizes(t *testing.T) {
	assert.Equal(t, MarkerKey("Frank  Herbert"), MarkerKey("frank herbert"))
}
