package cache

import (
	"sort"
	"strings"

	"github.com/bibliocache/bibliocache/pkg/types"
)

// Key namespaces for records that live alongside ordinary entries in the
// durable tier. These are excluded from archival scans.
const (
	ColdIndexPrefix = "cold-index:"
	MarkerPrefix    = "warmed:"
	ConfigPrefix    = "config:"
)

// Key derives a deterministic, order-independent cache key from an endpoint
// type and its query parameters. Identical logical queries must produce
// identical keys regardless of parameter order, case, or whitespace.
func Key(endpoint types.EndpointType, params map[string]string) string {
	names := make([]string, 0, len(params))
	normalized := make(map[string]string, len(params))
	for name, value := range params {
		n := normalizeToken(name)
		if n == "" {
			continue
		}
		names = append(names, n)
		normalized[n] = normalizeToken(value)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(string(endpoint))
	for _, name := range names {
		sb.WriteByte(':')
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(normalized[name])
	}
	return sb.String()
}

// TitleKey derives the cache key for a title lookup.
func TitleKey(title string) string {
	return Key(types.EndpointTitle, map[string]string{"q": title})
}

// AuthorKey derives the cache key for an author lookup.
func AuthorKey(name string) string {
	return Key(types.EndpointAuthor, map[string]string{"q": name})
}

// ISBNKey derives the cache key for an ISBN lookup. Hyphens are not
// significant in ISBNs and are stripped during normalization.
func ISBNKey(isbn string) string {
	return Key(types.EndpointISBN, map[string]string{"q": strings.ReplaceAll(isbn, "-", "")})
}

// ColdIndexKey returns the durable-tier key holding the cold pointer for key.
func ColdIndexKey(key string) string {
	return ColdIndexPrefix + key
}

// MarkerKey returns the durable-tier key holding the processed marker for an
// entity name.
func MarkerKey(entityName string) string {
	return MarkerPrefix + normalizeToken(entityName)
}

// ConfigKey returns the durable-tier key for a shared policy setting.
func ConfigKey(name string) string {
	return ConfigPrefix + name
}

// IsInternalKey reports whether key belongs to an internal namespace that
// archival and rebuild scans must skip.
func IsInternalKey(key string) bool {
	return strings.HasPrefix(key, ColdIndexPrefix) ||
		strings.HasPrefix(key, MarkerPrefix) ||
		strings.HasPrefix(key, ConfigPrefix)
}

// normalizeToken lowercases and collapses internal whitespace so that
// case and spacing differences never produce distinct keys.
func normalizeToken(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}
