package cache

import (
	"strconv"
	"strings"
)

// KeyPrefix namespaces every fetch cache key in Redis.
const KeyPrefix = "esi"

// Key builds the deterministic cache key for one page of a resource.
//
// Example:
//
//	Key("/v1/contracts/public/10000002/", 3) == "esi:v1/contracts/public/10000002:page=3"
func Key(path string, page int) string {
	var b strings.Builder
	b.WriteString(KeyPrefix)

	if endpoint := strings.Trim(path, "/"); endpoint != "" {
		b.WriteByte(':')
		b.WriteString(endpoint)
	}

	b.WriteString(":page=")
	b.WriteString(strconv.Itoa(page))
	return b.String()
}
