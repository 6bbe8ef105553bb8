package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// Entry is one cached response.
type Entry struct {
	Content   string
	Models    []string
	CreatedAt time.Time
}

// Store is an injectable key-value store for responses. Implementations are
// best-effort: callers log and ignore storage failures.
type Store interface {
	// Get returns the entry for key if present and younger than the store's
	// TTL. Expired entries are treated as absent.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Put stores an entry under key, overwriting any previous value.
	Put(ctx context.Context, key string, e Entry) error

	// Purge removes entries created before the cutoff and reports how many
	// were removed.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// Key derives the stable cache key for a message and model set. The model
// list is sorted and de-duplicated first, so the key is insensitive to
// caller ordering.
func Key(message string, models []string) string {
	ids := normalizeModels(models)

	h := fnv.New64a()
	h.Write([]byte(message))

	return fmt.Sprintf("chat:%x:%s", h.Sum64(), strings.Join(ids, ","))
}

// normalizeModels sorts and de-duplicates model ids.
func normalizeModels(models []string) []string {
	seen := make(map[string]struct{}, len(models))
	ids := make([]string, 0, len(models))
	for _, m := range models {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		ids = append(ids, m)
	}
	sort.Strings(ids)
	return ids
}
