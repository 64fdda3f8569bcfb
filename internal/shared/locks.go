package shared

import "fmt"

// RecomputeLockKey builds the redis key guarding one recompute target.
func RecomputeLockKey(target string) string {
	return fmt.Sprintf("rebates:recompute:%s:lock", target)
}

// SummaryCacheKey builds the redis key of a cached consumption summary.
func SummaryCacheKey(target string) string {
	return fmt.Sprintf("rebates:summary:%s", target)
}
