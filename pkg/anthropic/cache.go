package anthropic

// BuildCachedSystemBlocks returns text as a single system block with a
// cache breakpoint. The extraction prompt is identical across pages, so
// repeated calls read it from the prompt cache.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: ttl}}}
}
