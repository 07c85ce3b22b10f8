package cache

// Key builders for the metadata the inference path reads on every request.
// Keeping them here ensures every node (and the invalidation channel)
// agrees on the key for a given record.

// ManifestKey returns the cache key for a model manifest resolved in the
// given tenant scope. Tenant-owned manifests shadow the shared catalog,
// so the same model name can cache differently per tenant.
func ManifestKey(tenantID, model string) string {
	return "manifest:" + tenantID + ":" + model
}

// APIKeyKey returns the cache key for an API key record, addressed by the
// SHA-256 hash of the raw key (raw keys are never used as cache keys).
func APIKeyKey(keyHash string) string {
	return "apikey:" + keyHash
}
