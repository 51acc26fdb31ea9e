package gattc

// defaultRobustCachingPolicy implements the injected policy
// function. Lacking a real interop table, it trusts robust caching only once
// a database-hash value has actually been observed for the peer (a non-zero
// Hash field); otherwise it reports Unknown, which the conn action treats
// the same as Supported for the purpose of "don't skip the hash read."
func defaultRobustCachingPolicy(_ PeerAddress, db Database) RobustCachingSupport {
	if db.Empty() {
		return RobustCachingUnknown
	}
	var zero [16]byte
	if db.Hash == zero {
		return RobustCachingUnknown
	}
	return RobustCachingSupported
}

// DefaultRobustCachingPolicy is the exported form of defaultRobustCachingPolicy,
// for callers building an Engine outside this package that want to fall back
// to it (e.g. layering peer-specific overrides on top via WithRobustCachingPolicy).
func DefaultRobustCachingPolicy(peer PeerAddress, db Database) RobustCachingSupport {
	return defaultRobustCachingPolicy(peer, db)
}
