package data

import "errors"

var (
	// ErrUnavailable means the remote provider could not supply a bucket's
	// records within the retry budget. The bucket stays unresolved.
	ErrUnavailable = errors.New("market data unavailable")

	// ErrCacheCorrupt marks an unreadable or mismatched cache file. It is
	// repaired locally by refetching and overwriting the file.
	ErrCacheCorrupt = errors.New("cache file corrupt")
)
