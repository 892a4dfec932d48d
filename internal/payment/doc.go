// Package payment builds and rewrites the outbound payment credential header.
// It contains the recovery-byte normalizer for ECDSA signatures and an
// http.RoundTripper that signs every metered request before it leaves the
// process.
package payment
