// Package toolgateway fetches weather and web context through ordered
// fallback chains.
//
// Each source is a Chain of tiers tried one after another, each under its
// own timeout. The first tier that succeeds wins and its 1-based position
// is reported with the result. When every tier fails the caller gets an
// Unavailable result rather than an error.
package toolgateway
