// Package server hosts the Fiber diagnostics service that sits next to the
// bundle cache: it builds the app, attaches the request-id and recover
// middlewares, and exposes a narrow read-only CacheView for route packages.
// The cache itself is never mutated from HTTP handlers; everything here reads
// snapshots that are safe to take from any goroutine.
package server
