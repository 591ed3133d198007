// Short-lived cache of derived documents (stored as JSON), with a fixed TTL and purging.
//
// Includes an interface and implementations using redis and in-process memory.
//
// Used to serve community stats summaries without re-reading every counter on each request.
package cachestore
