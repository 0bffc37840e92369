// Package integration provides integration tests for the catalog mirror.
// The tests run the complete application against a fake remote API and
// observe it through the ops API: job status, collection stats and the
// readiness endpoint.
package integration
