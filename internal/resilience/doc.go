// Package resilience gates outbound attempts for the request executor: a
// per-host circuit breaker, a retry policy with exponential backoff, and the
// single outcome-classification function shared by all of them.
package resilience
