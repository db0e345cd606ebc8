// Package dispatch runs the bounded worker pool that turns one campaign
// message into per-recipient send attempts.
//
// # Delivery semantics
//
// Each item is driven to exactly one of three states per pass: terminal
// (Sent, Blocked, or Failed after bounded retries), deferred (flood-limited,
// retried in a later pass without consuming an attempt), or skipped (the job
// was interrupted before the attempt started). At most one attempt per
// recipient is in flight at any instant.
//
// # Resource discipline
//
// Workers suspend on the rate limiter and on the network send holding no
// shared resource. The persistence lease is acquired only for the single
// outcome write and released immediately; this is what keeps the connection
// pool alive during long, throttled campaigns.
package dispatch
