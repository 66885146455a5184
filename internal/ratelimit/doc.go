// Package ratelimit is the admission engine: it decides per request whether a
// client may call a protected operation, based on how many requests that client
// made recently and the rules bound to the operation.
//
// # Model
//
// A [Rule] is a request count plus a unit (second, minute, hour, day). Each
// operation is bound to an ordered rule set the first time it is seen, either
// explicitly through [Limiter.Bind] or implicitly by the first admission check.
// Later registrations for the same operation are ignored.
//
// Every client has one timestamp log shared by all operations it calls. A check
// appends the request time, then evaluates the called operation's rules in order
// against the entries inside each rule's window. The first rule whose count is
// exceeded rejects the request with a [*RateLimitExceeded] carrying the rule.
//
// By default a rule's window is count * unit long ([WindowScaled]), so "3 per
// second" looks back 3 seconds. [WindowUnit] switches to a single-unit window.
//
// # Memory
//
// Logs are pruned on every check to the longest window of any bound operation. A background sweeper evicts clients whose logs
// have emptied, and [WithMaxClients] is a hard cap on how many clients are
// tracked at once.
//
// Simple in-memory implementation, not shared between instances or persisted
// across restarts.
package ratelimit
