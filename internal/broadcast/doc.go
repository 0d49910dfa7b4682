// Package broadcast fans one piece of source content out to many recipients.
//
// Batches
//
// Recipients are deduplicated and split into batches of Config.BatchSize.
// Every recipient of a batch is attempted concurrently; batches run one after
// another with Config.BatchDelay between them, and batch N+1 never starts
// before all of batch N resolved. An optional token bucket (Config.RatePerSec)
// caps attempts globally. Each attempt carries Config.SendTimeout.
//
// Outcomes
//
//   - delivered: counted as sent
//   - throttled: only that recipient sleeps for the server supplied delay
//     (capped by Config.MaxRetryAfter) and retries, at most
//     Config.ThrottleRetryMax times; exhaustion counts as failed
//   - rejected: the recipient is pruned and counted as failed
//   - failed: logged and counted, never retried, never pruned
//
// Per-recipient errors never leave the package; Run returns a Summary.
//
// Delivery gap
//
// Jobs live in memory only. A crash or shutdown in the middle of a job loses
// the remaining batches. The content watermark was committed before the job
// was submitted, so the content is not broadcast again after a restart.
// Recipients of a lost remainder simply do not receive that content.
package broadcast
