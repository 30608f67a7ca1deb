// Package clock abstracts time for the capture pipeline so that batch
// flush intervals, backup schedules, reconnect backoff, and retry
// timing are all testable without real sleeps. Production code injects
// Real(); tests inject Fake() and drive time with Advance.
package clock
