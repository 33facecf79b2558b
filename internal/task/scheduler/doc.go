// Package scheduler fires the daily batch.
//
// A single robfig/cron "@every" entry ticks well inside each minute. On
// every tick the current schedule settings are read; when the wall clock
// matches the configured hour and minute and today has not fired yet, one
// downloadBatch job is submitted for all enabled accounts.
//
// The last fired date lives in memory only. A minute missed while the
// process was paused or down is not caught up.
package scheduler
