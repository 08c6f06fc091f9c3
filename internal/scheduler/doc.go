// Package scheduler starts campaign runs from roster files on cron or
// interval schedules.
//
// The scheduler only triggers: execution, pacing and the one-run-at-a-time
// rule belong to the campaign manager. A trigger that finds a run already in
// progress is skipped, not queued.
package scheduler
