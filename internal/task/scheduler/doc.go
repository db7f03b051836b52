// Package scheduler is the orchestration loop. Each tick it re-reads the job
// table from the store, quarantines active jobs whose code no longer loads,
// asks the cron engine which jobs are due and hands them to the per-job
// queue. It never waits for execution.
//
// A dispatched run records last_run, executes, appends its history record
// and reports to the observability sinks, in that order.
package scheduler
