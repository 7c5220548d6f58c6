// Package schedule runs recurring maintenance tasks.
//
// A Schedule computes the next run time; Every, Daily and Cron cover
// fixed intervals, wall-clock times and cron expressions (including
// descriptors such as "@every 1m"). A Runner polls its tasks and calls
// each one when it is due. Maintenance returns the pipeline's standard
// tasks: the stale lease reaper, the plan retention sweep and the
// expired marker purge.
package schedule
