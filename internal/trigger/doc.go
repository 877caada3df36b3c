// Package trigger is the cron trigger source in front of the dispatcher.
//
// It owns schedule-string interpretation (daily/weekly/monthly shorthands and
// raw cron) and, at each due time, hands the dispatcher a concrete broadcast
// request with the trigger timestamp filled in. The dispatch core never sees
// a schedule string.
package trigger
