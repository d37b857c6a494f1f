// Package scheduler owns the recurring triggers of jobs and the calculation
// of their next fire times.
//
// It is trigger-only: a firing enqueues a dispatch task into the engine
// (internal/task/engine); the script itself runs on an engine worker, never
// on the cron goroutine.
package scheduler
