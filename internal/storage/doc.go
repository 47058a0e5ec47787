// Package storage keeps the operator audit trail: one entry per spawn, stop,
// stop-all and chain command, whatever surface issued it.
//
// Scheduler state is never persisted; loops die with the process.
package storage
