// Package recstore is the durable worker record store.
//
// Records are written by the worker that executes a job (process or thread),
// not by the controller: process workers do not share memory with the
// controller, so the store is the only representation of "what is running"
// that both sides can see. SQLite in the run directory gives cross-process
// visibility and survives controller restarts, which the startup
// reconciliation pass depends on.
package recstore
