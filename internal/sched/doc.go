// Package sched implements the resource-aware job manager.
//
// Callers submit jobs to a process pool (isolated, CPU-bound work in worker
// subprocesses) or a thread pool (in-process, I/O-bound work). Every
// submission passes an admission gate that checks live memory pressure,
// per-job memory requirements, process-pool backlog, and caller-supplied
// readiness predicates. A capacity-1 admission ticket serializes the
// decision phase so two jobs never both conclude "there is enough memory
// for me".
//
// Execution state is durable: workers write their own records to the
// record store in the run directory, which lets the controller reconcile
// after a restart and lets reports see work running in other processes.
package sched
