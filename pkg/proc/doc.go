// Package proc is the platform independent tracing engine.
//
// A Core owns every traced process and runs the event dispatch loop (Main).
// Processes are created with Spawn or Attach; the engine then delivers
// their life cycle (threads, modules, exit), software breakpoint hits and
// CPU exceptions to the EventHandlers they were registered with.
//
// The engine drives a Backend, which provides the actual process trace
// primitives. The Linux ptrace backend lives in pkg/proc/native.
package proc
