// Package service implements supervision of profile workers.
//
// Overview
// The Supervisor owns a RunTable keyed by profile id. Launch starts at most one
// worker per profile id. A worker runs the profile's Setup and then its
// blocking Listen; every inbound message is handed to the shared Pool where
// the handler chain runs, so a slow handler never blocks a receive loop.
//
// Data flow:
//
//	Supervisor               worker{profile}            Pool
//	    |                         |                      |
//	Launch -> RunTable.Add ------>| Setup()              |
//	    |                         | Listen() ----msg---->| Chain.Apply()
//	    |                         |      ...             |
//	    |<------ onShutdown ------| (Listen returned)    |
//	    | RunTable.Remove                                |
//	    | relaunch queue (gocron, one job at a time)     |
//	    |---- Launch again after backoff                 |
//
// Invariants:
//   - At most one worker per profile id is running at any time.
//   - A worker reports its termination exactly once.
//   - A worker which failed is relaunched once per failure unless the
//     supervisor is stopping. A worker which returned nil is not relaunched.
//   - Stop is advisory: it refuses new launches and relaunches but does not
//     interrupt running workers. Cancel the context given to NewSupervisor
//     to end them.
package service
