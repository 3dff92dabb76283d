// Package dispatch spawns external commands for the sandbox and the
// collaborator plugins, and enforces their time limits.
//
// Every command runs in its own process group so that a timeout reaches the
// whole tree the command started, not just its leader.
//
// Timeout handling:
//   - Each command carries a wall-clock timeout
//   - When it expires, or the caller's context ends, SIGTERM goes to the group
//   - After a grace period (5s by default) SIGKILL follows
//   - The outcome is marked TimedOut and ErrTimeout is returned
//
// Output handling:
//   - Stdout is captured up to MaxStdout bytes (4MB by default)
//   - Stderr is captured up to 64KB
//   - A non-zero exit is reported through Outcome.ExitCode, not as an error
//
// Resource usage (CPU time, peak RSS) is read from the process state where
// the platform exposes it.
package dispatch
