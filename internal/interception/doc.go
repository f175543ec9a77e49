// Package interception lets external programs inspect codes on their way to
// the firmware.
//
// An interceptor is an executable discovered through its manifest.yaml and
// enabled in the interception section of the configuration. For every code
// it registered for, the host spawns the executable, writes one JSON request
// to its stdin and reads one JSON response from its stdout.
//
// Modes:
//   - pre: before the host handles the code itself
//   - post: after host handling, before the firmware
//   - executed: after completion, notification only
//
// A pre or post response decides what happens to the code:
//   - pass: continue down the pipeline
//   - resolve: answer the code with the supplied result
//   - cancel: resolve the code as cancelled
//
// A response may also list codes to run on behalf of the intercepted one.
// They are submitted with the interceptor's connection id so the dispatcher
// can route them past the stages the intercepted code is blocking.
//
// Timeout handling:
//   - each interceptor has a timeout, the section timeout by default
//   - when it expires SIGTERM is sent, then SIGKILL after a 5 second grace
//   - stderr is captured up to 64KB for the log
//
// A failing or timed out interceptor is logged and the code passes, so a
// broken interceptor never stalls the machine. An interceptor reporting
// status=error resolves the code with an error result.
package interception
