// Package dispatch routes codes into the per-channel pipelines.
//
// The Dispatcher owns one pipeline.Channel per logical channel, built once
// at construction. It decides the entry stage of every code, answers the
// codes the host handles itself and hands the rest to the firmware
// transport.
//
// Routing:
//   - codes enter at the Start stage of their own channel
//   - prioritized codes run on their channel when it is idle, otherwise on
//     the first idle channel; when none is idle they queue normally
//   - codes requested by an interceptor that is handling a code on the
//     same channel skip the stages blocked by that interception
//
// Host codes (ProcessInternally stage):
//   - M98 runs a macro in a new frame of the calling channel
//   - M23, M32 and M37 select, start and simulate job files
//   - M24, M25, M226, M0 and M1 resume, pause and cancel the job
//   - M400 and M598 flush the channel, syncing both job readers
//   - M122 P"dsf" reports the pipeline state
//   - M550 and M905 set the host name and clock
//
// Everything else goes to the firmware unchanged.
package dispatch
