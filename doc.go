// Package cmdchan implements an asynchronous command channel between an
// untrusted guest, writing into memory shared with this process, and a
// single host worker.
//
// # Architecture
//
// A [Channel] multiplexes three kinds of work onto one worker goroutine,
// started with [Channel.Run]:
//   - host controls, such as [Channel.Enable], [Channel.Pause] and
//     [Channel.HostControl], which always come first
//   - guest controls, queued by [Channel.SubmitGuestControl]
//   - commands the guest writes to the ring (see package ring), executed by
//     the interpreter in package command
//
// Only the holder of the processor token may drain work. Submitters acquire
// it on the worker's behalf with [Channel.CheckForWork] and wake it; the
// worker releases it when idle, then re-checks, so a submission racing the
// worker going to sleep is never lost. While the token is held the ring's
// event word carries [ring.EventProcessing], telling the guest that a
// doorbell ([Channel.CheckForNewRingData]) is unnecessary.
//
// # Lifecycle
//
// A channel starts disabled. Enable attaches a ring in the shared region;
// Pause stops guest controls and ring commands while host controls still
// drain; Save and Load persist the ring location and pending guest controls
// at a paused point; Shutdown stops the worker.
//
// # Synchronous buffers
//
// [Channel.SubmitBuffer] and [Channel.ExecBuffer] execute self-contained
// command buffers (blit, transfer, fill) outside the ring, on a bounded
// pool of goroutines, completing each submitter individually.
package cmdchan
