// Package samplechan implements the bounded, ordered, blocking hand-off queue
// that moves ADC samples from the sampling worker to the notification pump.
//
// Properties:
//   - FIFO: values are received in the order they were sent
//   - Backpressure: a full queue blocks the producer instead of dropping
//   - Liveness: Send fails once the receiver is gone, Receive fails once every
//     producer is gone and the queue has been drained
//   - Producers can be re-created across worker restarts with Sender.Clone while
//     the receiving endpoint stays the same for the lifetime of the process
package samplechan
