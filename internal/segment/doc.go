// Package segment manages the pool of named, fixed-capacity shared-memory
// regions the pipeline moves frames through.
//
// A segment is a file in a tmpfs directory (normally /dev/shm), mapped into
// the owning process with mmap. The file name carries the pipeline run prefix
// and the owning camera serial; the file suffix carries the ownership state:
//
//	<prefix>-<camera>-<uuid>.seg    checked out to a worker, or queued/in-flight
//	<prefix>-<camera>-<uuid>.free   released by the consumer, reusable
//
// State transitions are atomic renames, so two processes can never both win a
// claim. The final unlink is an os.Remove: whichever authority's Remove
// succeeds performed the unlink, the other observes ENOENT and treats it as a
// no-op. That is the whole single-unlinker rule, with no extra locking.
//
// The first 16 bytes of every mapping are a header (magic, reserved,
// generation). The generation lives inside the shared memory itself so it
// survives reuse across processes: the worker bumps it on every checkout and
// the consumer refuses to map a segment whose header no longer matches the
// handle it popped.
package segment
