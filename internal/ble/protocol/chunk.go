// internal/ble/protocol/chunk.go
package protocol

// ChunkSize is the decrypted length of every non-terminal notification.
// The fixture splits a report into 17-byte pieces and ends it with a
// piece of any other length.
const ChunkSize = 17

// Assembler joins decrypted notification chunks into complete frames.
// It holds at most one frame in flight and is not safe for concurrent use:
// a single session owns it and feeds it from the notification callback.
type Assembler struct {
	buf []byte
}

// Push appends chunk to the frame in progress. A chunk of exactly ChunkSize
// bytes is buffered and Push returns nil. Any other length terminates the
// frame: it is appended, the whole frame is returned, and the assembler
// starts over empty. The returned slice is owned by the caller.
//
// There is no length limit and no timeout; a device that never sends a
// terminal chunk keeps growing the buffer until the session ends.
func (a *Assembler) Push(chunk []byte) []byte {
	a.buf = append(a.buf, chunk...)
	if len(chunk) == ChunkSize {
		return nil
	}
	frame := a.buf
	a.buf = nil
	return frame
}
