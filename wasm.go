package wasmmachine

// Memory is the guest-visible linear memory shared by every execution context.
//
// Implementations must not serialize access: contexts read and write
// concurrently and ordering between them is the guest's business.
type Memory interface {
	// Size returns the memory size in bytes. It never changes during a run.
	Size() uint32

	// Read copies length bytes starting at offset.
	Read(offset, length uint32) ([]byte, error)

	// Write copies data into memory starting at offset. A range that does
	// not fit leaves memory untouched.
	Write(offset uint32, data []byte) error
}

// Snapshotter is implemented by memories that can produce a point-in-time copy
// of their contents for diagnostics.
type Snapshotter interface {
	Snapshot() []byte
}
