package mempool

import (
	"bytes"
	"sync"
)

// A shared pool for *bytes.Buffer used on the encode paths: PNG re-encoding
// and multipart payload assembly both produce megabyte-sized buffers per
// request, which are worth recycling under concurrent load.

// maxRetainedBytes caps the capacity of buffers returned to the pool.
// Oversized one-offs are dropped instead of pinning memory.
const maxRetainedBytes = 8 * 1024 * 1024

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// GetBuffer retrieves an empty buffer from the pool.
// The caller must return it via PutBuffer when done.
func GetBuffer() *bytes.Buffer {
	buf, ok := bufferPool.Get().(*bytes.Buffer)
	if !ok {
		return new(bytes.Buffer)
	}
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool. It is safe to pass nil.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxRetainedBytes {
		return
	}
	bufferPool.Put(buf)
}
