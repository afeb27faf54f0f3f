package util

import "sync"

// spliceBufs holds the copy buffers Splice uses, one per direction of
// every forwarded connection.
var spliceBufs = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf takes a DefaultBufSize buffer from the pool.  Callers must
// hand it back with [PutBuf].
func GetBuf() *[]byte {
	return spliceBufs.Get().(*[]byte)
}

// PutBuf returns buf to the pool.  A buffer resliced below
// DefaultBufSize capacity is dropped so later copies never shrink.
func PutBuf(buf *[]byte) {
	if buf == nil || cap(*buf) < DefaultBufSize {
		return
	}
	*buf = (*buf)[:DefaultBufSize]
	spliceBufs.Put(buf)
}
