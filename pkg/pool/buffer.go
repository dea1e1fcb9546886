package pool

import "sync"

// relayBufSize is the size of the buffers used by the tunnel relay
// copy loops. 16k keeps a full TLS record in one read.
const relayBufSize = 16 * 1024

var relayBufPool = sync.Pool{
	New: func() any {
		return make([]byte, relayBufSize)
	},
}

// GetRelayBuf returns a buffer for io.CopyBuffer style relay loops.
func GetRelayBuf() []byte {
	return relayBufPool.Get().([]byte)
}

// ReleaseRelayBuf returns a buffer acquired by GetRelayBuf.
func ReleaseRelayBuf(b []byte) {
	if cap(b) != relayBufSize {
		return
	}
	relayBufPool.Put(b[:relayBufSize]) //nolint:staticcheck
}
