package mqttclient

import "sync"

const maxPooledBuffer = 64 * 1024

var (
	encoderPool = sync.Pool{
		New: func() any {
			return &encoder{buf: make([]byte, 0, 512)}
		},
	}

	bodyBufferPool = sync.Pool{
		New: func() any {
			return &bodyBuffer{}
		},
	}
)

// bodyBuffer holds the remaining bytes of a packet while it is decoded.
type bodyBuffer struct {
	data []byte
}

func getEncoder() *encoder {
	e := encoderPool.Get().(*encoder)
	e.buf = e.buf[:0]
	return e
}

func putEncoder(e *encoder) {
	if e == nil || cap(e.buf) > maxPooledBuffer {
		return
	}
	encoderPool.Put(e)
}

func getBodyBuffer(n int) *bodyBuffer {
	b := bodyBufferPool.Get().(*bodyBuffer)
	if cap(b.data) < n {
		b.data = make([]byte, n)
	}
	b.data = b.data[:n]
	return b
}

func putBodyBuffer(b *bodyBuffer) {
	if b == nil || cap(b.data) > maxPooledBuffer {
		return
	}
	b.data = b.data[:0]
	bodyBufferPool.Put(b)
}
