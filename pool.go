package cookiesession

import (
	"bytes"
	"encoding/json"
	"sync"
)

var readerPool = sync.Pool{
	New: func() any {
		return bytes.NewReader(nil)
	},
}

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

var idBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, idEntropyBytes)
		return &b
	},
}

// PutBuffer wipes the buffer's content and returns it to the pool.
// Encoded session data must not outlive the call that produced it.
func PutBuffer(buf *bytes.Buffer) {
	b := buf.Bytes()
	clear(b)
	buf.Reset()
	bufferPool.Put(buf)
}

// marshalPooled encodes v as JSON into a pooled buffer. The caller hands the buffer back
// with PutBuffer once the bytes have been consumed.
func marshalPooled(v any) (*bytes.Buffer, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		PutBuffer(buf)
		return nil, err
	}
	// Drop the newline Encode appends.
	buf.Truncate(buf.Len() - 1)
	return buf, nil
}

func unmarshalPooled(data []byte, v any) error {
	reader := readerPool.Get().(*bytes.Reader)
	reader.Reset(data)
	defer func() {
		reader.Reset(nil)
		readerPool.Put(reader)
	}()
	return json.NewDecoder(reader).Decode(v)
}
