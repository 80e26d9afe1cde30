package frame

import (
	"github.com/TheSmallBoat/tether/buffer"
)

// Reassembler turns an unframed byte stream back into frames. It tolerates frames split
// across any number of reads and several frames arriving in one read.
//
// Every emitted buffer holds exactly one frame starting at offset zero, with the read
// cursor on the packet-type byte. The receiver owns it and must Recycle it.
type Reassembler struct {
	pool *buffer.Pool

	buf    *buffer.Buffer
	offset int // start of the first unconsumed frame in buf
}

func NewReassembler(p *buffer.Pool) *Reassembler {
	if p == nil {
		p = buffer.Default
	}
	return &Reassembler{pool: p}
}

// Write appends p to the stream and calls emit once for every frame completed by it, in
// order. A declared length outside [0, MaxLength) is a framing violation: Write discards
// everything buffered and returns an error wrapping ErrFrameLength. Frames emitted before
// the violation are not recalled.
func (r *Reassembler) Write(p []byte, emit func(*buffer.Buffer)) error {
	if len(p) == 0 {
		return nil
	}
	if r.buf == nil {
		r.buf = r.pool.Acquire(true)
	}
	_, _ = r.buf.Write(p)

	for {
		avail := r.buf.Size() - r.offset
		if avail < HeaderSize {
			break
		}

		v, _ := r.buf.PeekUint32(r.offset)
		expected := int32(v)
		if err := CheckLength(expected); err != nil {
			r.Reset()
			return err
		}

		body := avail - HeaderSize
		switch {
		case body == int(expected):
			// the remainder is exactly one frame: hand over the whole buffer
			b := r.buf
			b.TrimFront(r.offset)
			_ = b.Seek(HeaderSize)
			r.buf, r.offset = nil, 0
			emit(b)
			return nil
		case body > int(expected):
			end := r.offset + HeaderSize + int(expected)
			out := r.pool.Acquire(true)
			_, _ = out.Write(r.buf.Raw()[r.offset:end])
			_ = out.Seek(HeaderSize)
			r.offset = end
			emit(out)
		default:
			r.compact()
			return nil
		}
	}

	r.compact()
	return nil
}

// Buffered returns the number of bytes held waiting for the rest of a frame.
func (r *Reassembler) Buffered() int {
	if r.buf == nil {
		return 0
	}
	return r.buf.Size() - r.offset
}

// Reset drops any partial frame and returns the reassembly buffer to the pool.
func (r *Reassembler) Reset() {
	if r.buf != nil {
		r.buf.Recycle()
	}
	r.buf, r.offset = nil, 0
}

// compact moves the partial tail to the front of the buffer so it does not grow while
// frames keep arriving coalesced with the start of the next one.
func (r *Reassembler) compact() {
	if r.offset == 0 {
		return
	}
	r.buf.TrimFront(r.offset)
	r.offset = 0
}
