package avif

import (
	"io"
	"os"
)

// IO supplies byte ranges of the encoded file to the decoder.
//
// Read returns up to maxSize bytes starting at offset. A short return
// signals end of file. An implementation that does not yet have the bytes
// may return ErrWaitingOnIO; the decoder preserves its state and the
// caller retries once more data is available.
type IO interface {
	Read(offset uint64, maxSize int) ([]byte, error)

	// SizeHint is the total size of the file if known, else 0.
	SizeHint() uint64

	// Persistent reports whether slices returned by Read stay valid until
	// the IO is closed. Non-persistent implementations force the decoder
	// to copy any bytes it retains across calls.
	Persistent() bool
}

// readExact reads exactly size bytes or fails with ErrTruncatedData.
func readExact(r IO, offset uint64, size int) ([]byte, error) {
	data, err := r.Read(offset, size)
	if err != nil {
		return nil, err
	}
	if len(data) < size {
		return nil, ErrTruncatedData
	}
	return data[:size], nil
}

// MemoryIO serves reads out of a byte slice held in memory.
type MemoryIO struct {
	Data []byte
}

func (m *MemoryIO) Read(offset uint64, maxSize int) ([]byte, error) {
	if offset > uint64(len(m.Data)) {
		return nil, nil
	}
	end := offset + uint64(maxSize)
	if end > uint64(len(m.Data)) {
		end = uint64(len(m.Data))
	}
	return m.Data[offset:end], nil
}

func (m *MemoryIO) SizeHint() uint64 { return uint64(len(m.Data)) }
func (m *MemoryIO) Persistent() bool { return true }

// FileIO reads ranges from a file on disk into an internal buffer. The
// buffer is reused, so returned slices are only valid until the next call.
type FileIO struct {
	file *os.File
	size uint64
	buf  []byte
}

// NewFileIO opens filename for reading.
func NewFileIO(filename string) (*FileIO, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, resultError(ResultIOError, "open %s: %v", filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, resultError(ResultIOError, "stat %s: %v", filename, err)
	}
	return &FileIO{file: f, size: uint64(info.Size())}, nil
}

func (f *FileIO) Read(offset uint64, maxSize int) ([]byte, error) {
	if offset >= f.size {
		return nil, nil
	}
	if avail := f.size - offset; uint64(maxSize) > avail {
		maxSize = int(avail)
	}
	if cap(f.buf) < maxSize {
		f.buf = make([]byte, maxSize)
	}
	f.buf = f.buf[:maxSize]
	n, err := f.file.ReadAt(f.buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, resultError(ResultIOError, "read at %d: %v", offset, err)
	}
	return f.buf[:n], nil
}

func (f *FileIO) SizeHint() uint64 { return f.size }
func (f *FileIO) Persistent() bool { return false }

// Close releases the underlying file.
func (f *FileIO) Close() error { return f.file.Close() }
