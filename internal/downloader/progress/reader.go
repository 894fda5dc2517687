package progress

import "io"

// Reader wraps an io.Reader and reports the running byte count every interval bytes and at EOF.
type Reader struct {
	reader     io.Reader
	offset     int64 // bytes already present before the stream started
	read       int64
	sinceLast  int64
	interval   int64
	onProgress func(offset int64)
}

// NewReader returns a Reader that starts counting at offset.
func NewReader(r io.Reader, offset, interval int64, cb func(offset int64)) *Reader {
	return &Reader{
		reader:     r,
		offset:     offset,
		interval:   interval,
		onProgress: cb,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.read += int64(n)
		r.sinceLast += int64(n)

		if r.interval > 0 && r.sinceLast >= r.interval {
			r.report()
		}
	}

	if err == io.EOF && r.sinceLast > 0 {
		r.report()
	}

	return n, err
}

// Offset returns the position in the remote file reached so far.
func (r *Reader) Offset() int64 {
	return r.offset + r.read
}

func (r *Reader) report() {
	r.sinceLast = 0

	if r.onProgress != nil {
		r.onProgress(r.Offset())
	}
}
