package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ring keeps the last len(buf) values pushed.
type ring[T any] struct {
	buf  []T
	next int
	n    int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// newest returns up to limit values, newest first. limit <= 0 means all.
func (r *ring[T]) newest(limit int) []T {
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	if limit == 0 {
		return nil
	}
	out := make([]T, limit)
	idx := r.next
	for i := range out {
		idx = (idx - 1 + len(r.buf)) % len(r.buf)
		out[i] = r.buf[idx]
	}
	return out
}

// jsonlFile appends one JSON document per line and truncates itself once
// it grows past maxSize. It is not safe for concurrent use.
type jsonlFile struct {
	path          string
	file          *os.File
	maxSize       int64
	checkInterval int
	writes        int
}

// openJSONL opens path for appending. An existing file larger than
// maxSize is discarded first.
func openJSONL(path string, maxSize int64, checkInterval int) (*jsonlFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err == nil && info.Size() > maxSize {
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &jsonlFile{path: path, file: file, maxSize: maxSize, checkInterval: max(checkInterval, 1)}, nil
}

// append writes v. Write errors are dropped; the in-memory copy is what
// the API serves.
func (j *jsonlFile) append(v any) {
	if j == nil || j.file == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = j.file.Write(append(data, '\n'))

	j.writes++
	if j.writes%j.checkInterval == 0 {
		j.truncateIfOversized()
	}
}

// truncateIfOversized reopens the handle with O_TRUNC because Windows
// cannot truncate an O_APPEND file.
func (j *jsonlFile) truncateIfOversized() {
	info, err := j.file.Stat()
	if err != nil || info.Size() <= j.maxSize {
		return
	}
	j.file.Close()
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		f, err = os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	}
	if err != nil {
		j.file = nil
		return
	}
	j.file = f
}

func (j *jsonlFile) close() error {
	if j == nil || j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
