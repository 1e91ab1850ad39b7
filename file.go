// This file implements file handles: positioned reads and writes over a
// stream extension, with the chain engine doing the offset mapping and the
// entry set written back on flush.

package exfat

import (
	"fmt"
	"io"

	"github.com/dsoprea/go-logging"
)

var (
	fileLogger = log.NewLogger("exfat.file")
)

type handleState int

const (
	stateOpen handleState = iota
	stateDirty
	stateClosed
)

// File is an open file handle. The handle exclusively owns mutation rights
// over its entry set while open; it must be closed (or flushed) for metadata
// changes to reach the directory.
//
// File implements io.Reader, io.Writer, io.Seeker, and io.Closer.
type File struct {
	vol *Volume

	set EntrySet
	loc entryLocator

	stream streamState
	pos    int64

	cache chainCache
	state handleState
}

func (d *Directory) openFileEntry(entry *Entry) *File {
	return &File{
		vol: d.vol,
		set: entry.set,
		loc: entryLocator{
			parent:    d.stream,
			slot:      entry.slot,
			slotCount: entry.slotCount,
		},
		stream: entry.set.Stream.streamState(),
	}
}

// Name returns the file's name as recorded at open time.
func (f *File) Name() string {
	return f.set.Name()
}

// Size returns the current data length in bytes.
func (f *File) Size() uint64 {
	f.vol.mu.Lock()
	defer f.vol.mu.Unlock()

	return f.stream.DataLength
}

func (f *File) checkOpen() (err error) {
	if f.state == stateClosed {
		return ErrHandleClosed
	}

	return nil
}

func (f *File) checkWritable() (err error) {
	err = f.checkOpen()
	if err != nil {
		return err
	}

	err = f.vol.checkWritable()
	if err != nil {
		return err
	}

	if f.set.File.FileAttributes.IsReadOnly() == true {
		return fmt.Errorf("%w: [%s] carries the read-only attribute", ErrReadOnly, f.Name())
	}

	return nil
}

// Read reads up to len(buf) bytes from the current position. Reads between
// the valid data length and the data length return zeros, per exFAT.
func (f *File) Read(buf []byte) (n int, err error) {
	f.vol.mu.Lock()
	defer f.vol.mu.Unlock()

	err = f.checkOpen()
	if err != nil {
		return 0, err
	}

	if uint64(f.pos) >= f.stream.DataLength {
		return 0, io.EOF
	}

	n = len(buf)
	if remaining := f.stream.DataLength - uint64(f.pos); uint64(n) > remaining {
		n = int(remaining)
	}

	if n == 0 {
		return 0, nil
	}

	offset := uint64(f.pos)
	end := offset + uint64(n)

	// The slice below the valid data length comes from disk; the rest is
	// undefined on the medium and reads as zeros.
	storedEnd := end
	if storedEnd > f.stream.ValidDataLength {
		storedEnd = f.stream.ValidDataLength
	}

	if storedEnd > offset {
		err = f.vol.engine.readStream(f.stream, offset, buf[:storedEnd-offset], &f.cache)
		if err != nil {
			return 0, err
		}
	} else {
		storedEnd = offset
	}

	for i := storedEnd - offset; i < uint64(n); i++ {
		buf[i] = 0
	}

	f.pos += int64(n)

	return n, nil
}

// zeroFillGap zeroes the on-disk range between the valid data length and the
// given offset, so that advancing the valid data length never exposes stale
// sectors.
func (f *File) zeroFillGap(to uint64) (err error) {
	if to <= f.stream.ValidDataLength {
		return nil
	}

	zero := make([]byte, f.vol.bsh.BytesPerCluster())
	offset := f.stream.ValidDataLength

	for offset < to {
		chunk := uint64(len(zero))
		if chunk > to-offset {
			chunk = to - offset
		}

		err = f.vol.engine.writeStream(f.stream, offset, zero[:chunk], &f.cache)
		if err != nil {
			return err
		}

		offset += chunk
	}

	return nil
}

// Write writes len(buf) bytes at the current position, extending the cluster
// chain as needed.
func (f *File) Write(buf []byte) (n int, err error) {
	f.vol.mu.Lock()
	defer f.vol.mu.Unlock()

	err = f.checkWritable()
	if err != nil {
		return 0, err
	}

	if len(buf) == 0 {
		return 0, nil
	}

	offset := uint64(f.pos)
	end := offset + uint64(len(buf))

	if end > f.stream.DataLength {
		err = f.vol.engine.extend(&f.stream, end, &f.cache)
		if err != nil {
			return 0, err
		}
	}

	err = f.zeroFillGap(offset)
	if err != nil {
		return 0, err
	}

	err = f.vol.engine.writeStream(f.stream, offset, buf, &f.cache)
	if err != nil {
		return 0, err
	}

	if end > f.stream.ValidDataLength {
		f.stream.ValidDataLength = end
	}

	f.pos = int64(end)
	f.state = stateDirty

	return len(buf), nil
}

// Seek repositions the handle. Seeking past the end is allowed; the chain is
// only extended once something is written there.
func (f *File) Seek(offset int64, whence int) (pos int64, err error) {
	f.vol.mu.Lock()
	defer f.vol.mu.Unlock()

	err = f.checkOpen()
	if err != nil {
		return 0, err
	}

	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.pos + offset
	case io.SeekEnd:
		pos = int64(f.stream.DataLength) + offset
	default:
		return 0, fmt.Errorf("whence not valid: (%d)", whence)
	}

	if pos < 0 {
		return 0, fmt.Errorf("seek before start of file: (%d)", pos)
	}

	f.pos = pos

	return pos, nil
}

// Truncate resizes the file. Shrinking frees the clusters beyond the new
// end; growing allocates without advancing the valid data length.
//
// A shrink writes the reduced stream extension through to the parent
// directory before any cluster is freed, so the on-disk entry never claims a
// cluster another handle could be handed in the meantime.
func (f *File) Truncate(size uint64) (err error) {
	f.vol.mu.Lock()
	defer f.vol.mu.Unlock()

	err = f.checkWritable()
	if err != nil {
		return err
	}

	if size < f.stream.DataLength {
		err = f.vol.engine.truncate(&f.stream, size, &f.cache, f.writeBackEntrySet)
		if err != nil {
			return err
		}

		// The entry set just went to disk; nothing is left to flush.
		f.state = stateOpen
	} else if size > f.stream.DataLength {
		err = f.vol.engine.extend(&f.stream, size, &f.cache)
		if err != nil {
			return err
		}

		// Data between the valid data length and the new end reads as
		// zeros; nothing on disk needs touching until it is written.
		f.state = stateDirty
	}

	return nil
}

// Flush writes the entry set (stream extension plus primary entry) back to
// the parent directory.
func (f *File) Flush() (err error) {
	f.vol.mu.Lock()
	defer f.vol.mu.Unlock()

	err = f.checkOpen()
	if err != nil {
		return err
	}

	return f.flush()
}

func (f *File) flush() (err error) {
	if f.state != stateDirty {
		return nil
	}

	err = f.writeBackEntrySet()
	if err != nil {
		return err
	}

	f.state = stateOpen

	fileLogger.Debugf(nil, "flushed [%s]: data-length=(%d) valid-data-length=(%d)", f.Name(), f.stream.DataLength, f.stream.ValidDataLength)

	return nil
}

// writeBackEntrySet re-encodes the entry set with the current stream state
// and writes it into the parent directory's slots.
func (f *File) writeBackEntrySet() (err error) {
	f.set.Stream.applyStreamState(f.stream)
	f.set.File.FileAttributes |= AttributeArchive

	et, tenMs, utcOffset := encodeTimestamp(f.vol.clock.Now())
	f.set.File.LastModifiedTimestampRaw = et
	f.set.File.LastModified10msIncrement = tenMs
	f.set.File.LastModifiedUtcOffset = utcOffset

	setData, err := encodeEntrySet(&f.set)
	if err != nil {
		return err
	}

	return f.vol.engine.writeStream(f.loc.parent, uint64(f.loc.slot)*directoryEntryBytesCount, setData, nil)
}

// Close flushes dirty metadata and invalidates the handle.
func (f *File) Close() (err error) {
	f.vol.mu.Lock()
	defer f.vol.mu.Unlock()

	if f.state == stateClosed {
		return ErrHandleClosed
	}

	err = f.flush()
	if err != nil {
		return err
	}

	f.state = stateClosed

	return nil
}
