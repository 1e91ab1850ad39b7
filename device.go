// This file defines the block-device adapter that the filesystem consumes,
// and the sector-addressed I/O facade layered over it. All device access from
// the rest of the package funnels through sectorIO.

package exfat

import (
	"io"
	"sync"

	"github.com/spf13/afero"
)

// Device is the external block-device adapter. Offsets are in bytes; the
// filesystem addresses the device by sector, with the sector size discovered
// from the boot sector rather than from the adapter, but an access may start
// inside a sector and be shorter than one (down to a single byte).
//
// Implementations may complete synchronously or block inside ReadAt/WriteAt.
// The filesystem holds its volume gate across these calls, so an adapter
// callback must not re-enter the filesystem.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the device capacity in bytes.
	Size() (int64, error)

	// Flush pushes any buffered writes down to the medium.
	Flush() error
}

// StreamDevice adapts an io.ReadWriteSeeker (an os.File, a bytesextra in-
// memory image, etc.) to the Device interface. Seeks and transfers are
// serialized internally since ReaderAt/WriterAt may not be available on the
// underlying stream.
type StreamDevice struct {
	mutex sync.Mutex
	rws   io.ReadWriteSeeker
}

// NewStreamDevice returns a Device backed by the given stream.
func NewStreamDevice(rws io.ReadWriteSeeker) *StreamDevice {
	return &StreamDevice{
		rws: rws,
	}
}

// ReadAt reads len(p) bytes at the given byte offset.
func (sd *StreamDevice) ReadAt(p []byte, off int64) (n int, err error) {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()

	_, err = sd.rws.Seek(off, io.SeekStart)
	if err != nil {
		return 0, err
	}

	n, err = io.ReadFull(sd.rws, p)
	if err != nil {
		return n, err
	}

	return n, nil
}

// WriteAt writes len(p) bytes at the given byte offset.
func (sd *StreamDevice) WriteAt(p []byte, off int64) (n int, err error) {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()

	_, err = sd.rws.Seek(off, io.SeekStart)
	if err != nil {
		return 0, err
	}

	n, err = sd.rws.Write(p)
	if err != nil {
		return n, err
	}

	return n, nil
}

// Size returns the stream length.
func (sd *StreamDevice) Size() (size int64, err error) {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()

	size, err = sd.rws.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}

	return size, nil
}

// Flush is a no-op; plain streams have no buffering of their own.
func (sd *StreamDevice) Flush() error {
	return nil
}

// FileDevice adapts an afero.File (which includes os.File through
// afero.OsFs) to the Device interface.
type FileDevice struct {
	f afero.File
}

// NewFileDevice returns a Device backed by the given file.
func NewFileDevice(f afero.File) *FileDevice {
	return &FileDevice{
		f: f,
	}
}

// ReadAt reads len(p) bytes at the given byte offset.
func (fd *FileDevice) ReadAt(p []byte, off int64) (n int, err error) {
	return fd.f.ReadAt(p, off)
}

// WriteAt writes len(p) bytes at the given byte offset.
func (fd *FileDevice) WriteAt(p []byte, off int64) (n int, err error) {
	return fd.f.WriteAt(p, off)
}

// Size returns the file length.
func (fd *FileDevice) Size() (size int64, err error) {
	fi, err := fd.f.Stat()
	if err != nil {
		return 0, err
	}

	return fi.Size(), nil
}

// Flush syncs the file.
func (fd *FileDevice) Flush() error {
	return fd.f.Sync()
}

// sectorIO is the sector-addressed facade over the device. It owns the one
// scratch sector buffer that readScratch fills; partial-sector transfers
// (readInto, writeInto) go straight to the device at the byte offset.
type sectorIO struct {
	dev        Device
	sectorSize uint32
	scratch    []byte
}

func newSectorIO(dev Device, sectorSize uint32) *sectorIO {
	return &sectorIO{
		dev:        dev,
		sectorSize: sectorSize,
		scratch:    make([]byte, sectorSize),
	}
}

// readSector fills buf with the sector at the given LBA. len(buf) must be
// exactly one sector.
func (sio *sectorIO) readSector(lba int64, buf []byte) (err error) {
	_, err = sio.dev.ReadAt(buf, lba*int64(sio.sectorSize))
	if err != nil {
		return wrapIO(err)
	}

	return nil
}

// writeSector writes buf as the sector at the given LBA.
func (sio *sectorIO) writeSector(lba int64, buf []byte) (err error) {
	_, err = sio.dev.WriteAt(buf, lba*int64(sio.sectorSize))
	if err != nil {
		return wrapIO(err)
	}

	return nil
}

// readInto reads len(buf) bytes starting at the given byte offset within the
// given sector, without transferring the whole sector to the caller.
func (sio *sectorIO) readInto(lba int64, offset uint32, buf []byte) (err error) {
	_, err = sio.dev.ReadAt(buf, lba*int64(sio.sectorSize)+int64(offset))
	if err != nil {
		return wrapIO(err)
	}

	return nil
}

// writeInto writes len(buf) bytes starting at the given byte offset within
// the given sector.
func (sio *sectorIO) writeInto(lba int64, offset uint32, buf []byte) (err error) {
	_, err = sio.dev.WriteAt(buf, lba*int64(sio.sectorSize)+int64(offset))
	if err != nil {
		return wrapIO(err)
	}

	return nil
}

// readScratch reads the sector at the given LBA into the scratch buffer and
// returns it. The buffer is only valid until the next sectorIO call.
func (sio *sectorIO) readScratch(lba int64) (buf []byte, err error) {
	err = sio.readSector(lba, sio.scratch)
	if err != nil {
		return nil, err
	}

	return sio.scratch, nil
}

// flush pushes buffered writes down to the device.
func (sio *sectorIO) flush() (err error) {
	err = sio.dev.Flush()
	if err != nil {
		return wrapIO(err)
	}

	return nil
}
