// This file packs and unpacks whole directory entry sets: the file entry, its
// stream extension, and the filename fragments, together with the set
// checksum and the filename rules.

package exfat

import (
	"fmt"
)

const (
	// Each File Name entry carries up to this many UTF-16 code units.
	fileNameUnitsPerEntry = 15

	// A file entry set carries between 2 and 18 secondary entries: the
	// stream extension plus 1..17 name entries.
	minSecondaryCount = 2
	maxSecondaryCount = 18

	// defaultNameLengthCap is the largest name exFAT itself allows. A mount
	// option may lower it to bound buffers on constrained targets.
	defaultNameLengthCap = 255
)

// invalidNameChars are forbidden in filenames (Section 7.7.3), in addition
// to all control characters below 0x20.
var invalidNameChars = []uint16{'"', '*', '/', ':', '<', '>', '?', '\\', '|'}

// validateFilename applies the length cap and the character rules. Names
// that are too long fail with ErrNameTooLong; everything else surfaces as a
// plain error for the caller to wrap.
func validateFilename(units []uint16, maxUnits int) (err error) {
	if len(units) == 0 {
		return fmt.Errorf("empty filename")
	}

	if len(units) > maxUnits {
		return fmt.Errorf("%w: (%d) code-units exceeds cap of (%d)", ErrNameTooLong, len(units), maxUnits)
	}

	for _, unit := range units {
		if unit < 0x20 {
			return fmt.Errorf("filename has control character: (0x%04x)", unit)
		}

		for _, invalid := range invalidNameChars {
			if unit == invalid {
				return fmt.Errorf("filename has invalid character: [%c]", rune(unit))
			}
		}
	}

	return nil
}

// EntrySet is one decoded directory entry set: a file entry, its stream
// extension, and the reassembled filename.
type EntrySet struct {
	File   ExfatFileDirectoryEntry
	Stream ExfatStreamExtensionDirectoryEntry

	nameUnits []uint16
}

// Name returns the filename as a Go string.
func (es *EntrySet) Name() string {
	return stringFromUtf16(es.nameUnits)
}

// NameUnits returns the filename's UTF-16 code units.
func (es *EntrySet) NameUnits() []uint16 {
	return es.nameUnits
}

func (es *EntrySet) nameEntryCount() int {
	count := (len(es.nameUnits) + fileNameUnitsPerEntry - 1) / fileNameUnitsPerEntry
	if count < 1 {
		count = 1
	}

	return count
}

// SlotCount returns the total number of 32-byte slots the set occupies.
func (es *EntrySet) SlotCount() int {
	return 1 + 1 + es.nameEntryCount()
}

// IsDirectory indicates whether the set describes a directory.
func (es *EntrySet) IsDirectory() bool {
	return es.File.FileAttributes.IsDirectory()
}

func isZeroed(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}

	return true
}

// decodeEntrySet reassembles a set from its raw slots: the primary file
// entry followed by SecondaryCount secondary slots. Checksum and structure
// violations surface as ErrCorruptEntrySet.
func decodeEntrySet(setData []byte) (es *EntrySet, err error) {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrCorruptEntrySet, fmt.Sprintf(format, args...))
	}

	if len(setData)%directoryEntryBytesCount != 0 || len(setData) < 3*directoryEntryBytesCount {
		return nil, fail("set size not valid: (%d)", len(setData))
	}

	slotCount := len(setData) / directoryEntryBytesCount

	primaryRaw, err := parseDirectoryEntry(EntryType(setData[0]), setData[:directoryEntryBytesCount])
	if err != nil {
		return nil, fail("primary entry not parseable: %s", err)
	}

	fdf, ok := primaryRaw.(*ExfatFileDirectoryEntry)
	if ok == false || fdf.EntryType != entryTypeFile {
		return nil, fail("primary entry not a file entry: %s", EntryType(setData[0]))
	}

	secondaryCount := int(fdf.SecondaryCount())
	if secondaryCount < minSecondaryCount || secondaryCount > maxSecondaryCount {
		return nil, fail("secondary-count out of range: (%d)", secondaryCount)
	}

	if slotCount != secondaryCount+1 {
		return nil, fail("slot count does not agree with secondary-count: (%d) != (%d)+1", slotCount, secondaryCount)
	}

	if entrySetChecksum(setData) != fdf.SetChecksum {
		return nil, fail("set checksum mismatch: computed=(0x%04x) stored=(0x%04x)", entrySetChecksum(setData), fdf.SetChecksum)
	}

	if fdf.Reserved1 != 0 || isZeroed(fdf.Reserved2[:]) == false {
		return nil, fail("file entry reserved fields not zero")
	}

	streamData := setData[directoryEntryBytesCount : 2*directoryEntryBytesCount]

	streamRaw, err := parseDirectoryEntry(EntryType(streamData[0]), streamData)
	if err != nil {
		return nil, fail("stream entry not parseable: %s", err)
	}

	sede, ok := streamRaw.(*ExfatStreamExtensionDirectoryEntry)
	if ok == false || sede.EntryType != entryTypeStreamExtension {
		return nil, fail("first secondary entry not a stream extension: %s", EntryType(streamData[0]))
	}

	if isZeroed(sede.Reserved1[:]) == false || isZeroed(sede.Reserved2[:]) == false || isZeroed(sede.Reserved3[:]) == false {
		return nil, fail("stream entry reserved fields not zero")
	}

	if sede.ValidDataLength > sede.DataLength {
		return nil, fail("valid-data-length exceeds data-length: (%d) > (%d)", sede.ValidDataLength, sede.DataLength)
	}

	nameEntryCount := secondaryCount - 1

	if int(sede.NameLength) > nameEntryCount*fileNameUnitsPerEntry {
		return nil, fail("name-length exceeds name entries: (%d) > (%d)*%d", sede.NameLength, nameEntryCount, fileNameUnitsPerEntry)
	}

	nameUnits := make([]uint16, 0, sede.NameLength)

	for i := 0; i < nameEntryCount; i++ {
		slotData := setData[(2+i)*directoryEntryBytesCount : (3+i)*directoryEntryBytesCount]

		if EntryType(slotData[0]) != entryTypeFileName {
			return nil, fail("secondary entry (%d) not a file-name entry: %s", i+1, EntryType(slotData[0]))
		}

		for j := 0; j < fileNameUnitsPerEntry; j++ {
			if len(nameUnits) == int(sede.NameLength) {
				break
			}

			unit := defaultEncoding.Uint16(slotData[2+j*2:])
			nameUnits = append(nameUnits, unit)
		}
	}

	es = &EntrySet{
		File:      *fdf,
		Stream:    *sede,
		nameUnits: nameUnits,
	}

	return es, nil
}

// encodeEntrySet serializes a set into its raw slots. The secondary count,
// name length, and set checksum are derived here; the name hash is expected
// to have been computed against the volume's up-case table already.
func encodeEntrySet(es *EntrySet) (setData []byte, err error) {
	nameEntryCount := es.nameEntryCount()

	es.File.EntryType = entryTypeFile
	es.File.SecondaryCountRaw = uint8(1 + nameEntryCount)

	es.Stream.EntryType = entryTypeStreamExtension
	es.Stream.NameLength = uint8(len(es.nameUnits))

	setData = make([]byte, 0, (2+nameEntryCount)*directoryEntryBytesCount)

	fileData, err := packDirectoryEntry(&es.File)
	if err != nil {
		return nil, err
	}

	setData = append(setData, fileData...)

	streamData, err := packDirectoryEntry(&es.Stream)
	if err != nil {
		return nil, err
	}

	setData = append(setData, streamData...)

	for i := 0; i < nameEntryCount; i++ {
		start := i * fileNameUnitsPerEntry

		end := start + fileNameUnitsPerEntry
		if end > len(es.nameUnits) {
			end = len(es.nameUnits)
		}

		// File Name entries never carry an allocation of their own.
		fnde := ExfatFileNameDirectoryEntry{
			EntryType:             entryTypeFileName,
			GeneralSecondaryFlags: 0,
		}

		copy(fnde.FileName[:], utf16BytesFromUnits(es.nameUnits[start:end], len(fnde.FileName)))

		nameData, err := packDirectoryEntry(&fnde)
		if err != nil {
			return nil, err
		}

		setData = append(setData, nameData...)
	}

	checksum := entrySetChecksum(setData)

	es.File.SetChecksum = checksum
	defaultEncoding.PutUint16(setData[2:], checksum)

	return setData, nil
}
