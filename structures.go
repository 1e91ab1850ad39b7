// This file manages the boot region: parsing and validating the main boot
// sector, caching the filesystem geometry derived from it, and serializing
// the mutable boot-sector bytes back to disk.

package exfat

import (
	"bytes"
	"fmt"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

var (
	defaultEncoding = binary.LittleEndian
)

const (
	bootSectorHeaderSize = 512

	// Byte offsets of the two boot-sector fields that mutate after format
	// and are excluded from the boot-region checksum.
	volumeFlagsOffset  = 106
	percentInUseOffset = 112

	// Sector index of the backup boot region.
	backupBootSector = 12

	// The smallest legal bytes-per-sector shift (512 bytes) and the largest
	// (4096 bytes).
	minBytesPerSectorShift = 9
	maxBytesPerSectorShift = 12

	// BytesPerSectorShift + SectorsPerClusterShift may not exceed 25 (a
	// 32 MiB cluster).
	maxClusterShiftTotal = 25
)

var (
	requiredJumpBootSignature = []byte{0xeb, 0x76, 0x90}
	requiredFileSystemName    = []byte("EXFAT   ")
	requiredBootSignature     = uint16(0xaa55)
)

// BootSectorHeader describes the main set of filesystem parameters.
type BootSectorHeader struct {
	// JumpBoot: This field is mandatory and Section 3.1.1 defines its contents.
	JumpBoot [3]byte

	// FileSystemName: This field is mandatory and Section 3.1.2 defines its contents.
	FileSystemName [8]byte

	// MustBeZero: This field is mandatory and Section 3.1.3 defines its contents.
	MustBeZero [53]byte

	// PartitionOffset: This field is mandatory and Section 3.1.4 defines its contents.
	PartitionOffset uint64

	// VolumeLength: This field is mandatory and Section 3.1.5 defines its contents.
	VolumeLength uint64

	// FatOffset: This field is mandatory and Section 3.1.6 defines its contents.
	FatOffset uint32

	// FatLength: This field is mandatory and Section 3.1.7 defines its contents.
	FatLength uint32

	// ClusterHeapOffset: This field is mandatory and Section 3.1.8 defines its contents.
	ClusterHeapOffset uint32

	// ClusterCount: This field is mandatory and Section 3.1.9 defines its contents.
	ClusterCount uint32

	// FirstClusterOfRootDirectory: This field is mandatory and Section 3.1.10 defines its contents.
	FirstClusterOfRootDirectory uint32

	// VolumeSerialNumber: This field is mandatory and Section 3.1.11 defines its contents.
	VolumeSerialNumber uint32

	// FileSystemRevision: This field is mandatory and Section 3.1.12 defines its contents.
	FileSystemRevision [2]uint8

	// VolumeFlags: This field is mandatory and Section 3.1.13 defines its
	// contents. Excluded from the boot-region checksum.
	VolumeFlags VolumeFlags

	// BytesPerSectorShift: This field is mandatory and Section 3.1.14 defines its contents.
	BytesPerSectorShift uint8

	// SectorsPerClusterShift: This field is mandatory and Section 3.1.15 defines its contents.
	SectorsPerClusterShift uint8

	// NumberOfFats: This field is mandatory and Section 3.1.16 defines its contents.
	NumberOfFats uint8

	// DriveSelect: This field is mandatory and Section 3.1.17 defines its contents.
	DriveSelect uint8

	// PercentInUse: This field is mandatory and Section 3.1.18 defines its
	// contents. Excluded from the boot-region checksum.
	PercentInUse uint8

	// Reserved: This field is mandatory and its contents are reserved.
	Reserved [7]byte

	// BootCode: This field is mandatory and Section 3.1.19 defines its contents.
	BootCode [390]byte

	// BootSignature: This field is mandatory and Section 3.1.20 defines its contents.
	BootSignature uint16
}

const (
	// VolumeFlagActiveFat: Section 3.1.13.1. Selects which FAT and
	// allocation bitmap are active.
	VolumeFlagActiveFat VolumeFlags = 1

	// VolumeFlagVolumeDirty: Section 3.1.13.2. The volume is probably in an
	// inconsistent state.
	VolumeFlagVolumeDirty = 2

	// VolumeFlagMediaFailure: Section 3.1.13.3. The hosting media has
	// reported failures.
	VolumeFlagMediaFailure = 4

	// VolumeFlagClearToZero: Section 3.1.13.4. No significant meaning.
	VolumeFlagClearToZero = 8
)

// VolumeFlags represents some state flags for the filesystem.
type VolumeFlags uint16

// UseFirstFat indicates whether the first FAT should be used.
func (vf VolumeFlags) UseFirstFat() bool {
	return vf&VolumeFlagActiveFat == 0
}

// UseSecondFat indicates whether the second FAT should be used.
func (vf VolumeFlags) UseSecondFat() bool {
	return vf&VolumeFlagActiveFat > 0
}

// IsDirty indicates that the volume may be in an inconsistent state.
func (vf VolumeFlags) IsDirty() bool {
	return vf&VolumeFlagVolumeDirty > 0
}

// HasHadMediaFailures indicates whether media-errors have been detected.
func (vf VolumeFlags) HasHadMediaFailures() bool {
	return vf&VolumeFlagMediaFailure > 0
}

// ClearToZero indicates that this flag should be cleared.
func (vf VolumeFlags) ClearToZero() bool {
	return vf&VolumeFlagClearToZero > 0
}

// DumpBareIndented prints the volume flags with arbitrary indentation.
func (vf VolumeFlags) DumpBareIndented(indent string) {
	fmt.Printf("%sRaw Value: (%08b)\n", indent, vf)
	fmt.Printf("%sUseFirstFat: [%v]\n", indent, vf.UseFirstFat())
	fmt.Printf("%sUseSecondFat: [%v]\n", indent, vf.UseSecondFat())
	fmt.Printf("%sIsDirty: [%v]\n", indent, vf.IsDirty())
	fmt.Printf("%sHasHadMediaFailures: [%v]\n", indent, vf.HasHadMediaFailures())
	fmt.Printf("%sClearToZero: [%v]\n", indent, vf.ClearToZero())
}

// SectorSize returns the effective sector-size.
func (bsh BootSectorHeader) SectorSize() uint32 {
	return uint32(1) << bsh.BytesPerSectorShift
}

// SectorsPerCluster returns the effective sectors-per-cluster count.
func (bsh BootSectorHeader) SectorsPerCluster() uint32 {
	return uint32(1) << bsh.SectorsPerClusterShift
}

// BytesPerCluster returns the effective cluster size in bytes.
func (bsh BootSectorHeader) BytesPerCluster() uint32 {
	return uint32(1) << (uint32(bsh.BytesPerSectorShift) + uint32(bsh.SectorsPerClusterShift))
}

// FirstSectorOfCluster maps a cluster number to the LBA of its first sector.
// Only clusters numbering (2) and above are stored on disk.
func (bsh BootSectorHeader) FirstSectorOfCluster(clusterNumber uint32) int64 {
	return int64(bsh.ClusterHeapOffset) + int64(clusterNumber-firstDataCluster)*int64(bsh.SectorsPerCluster())
}

// Dump prints all of the BSH parameters along with the common calculated ones.
func (bsh BootSectorHeader) Dump() {
	fmt.Printf("Boot Sector Header\n")
	fmt.Printf("==================\n")
	fmt.Printf("\n")

	fmt.Printf("PartitionOffset: (%d)\n", bsh.PartitionOffset)
	fmt.Printf("VolumeLength: (%d)\n", bsh.VolumeLength)
	fmt.Printf("FatOffset: (%d)\n", bsh.FatOffset)
	fmt.Printf("FatLength: (%d)\n", bsh.FatLength)
	fmt.Printf("ClusterHeapOffset: (%d)\n", bsh.ClusterHeapOffset)
	fmt.Printf("ClusterCount: (%d)\n", bsh.ClusterCount)
	fmt.Printf("FirstClusterOfRootDirectory: (%d)\n", bsh.FirstClusterOfRootDirectory)
	fmt.Printf("VolumeSerialNumber: (0x%08x)\n", bsh.VolumeSerialNumber)
	fmt.Printf("FileSystemRevision: (0x%02x) (0x%02x)\n", bsh.FileSystemRevision[0], bsh.FileSystemRevision[1])
	fmt.Printf("BytesPerSectorShift: (%d)\n", bsh.BytesPerSectorShift)
	fmt.Printf("-> Sector-size: 2^(%d) -> %d\n", bsh.BytesPerSectorShift, bsh.SectorSize())
	fmt.Printf("SectorsPerClusterShift: (%d)\n", bsh.SectorsPerClusterShift)
	fmt.Printf("-> Sectors-per-cluster: 2^(%d) -> %d\n", bsh.SectorsPerClusterShift, bsh.SectorsPerCluster())
	fmt.Printf("NumberOfFats: (%d)\n", bsh.NumberOfFats)
	fmt.Printf("DriveSelect: (%d)\n", bsh.DriveSelect)
	fmt.Printf("PercentInUse: (%d)\n", bsh.PercentInUse)
	fmt.Printf("\n")

	fmt.Printf("VolumeFlags: (%d)\n", bsh.VolumeFlags)
	bsh.VolumeFlags.DumpBareIndented("  ")

	fmt.Printf("\n")
}

// String returns a description of BSH.
func (bsh BootSectorHeader) String() string {
	return fmt.Sprintf("BootSector<SN=(0x%08x) REVISION=(0x%02x)-(0x%02x)>", bsh.VolumeSerialNumber, bsh.FileSystemRevision[0], bsh.FileSystemRevision[1])
}

// parseBootSectorHeader unpacks the first 512 bytes of the volume. Geometry
// validation happens separately in validate(), once the device size is known.
func parseBootSectorHeader(data []byte) (bsh BootSectorHeader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = recoverError(errRaw)
		}
	}()

	if len(data) < bootSectorHeaderSize {
		log.Panicf("boot-sector data too short: (%d)", len(data))
	}

	err = restruct.Unpack(data[:bootSectorHeaderSize], defaultEncoding, &bsh)
	log.PanicIf(err)

	return bsh, nil
}

// pack serializes the header back into its 512-byte on-disk form.
func (bsh BootSectorHeader) pack() (data []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = recoverError(errRaw)
		}
	}()

	data, err = restruct.Pack(defaultEncoding, &bsh)
	log.PanicIf(err)

	return data, nil
}

// validate applies the mount-time checks against the parsed header and the
// actual device capacity. Every violation surfaces as ErrBadBootSector.
func (bsh BootSectorHeader) validate(deviceSize int64) (err error) {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrBadBootSector, fmt.Sprintf(format, args...))
	}

	if bytes.Equal(bsh.JumpBoot[:], requiredJumpBootSignature) != true {
		return fail("jump-boot value not correct: %x", bsh.JumpBoot[:])
	} else if bytes.Equal(bsh.FileSystemName[:], requiredFileSystemName) != true {
		return fail("filesystem name not correct: %x [%s]", bsh.FileSystemName, string(bsh.FileSystemName[:]))
	} else if bsh.BootSignature != requiredBootSignature {
		return fail("boot-signature not correct: %x", bsh.BootSignature)
	}

	for _, c := range bsh.MustBeZero {
		if c != 0 {
			return fail("must-be-zero field not all zeros")
		}
	}

	if bsh.BytesPerSectorShift < minBytesPerSectorShift || bsh.BytesPerSectorShift > maxBytesPerSectorShift {
		return fail("bytes-per-sector shift out of range: (%d)", bsh.BytesPerSectorShift)
	}

	if uint32(bsh.BytesPerSectorShift)+uint32(bsh.SectorsPerClusterShift) > maxClusterShiftTotal {
		return fail("sectors-per-cluster shift out of range: (%d)", bsh.SectorsPerClusterShift)
	}

	if bsh.NumberOfFats != 1 && bsh.NumberOfFats != 2 {
		return fail("FAT count not correct: (%d)", bsh.NumberOfFats)
	}

	sectorSize := bsh.SectorSize()

	if int64(bsh.VolumeLength)*int64(sectorSize) > deviceSize {
		return fail("volume-length exceeds device size: (%d) sectors", bsh.VolumeLength)
	}

	if bsh.FatOffset < 24 || int64(bsh.FatOffset)+int64(bsh.FatLength)*int64(bsh.NumberOfFats) > int64(bsh.ClusterHeapOffset) {
		return fail("FAT region out of bounds: offset=(%d) length=(%d)", bsh.FatOffset, bsh.FatLength)
	}

	heapSectors := int64(bsh.ClusterCount) * int64(bsh.SectorsPerCluster())
	if int64(bsh.ClusterHeapOffset)+heapSectors > int64(bsh.VolumeLength) {
		return fail("cluster-heap exceeds volume-length: heap-offset=(%d) cluster-count=(%d)", bsh.ClusterHeapOffset, bsh.ClusterCount)
	}

	if bsh.FirstClusterOfRootDirectory < firstDataCluster || bsh.FirstClusterOfRootDirectory > bsh.ClusterCount+1 {
		return fail("first-cluster-of-root out of range: (%d)", bsh.FirstClusterOfRootDirectory)
	}

	return nil
}
