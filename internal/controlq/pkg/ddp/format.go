/*
 * Copyright 2024 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ddp

import (
	"bytes"
	"fmt"

	"github.com/HewlettPackard/structex"
)

const (
	// BufferSize is the size of every buffer in a package's buffer table.
	BufferSize = 4096

	bufferHeaderSize = 4
	sectionEntrySize = 8

	// MinDataEnd is the smallest data_end of a buffer holding one section.
	MinDataEnd = bufferHeaderSize + sectionEntrySize

	// MaxDataEnd is the largest data_end a buffer can claim.
	MaxDataEnd = BufferSize

	// MaxSections is the largest section table that fits a buffer.
	MaxSections = (BufferSize - bufferHeaderSize) / sectionEntrySize

	// MaxSectionSize is the largest single section payload.
	MaxSectionSize = BufferSize - MinDataEnd
)

// Segment types.
const (
	SegmentMetadata uint32 = 0x00000001
	SegmentDevice   uint32 = 0x00000010
)

// Section types. A buffer whose first section type carries
// SectionMetadataFlag holds package metadata only and is never sent to the
// firmware.
const (
	SectionMetadataFlag uint32 = 0x80000000
	SectionPackageInfo  uint32 = 0x00000001
)

// Version is a four part package or format version.
type Version struct {
	Major  uint8
	Minor  uint8
	Update uint8
	Draft  uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Update, v.Draft)
}

// CompareMajorMinor orders two versions by major and minor only.
func (v Version) CompareMajorMinor(o Version) int {
	switch {
	case v.Major != o.Major:
		return int(v.Major) - int(o.Major)
	default:
		return int(v.Minor) - int(o.Minor)
	}
}

// SupportedFormat is the only container format version understood.
var SupportedFormat = Version{1, 0, 0, 0}

type PackageHeader struct {
	FormatVersion Version
	SegmentCount  uint32
}

const (
	packageHeaderSize = 8
	segmentOffsetSize = 4
)

type SegmentHeader struct {
	Type          uint32
	FormatVersion Version
	Size          uint32
	ID            [28]uint8
}

const segmentHeaderSize = 40

type MetadataSegment struct {
	Header         SegmentHeader
	PackageVersion Version
	Reserved       uint32
	Name           [32]uint8
}

const metadataSegmentSize = segmentHeaderSize + 4 + 4 + 32

// DeviceID is an entry of a device segment's device table.
type DeviceID struct {
	VendorID uint16
	DeviceID uint16
}

type BufferHeader struct {
	SectionCount uint16
	DataEnd      uint16
}

type SectionEntry struct {
	Type   uint32
	Offset uint16
	Size   uint16
}

// PackageInfo is the payload of a SectionPackageInfo section and the record
// the firmware reports for each package it knows about.
type PackageInfo struct {
	Version Version
	Name    [32]uint8
}

const PackageInfoSize = 36

// PackageInfoEntry is one record of the get package info list response.
type PackageInfoEntry struct {
	Info         PackageInfo
	InNVM        uint8
	Active       uint8
	ActiveAtBoot uint8
	Modified     uint8
}

const packageInfoEntrySize = PackageInfoSize + 4

// PackageInfoList is the header of the get package info list response.
type PackageInfoList struct {
	Count uint32
}

func decode(b []byte, v any) error {
	return structex.DecodeByteBuffer(bytes.NewBuffer(b), v)
}

func encode(v any) ([]byte, error) {
	buf := structex.NewBuffer(v)
	if err := structex.Encode(buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NameString trims the NUL padding off a fixed size name.
func NameString(name [32]uint8) string {
	if i := bytes.IndexByte(name[:], 0); i >= 0 {
		return string(name[:i])
	}
	return string(name[:])
}

func nameBytes(s string) (n [32]uint8) {
	copy(n[:], s)
	return n
}

// NewPackageInfo fills a PackageInfo.
func NewPackageInfo(name string, version Version) PackageInfo {
	return PackageInfo{Version: version, Name: nameBytes(name)}
}

func (i PackageInfo) String() string {
	return fmt.Sprintf("%s %s", NameString(i.Name), i.Version)
}

// ParseBuffer reads a buffer's header and section table without validating
// them.
func ParseBuffer(b []byte) (BufferHeader, []SectionEntry, error) {
	var hdr BufferHeader
	if len(b) < bufferHeaderSize {
		return hdr, nil, fmt.Errorf("%w: buffer of %d bytes", ErrTruncated, len(b))
	}
	if err := decode(b[:bufferHeaderSize], &hdr); err != nil {
		return hdr, nil, err
	}

	count := int(hdr.SectionCount)
	if bufferHeaderSize+count*sectionEntrySize > len(b) {
		return hdr, nil, fmt.Errorf("%w: %d section entries overrun the buffer", ErrBadBuffer, count)
	}

	entries := make([]SectionEntry, count)
	for i := range entries {
		off := bufferHeaderSize + i*sectionEntrySize
		if err := decode(b[off:off+sectionEntrySize], &entries[i]); err != nil {
			return hdr, nil, err
		}
	}
	return hdr, entries, nil
}

// ParsePackageInfoList decodes a get package info list response.
func ParsePackageInfoList(b []byte) ([]PackageInfoEntry, error) {
	var list PackageInfoList
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: package info list of %d bytes", ErrTruncated, len(b))
	}
	if err := decode(b[:4], &list); err != nil {
		return nil, err
	}
	if 4+int(list.Count)*packageInfoEntrySize > len(b) {
		return nil, fmt.Errorf("%w: %d package info entries", ErrTruncated, list.Count)
	}

	entries := make([]PackageInfoEntry, list.Count)
	for i := range entries {
		off := 4 + i*packageInfoEntrySize
		if err := decode(b[off:off+packageInfoEntrySize], &entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// EncodePackageInfoList encodes a get package info list response.
func EncodePackageInfoList(entries []PackageInfoEntry) ([]byte, error) {
	b, err := encode(PackageInfoList{Count: uint32(len(entries))})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		eb, err := encode(e)
		if err != nil {
			return nil, err
		}
		b = append(b, eb...)
	}
	return b, nil
}
