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
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
)

// Validation failures. Every error Parse returns is a *ValidationError
// wrapping one of these.
var (
	ErrTruncated        = errors.New("runs past end of image")
	ErrFormatVersion    = errors.New("unsupported format version")
	ErrVersionTooLow    = errors.New("package version below minimum supported")
	ErrVersionTooHigh   = errors.New("package version above maximum supported")
	ErrBadBuffer        = errors.New("malformed buffer")
	ErrMissingSegment   = errors.New("required segment missing")
	ErrDuplicateSegment = errors.New("duplicate segment")
)

// ValidationError locates a structural problem in a package image.
type ValidationError struct {
	Err    error
	Offset int

	// Buffer is the index of the offending buffer, or -1.
	Buffer int
	Detail string
}

func (e *ValidationError) Error() string {
	s := fmt.Sprintf("package invalid at offset %#x: %s", e.Offset, e.Err)
	if e.Buffer >= 0 {
		s += fmt.Sprintf(" (buffer %d)", e.Buffer)
	}
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	return s
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error, offset int, format string, args ...any) *ValidationError {
	return &ValidationError{Err: err, Offset: offset, Buffer: -1, Detail: fmt.Sprintf(format, args...)}
}

// VersionRange bounds the (major, minor) package versions an engine accepts.
type VersionRange struct {
	Min Version
	Max Version
}

// DefaultVersionRange accepts every 1.x package up to 1.3.
var DefaultVersionRange = VersionRange{Min: Version{Major: 1, Minor: 0}, Max: Version{Major: 1, Minor: 3}}

// Buffer is one 4096-byte entry of the device segment's buffer table.
type Buffer struct {
	Index    int
	Offset   int
	Header   BufferHeader
	Sections []SectionEntry
	Data     []byte
}

// Metadata reports whether the buffer only carries package metadata and is
// skipped during transfer.
func (b *Buffer) Metadata() bool {
	return len(b.Sections) != 0 && b.Sections[0].Type&SectionMetadataFlag != 0
}

// Package is a validated package image.
type Package struct {
	FormatVersion Version
	Version       Version
	Name          string
	SegmentID     string

	Devices     []DeviceID
	NVMVersions []uint32
	Buffers     []Buffer

	image []byte
}

// Image returns the bytes the package was parsed from.
func (p *Package) Image() []byte { return p.image }

// Info is the package's identity as the firmware would report it.
func (p *Package) Info() PackageInfo { return NewPackageInfo(p.Name, p.Version) }

// TransferBuffers returns the buffers that are sent to the firmware, in
// order.
func (p *Package) TransferBuffers() []*Buffer {
	bufs := make([]*Buffer, 0, len(p.Buffers))
	for i := range p.Buffers {
		if !p.Buffers[i].Metadata() {
			bufs = append(bufs, &p.Buffers[i])
		}
	}
	return bufs
}

// TransferSize is the number of bytes the transfer will send.
func (p *Package) TransferSize() int { return len(p.TransferBuffers()) * BufferSize }

// Sections yields the payload of every section of type typ across the
// buffer table, ignoring the metadata flag when matching.
func (p *Package) Sections(typ uint32) iter.Seq2[SectionEntry, []byte] {
	return func(yield func(SectionEntry, []byte) bool) {
		for _, b := range p.Buffers {
			for _, s := range b.Sections {
				if s.Type&^SectionMetadataFlag != typ&^SectionMetadataFlag {
					continue
				}
				if !yield(s, b.Data[s.Offset:int(s.Offset)+int(s.Size)]) {
					return
				}
			}
		}
	}
}

// Supports reports whether the package lists the device in its device table.
// An empty table matches every device.
func (p *Package) Supports(dev DeviceID) bool {
	if len(p.Devices) == 0 {
		return true
	}
	for _, d := range p.Devices {
		if d == dev {
			return true
		}
	}
	return false
}

// Parse validates image against the structural rules of the container and the
// supported version range, and returns the parsed package. It never talks to
// the firmware.
func Parse(image []byte, versions VersionRange) (*Package, error) {
	var hdr PackageHeader
	if len(image) < packageHeaderSize {
		return nil, invalid(ErrTruncated, 0, "header needs %d bytes, image has %d", packageHeaderSize, len(image))
	}
	if err := decode(image[:packageHeaderSize], &hdr); err != nil {
		return nil, invalid(ErrTruncated, 0, "%s", err)
	}
	if hdr.FormatVersion != SupportedFormat {
		return nil, invalid(ErrFormatVersion, 0, "format %s, expected %s", hdr.FormatVersion, SupportedFormat)
	}
	if hdr.SegmentCount == 0 {
		return nil, invalid(ErrMissingSegment, packageHeaderSize, "no segments")
	}

	tableEnd := packageHeaderSize + int(hdr.SegmentCount)*segmentOffsetSize
	if tableEnd > len(image) || int(hdr.SegmentCount) > len(image) {
		return nil, invalid(ErrTruncated, packageHeaderSize, "segment table of %d entries", hdr.SegmentCount)
	}

	p := &Package{FormatVersion: hdr.FormatVersion, image: image}
	var (
		haveMeta, haveDevice bool
		deviceAt             int
		deviceVersion        Version
	)

	for i := 0; i < int(hdr.SegmentCount); i++ {
		at := packageHeaderSize + i*segmentOffsetSize
		offset := int(binary.LittleEndian.Uint32(image[at:]))

		if offset < tableEnd || offset+segmentHeaderSize > len(image) {
			return nil, invalid(ErrTruncated, at, "segment %d offset %#x", i, offset)
		}

		var seg SegmentHeader
		if err := decode(image[offset:offset+segmentHeaderSize], &seg); err != nil {
			return nil, invalid(ErrTruncated, offset, "%s", err)
		}
		if int(seg.Size) < segmentHeaderSize || int(seg.Size) > len(image)-offset {
			return nil, invalid(ErrTruncated, offset, "segment %d size %d, %d bytes remain", i, seg.Size, len(image)-offset)
		}
		body := image[offset : offset+int(seg.Size)]

		switch seg.Type {
		case SegmentMetadata:
			if haveMeta {
				return nil, invalid(ErrDuplicateSegment, offset, "metadata")
			}
			if err := p.parseMetadata(body, offset, versions); err != nil {
				return nil, err
			}
			haveMeta = true

		case SegmentDevice:
			if haveDevice {
				return nil, invalid(ErrDuplicateSegment, offset, "device")
			}
			p.SegmentID = string(bytes.TrimRight(seg.ID[:], "\x00"))
			if err := p.parseDevice(body, offset); err != nil {
				return nil, err
			}
			haveDevice = true
			deviceAt, deviceVersion = offset, seg.FormatVersion
		}
	}

	if !haveDevice {
		return nil, invalid(ErrMissingSegment, 0, "device")
	}

	// A package without a metadata segment is versioned by its device
	// segment.
	if !haveMeta {
		if err := checkVersion(deviceVersion, deviceAt, versions); err != nil {
			return nil, err
		}
		p.Version, p.Name = deviceVersion, p.SegmentID
	}

	return p, nil
}

func (p *Package) parseMetadata(body []byte, offset int, versions VersionRange) error {
	if len(body) < metadataSegmentSize {
		return invalid(ErrTruncated, offset, "metadata segment of %d bytes", len(body))
	}

	var meta MetadataSegment
	if err := decode(body[:metadataSegmentSize], &meta); err != nil {
		return invalid(ErrTruncated, offset, "%s", err)
	}

	if err := checkVersion(meta.PackageVersion, offset, versions); err != nil {
		return err
	}

	p.Version = meta.PackageVersion
	p.Name = NameString(meta.Name)
	return nil
}

func checkVersion(v Version, offset int, versions VersionRange) error {
	if v.CompareMajorMinor(versions.Min) < 0 {
		return invalid(ErrVersionTooLow, offset, "version %s, minimum %d.%d", v, versions.Min.Major, versions.Min.Minor)
	}
	if v.CompareMajorMinor(versions.Max) > 0 {
		return invalid(ErrVersionTooHigh, offset, "version %s, maximum %d.%d", v, versions.Max.Major, versions.Max.Minor)
	}
	return nil
}

// cursor walks a segment body, failing with ErrTruncated on overrun.
type cursor struct {
	body []byte
	base int
	pos  int
}

func (c *cursor) u32() (uint32, error) {
	if c.pos+4 > len(c.body) {
		return 0, invalid(ErrTruncated, c.base+c.pos, "table count")
	}
	v := binary.LittleEndian.Uint32(c.body[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *cursor) take(n int, what string) ([]byte, int, error) {
	if n < 0 || c.pos+n > len(c.body) {
		return nil, 0, invalid(ErrTruncated, c.base+c.pos, "%s of %d bytes, %d remain", what, n, len(c.body)-c.pos)
	}
	at := c.pos
	c.pos += n
	return c.body[at : at+n], c.base + at, nil
}

func (p *Package) parseDevice(body []byte, offset int) error {
	c := &cursor{body: body, base: offset, pos: segmentHeaderSize}

	count, err := c.u32()
	if err != nil {
		return err
	}
	table, _, err := c.take(int(count)*4, "device table")
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		p.Devices = append(p.Devices, DeviceID{
			VendorID: binary.LittleEndian.Uint16(table[i*4:]),
			DeviceID: binary.LittleEndian.Uint16(table[i*4+2:]),
		})
	}

	count, err = c.u32()
	if err != nil {
		return err
	}
	table, _, err = c.take(int(count)*4, "nvm table")
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		p.NVMVersions = append(p.NVMVersions, binary.LittleEndian.Uint32(table[i*4:]))
	}

	count, err = c.u32()
	if err != nil {
		return err
	}
	if count == 0 {
		return invalid(ErrBadBuffer, c.base+c.pos, "empty buffer table")
	}
	for i := 0; i < int(count); i++ {
		data, at, err := c.take(BufferSize, fmt.Sprintf("buffer %d", i))
		if err != nil {
			return err
		}
		buf, err := validateBuffer(data)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Offset += at
				ve.Buffer = i
			}
			return err
		}
		buf.Index, buf.Offset = i, at
		p.Buffers = append(p.Buffers, *buf)
	}

	return nil
}

// validateBuffer checks one buffer's header and section table. Offsets in the
// returned error are relative to the buffer.
func validateBuffer(data []byte) (*Buffer, error) {
	hdr, sections, err := ParseBuffer(data)
	if err != nil {
		return nil, invalid(ErrBadBuffer, 0, "%s", err)
	}

	if hdr.SectionCount < 1 || int(hdr.SectionCount) > MaxSections {
		return nil, invalid(ErrBadBuffer, 0, "section count %d outside [1, %d]", hdr.SectionCount, MaxSections)
	}
	if hdr.DataEnd < MinDataEnd || int(hdr.DataEnd) > MaxDataEnd {
		return nil, invalid(ErrBadBuffer, 2, "data end %d outside [%d, %d]", hdr.DataEnd, MinDataEnd, MaxDataEnd)
	}

	tableEnd := bufferHeaderSize + len(sections)*sectionEntrySize
	if int(hdr.DataEnd) < tableEnd {
		return nil, invalid(ErrBadBuffer, 2, "data end %d inside the section table", hdr.DataEnd)
	}
	for i, s := range sections {
		end := int(s.Offset) + int(s.Size)
		if int(s.Offset) < tableEnd || end > int(hdr.DataEnd) {
			return nil, invalid(ErrBadBuffer, bufferHeaderSize+i*sectionEntrySize,
				"section %d [%d, %d) outside [%d, %d)", i, s.Offset, end, tableEnd, hdr.DataEnd)
		}
	}

	return &Buffer{Header: hdr, Sections: sections, Data: data}, nil
}

// ValidateBuffer checks a single buffer the way Parse checks each entry of a
// buffer table.
func ValidateBuffer(data []byte) error {
	if len(data) != BufferSize {
		return invalid(ErrBadBuffer, 0, "buffer of %d bytes", len(data))
	}
	_, err := validateBuffer(data)
	return err
}
