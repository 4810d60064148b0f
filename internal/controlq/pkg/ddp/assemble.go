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
	"encoding/binary"
	"fmt"
)

// Image describes a package to be laid out by Assemble.
type Image struct {
	Name        string
	Version     Version
	Devices     []DeviceID
	NVMVersions []uint32

	// Buffers are the 4096-byte entries of the buffer table, typically the
	// output of Builder.Bytes.
	Buffers [][]byte

	// NoMetadata omits the metadata segment; the device segment then carries
	// the version.
	NoMetadata bool
}

// Assemble lays out a package image: header, segment offset table, metadata
// segment and device segment. It does not validate the buffers.
func Assemble(img Image) ([]byte, error) {
	segments := 2
	if img.NoMetadata {
		segments = 1
	}

	deviceSize := segmentHeaderSize +
		4 + 4*len(img.Devices) +
		4 + 4*len(img.NVMVersions) +
		4 + BufferSize*len(img.Buffers)

	metaAt := packageHeaderSize + segments*segmentOffsetSize
	deviceAt := metaAt
	if !img.NoMetadata {
		deviceAt += metadataSegmentSize
	}

	out, err := encode(PackageHeader{FormatVersion: SupportedFormat, SegmentCount: uint32(segments)})
	if err != nil {
		return nil, err
	}
	if !img.NoMetadata {
		out = binary.LittleEndian.AppendUint32(out, uint32(metaAt))
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(deviceAt))

	if !img.NoMetadata {
		meta, err := encode(MetadataSegment{
			Header: SegmentHeader{
				Type:          SegmentMetadata,
				FormatVersion: SupportedFormat,
				Size:          metadataSegmentSize,
			},
			PackageVersion: img.Version,
			Name:           nameBytes(img.Name),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, meta...)
	}

	hdr := SegmentHeader{
		Type:          SegmentDevice,
		FormatVersion: img.Version,
		Size:          uint32(deviceSize),
	}
	copy(hdr.ID[:], img.Name)
	seg, err := encode(hdr)
	if err != nil {
		return nil, err
	}
	out = append(out, seg...)

	out = binary.LittleEndian.AppendUint32(out, uint32(len(img.Devices)))
	for _, d := range img.Devices {
		out = binary.LittleEndian.AppendUint16(out, d.VendorID)
		out = binary.LittleEndian.AppendUint16(out, d.DeviceID)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(img.NVMVersions)))
	for _, v := range img.NVMVersions {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(img.Buffers)))
	for i, b := range img.Buffers {
		if len(b) > BufferSize {
			return nil, fmt.Errorf("%w: buffer %d is %d bytes", ErrInvalidSize, i, len(b))
		}
		padded := make([]byte, BufferSize)
		copy(padded, b)
		out = append(out, padded...)
	}

	return out, nil
}

// AddPackageInfo allocates a SectionPackageInfo section carrying info. The
// firmware names the package it activates after the last such section it
// receives.
func (b *Builder) AddPackageInfo(info PackageInfo) error {
	payload, err := b.Alloc(SectionPackageInfo, PackageInfoSize)
	if err != nil {
		return err
	}
	raw, err := encode(info)
	if err != nil {
		return err
	}
	copy(payload, raw)
	return nil
}

// ParsePackageInfo decodes the payload of a SectionPackageInfo section.
func ParsePackageInfo(b []byte) (PackageInfo, error) {
	var info PackageInfo
	if len(b) < PackageInfoSize {
		return info, fmt.Errorf("%w: package info of %d bytes", ErrTruncated, len(b))
	}
	err := decode(b[:PackageInfoSize], &info)
	return info, err
}
