// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package field defines the FieldParser contract: the
// conversion from an on-disk voxel file to a flat array of
// doubles, plus a cheap shape-only mode. This package is an
// external collaborator boundary; only its interface is
// load-bearing for the loader pipeline, but one reference
// implementation (raw little-endian f64 with a small fixed
// header) is provided so the daemon runs standalone.
package field

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"

	"github.com/sneller-labs/voxelgrid/voxelcodec"
)

// Shape is the (nx, ny, nz) extent of a voxel grid.
type Shape [3]uint64

// Elements returns nx*ny*nz.
func (s Shape) Elements() uint64 {
	return s[0] * s[1] * s[2]
}

// Parser converts a file's bytes into a voxel grid. Full
// reads the whole field; ShapeOnly reads just enough of the
// file to determine its shape, without materializing the
// payload.
type Parser interface {
	ShapeOnly(ctx context.Context, f fs.File) (Shape, error)
	Full(ctx context.Context, f fs.File) (Shape, []float64, error)
}

// ErrBadHeader is returned by the raw parser when a file's
// header cannot be decoded.
var ErrBadHeader = fmt.Errorf("field: bad header")

// rawHeaderSize is the byte length of the fixed header
// expected by RawParser: three little-endian uint64 extents.
const rawHeaderSize = 24

// RawParser implements Parser for files consisting of a
// 24-byte header (three little-endian uint64 extents)
// followed by nx*ny*nz little-endian float64 samples.
type RawParser struct{}

// ShapeOnly reads only the fixed header.
func (RawParser) ShapeOnly(ctx context.Context, f fs.File) (Shape, error) {
	if err := ctx.Err(); err != nil {
		return Shape{}, err
	}
	var header [rawHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return Shape{}, fmt.Errorf("%w: %s", ErrBadHeader, err)
	}
	var shape Shape
	shape[0] = binary.LittleEndian.Uint64(header[0:8])
	shape[1] = binary.LittleEndian.Uint64(header[8:16])
	shape[2] = binary.LittleEndian.Uint64(header[16:24])
	return shape, nil
}

// Full reads the header and then the entire payload.
func (p RawParser) Full(ctx context.Context, f fs.File) (Shape, []float64, error) {
	shape, err := p.ShapeOnly(ctx, f)
	if err != nil {
		return Shape{}, nil, err
	}
	n := shape.Elements()
	raw := make([]byte, n*8)
	if _, err := io.ReadFull(f, raw); err != nil {
		return Shape{}, nil, fmt.Errorf("field: short payload: %w", err)
	}
	out := make([]float64, n)
	if err := voxelcodec.DecodeFloat64LE(raw, out); err != nil {
		return Shape{}, nil, err
	}
	return shape, out, nil
}

// ByExtension maps a file extension (including the leading
// dot, e.g. ".vox") to a Parser. Extensions are matched
// case-sensitively.
type ByExtension map[string]Parser

// DefaultParsers is the registry used by the daemon unless
// overridden: ".vox" and ".raw" both resolve to RawParser.
var DefaultParsers = ByExtension{
	".vox": RawParser{},
	".raw": RawParser{},
}
