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

package field

import (
	"bytes"
	"context"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/sneller-labs/voxelgrid/voxelcodec"
)

func buildRawFile(t *testing.T, shape Shape, values []float64) []byte {
	t.Helper()
	var buf bytes.Buffer
	var header [24]byte
	for i, v := range shape {
		putUint64(header[i*8:], v)
	}
	buf.Write(header[:])
	buf.Write(voxelcodec.EncodeFloat64LE(nil, values))
	return buf.Bytes()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func openFixture(t *testing.T, data []byte) fs.File {
	t.Helper()
	fsys := fstest.MapFS{
		"grid.raw": &fstest.MapFile{Data: data},
	}
	f, err := fsys.Open("grid.raw")
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	return f
}

func TestRawParserShapeOnly(t *testing.T) {
	shape := Shape{2, 2, 2}
	values := make([]float64, shape.Elements())
	for i := range values {
		values[i] = float64(i)
	}
	data := buildRawFile(t, shape, values)
	f := openFixture(t, data)
	defer f.Close()

	got, err := (RawParser{}).ShapeOnly(context.Background(), f)
	if err != nil {
		t.Fatalf("ShapeOnly: %v", err)
	}
	if got != shape {
		t.Fatalf("got shape %v want %v", got, shape)
	}
}

func TestRawParserFull(t *testing.T) {
	shape := Shape{4, 4, 4}
	values := make([]float64, shape.Elements())
	for i := range values {
		values[i] = float64(i) - 10
	}
	data := buildRawFile(t, shape, values)
	f := openFixture(t, data)
	defer f.Close()

	gotShape, gotValues, err := (RawParser{}).Full(context.Background(), f)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}
	if gotShape != shape {
		t.Fatalf("got shape %v want %v", gotShape, shape)
	}
	if len(gotValues) != len(values) {
		t.Fatalf("got %d values want %d", len(gotValues), len(values))
	}
	for i := range values {
		if gotValues[i] != values[i] {
			t.Fatalf("value %d: got %v want %v", i, gotValues[i], values[i])
		}
	}
}

func TestRawParserShortHeader(t *testing.T) {
	f := openFixture(t, []byte{1, 2, 3})
	defer f.Close()
	if _, err := (RawParser{}).ShapeOnly(context.Background(), f); err == nil {
		t.Fatal("expected error on truncated header")
	}
}
