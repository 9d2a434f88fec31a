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

package mesh

import (
	"testing"

	"github.com/sneller-labs/voxelgrid/field"
)

func TestPointMesherEmpty(t *testing.T) {
	m, err := (PointMesher{}).Extract(field.Shape{2, 2, 2}, nil, 0.5)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(m.Positions) != 0 || len(m.Indices) != 0 {
		t.Fatal("expected empty mesh for empty field")
	}
}

func TestPointMesherCrossing(t *testing.T) {
	shape := field.Shape{4, 1, 1}
	values := []float64{0, 0, 1, 1}
	m, err := (PointMesher{}).Extract(shape, values, 0.5)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(m.Positions) != 1 {
		t.Fatalf("expected exactly one crossing, got %d", len(m.Positions))
	}
	if len(m.Indices) != len(m.Positions) {
		t.Fatalf("index count %d should match vertex count %d", len(m.Indices), len(m.Positions))
	}
}
