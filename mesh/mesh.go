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

// Package mesh defines the SurfaceMesher contract: the
// conversion from a decoded voxel grid plus an iso-surface
// level to a triangle mesh. This is an external collaborator
// boundary; the loader pipeline only needs the interface,
// not a production marching-cubes implementation.
package mesh

import "github.com/sneller-labs/voxelgrid/field"

// Vertex is a single mesh vertex position.
type Vertex struct {
	X, Y, Z float64
}

// Mesh is the output of a SurfaceMesher call: a flat vertex
// list plus triangle indices into it (three indices per
// triangle).
type Mesh struct {
	Positions []Vertex
	Indices   []uint32
}

// Mesher extracts an iso-surface from a decoded scalar
// field.
type Mesher interface {
	Extract(shape field.Shape, doubles []float64, level float64) (Mesh, error)
}

// PointMesher is a minimal reference Mesher sufficient to
// exercise the contract end-to-end: it emits one vertex per
// sample whose value crosses level relative to its
// predecessor in flat index order, with no triangulation:
// Indices holds one entry per emitted vertex, not three per
// triangle. It is not a production iso-surface algorithm.
type PointMesher struct{}

// Extract implements Mesher.
func (PointMesher) Extract(shape field.Shape, doubles []float64, level float64) (Mesh, error) {
	nx, ny := shape[0], shape[1]
	var out Mesh
	if len(doubles) == 0 {
		return out, nil
	}
	prev := doubles[0]
	for idx := 1; idx < len(doubles); idx++ {
		cur := doubles[idx]
		if (prev < level) != (cur < level) {
			i := uint64(idx) % nx
			j := (uint64(idx) / nx) % ny
			k := uint64(idx) / (nx * ny)
			out.Positions = append(out.Positions, Vertex{
				X: float64(i), Y: float64(j), Z: float64(k),
			})
			out.Indices = append(out.Indices, uint32(len(out.Positions)-1))
		}
		prev = cur
	}
	return out, nil
}
