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

// Package preprocess implements the server-side half of a
// load: a cheap shape-only read that replies immediately with
// a chunk plan, followed by a background job that fills every
// chunk slot in the task registry once the full field has
// been parsed.
package preprocess

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"path"
	"sync"

	"github.com/sneller-labs/voxelgrid/field"
	"github.com/sneller-labs/voxelgrid/registry"
	"github.com/sneller-labs/voxelgrid/voxelcodec"
	"github.com/sneller-labs/voxelgrid/voxelerr"
	"github.com/sneller-labs/voxelgrid/wire"
)

// DefaultFillWorkers bounds the number of chunks encoded in
// parallel per task by the background fill job.
const DefaultFillWorkers = 4

// Option configures a Service.
type Option func(*Service)

// WithLogger installs a logger for background fill failures.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithFillWorkers overrides DefaultFillWorkers.
func WithFillWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.fillWorkers = n
		}
	}
}

// Service implements the preprocess half of the daemon: a
// file root, a parser registry, and the task arena the result
// is filled into.
type Service struct {
	Root    fs.FS
	Parsers field.ByExtension
	Reg     *registry.Registry

	logger      *log.Logger
	fillWorkers int
}

// New constructs a Service over root using parsers to resolve
// a FieldParser by file extension.
func New(root fs.FS, parsers field.ByExtension, reg *registry.Registry, opts ...Option) *Service {
	s := &Service{
		Root:        root,
		Parsers:     parsers,
		Reg:         reg,
		fillWorkers: DefaultFillWorkers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Service) parserFor(file string) (field.Parser, error) {
	ext := path.Ext(file)
	p, ok := s.Parsers[ext]
	if !ok {
		return nil, &voxelerr.ParserNotFoundError{File: file}
	}
	return p, nil
}

// chunkPlan partitions [0, dataLength) into ascending,
// contiguous, half-open ranges of chunkSize elements each,
// except possibly the last.
func chunkPlan(dataLength, chunkSize uint64) []wire.ChunkDescriptor {
	if dataLength == 0 {
		return nil
	}
	var chunks []wire.ChunkDescriptor
	var idx uint32
	for start := uint64(0); start < dataLength; start += chunkSize {
		end := start + chunkSize
		if end > dataLength {
			end = dataLength
		}
		chunks = append(chunks, wire.ChunkDescriptor{Index: idx, Start: start, End: end})
		idx++
	}
	return chunks
}

// Preprocess validates the request, reads just the field's
// shape, allocates a task, and replies with the chunk plan.
// The full parse and chunk fill happen in a background
// goroutine spawned before Preprocess returns.
func (s *Service) Preprocess(ctx context.Context, file string, chunkSize uint64, sessionID string) (wire.PreprocessResponse, error) {
	if file == "" {
		return wire.PreprocessResponse{}, &voxelerr.ValidationError{Msg: "file must not be empty"}
	}
	if chunkSize < 1 {
		return wire.PreprocessResponse{}, &voxelerr.ValidationError{Msg: "chunk_size must be >= 1"}
	}
	parser, err := s.parserFor(file)
	if err != nil {
		return wire.PreprocessResponse{}, err
	}
	info, err := fs.Stat(s.Root, file)
	if err != nil {
		return wire.PreprocessResponse{}, &voxelerr.UnknownFileError{File: file}
	}

	shapeFile, err := s.Root.Open(file)
	if err != nil {
		return wire.PreprocessResponse{}, &voxelerr.UnknownFileError{File: file}
	}
	shape, err := parser.ShapeOnly(ctx, shapeFile)
	shapeFile.Close()
	if err != nil {
		return wire.PreprocessResponse{}, fmt.Errorf("preprocess: shape read %s: %w", file, err)
	}

	dataLength := field.Shape(shape).Elements()
	chunks := chunkPlan(dataLength, chunkSize)
	taskID := s.Reg.Create(shape, dataLength, chunkSize, len(chunks))

	if len(chunks) > 0 {
		go s.fill(file, parser, taskID, chunks)
	}

	return wire.PreprocessResponse{
		TaskID:     taskID,
		File:       file,
		FileSize:   uint64(info.Size()),
		Shape:      shape,
		DataLength: dataLength,
		ChunkSize:  chunkSize,
		Chunks:     chunks,
	}, nil
}

// fill runs the full parse and, for every chunk descriptor,
// slices, encodes, and delivers the chunk's bytes into the
// registry. Chunk encoding fans out over a bounded worker
// pool; ordering between chunks is not required.
func (s *Service) fill(file string, parser field.Parser, taskID string, chunks []wire.ChunkDescriptor) {
	f, err := s.Root.Open(file)
	if err != nil {
		s.poisonAll(taskID, chunks, err)
		return
	}
	defer f.Close()

	_, doubles, err := parser.Full(context.Background(), f)
	if err != nil {
		s.poisonAll(taskID, chunks, err)
		return
	}

	sem := make(chan struct{}, s.fillWorkers)
	var wg sync.WaitGroup
	for _, c := range chunks {
		wg.Add(1)
		sem <- struct{}{}
		go func(c wire.ChunkDescriptor) {
			defer wg.Done()
			defer func() { <-sem }()
			raw := voxelcodec.EncodeFloat64LE(nil, doubles[c.Start:c.End])
			if err := s.Reg.SetChunk(taskID, c.Index, raw); err != nil {
				s.logf("preprocess: set chunk %d of task %s: %s", c.Index, taskID, err)
			}
		}(c)
	}
	wg.Wait()
}

func (s *Service) poisonAll(taskID string, chunks []wire.ChunkDescriptor, err error) {
	s.logf("preprocess: fill task %s failed: %s", taskID, err)
	for _, c := range chunks {
		s.Reg.Poison(taskID, c.Index, fmt.Errorf("preprocess: %w", err))
	}
}
