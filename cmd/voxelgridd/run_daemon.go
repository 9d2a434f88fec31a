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

package main

import (
	"context"
	"flag"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sneller-labs/voxelgrid/aws"
	"github.com/sneller-labs/voxelgrid/aws/s3"
	"github.com/sneller-labs/voxelgrid/field"
	"github.com/sneller-labs/voxelgrid/perf"
	"github.com/sneller-labs/voxelgrid/preprocess"
	"github.com/sneller-labs/voxelgrid/registry"
)

func runDaemon(args []string) {
	daemonCmd := flag.NewFlagSet("daemon", flag.ExitOnError)
	endpoint := daemonCmd.String("e", "127.0.0.1:8000", "endpoint to listen on")
	root := daemonCmd.String("root", ".", "file root: a local directory path, or s3://bucket for an S3-backed root")
	perfPath := daemonCmd.String("perfdb", "voxelgrid-perf.db", "path to the performance trace database")
	ttl := daemonCmd.Duration("ttl", registry.DefaultTTL, "task time-to-live")
	fillWorkers := daemonCmd.Int("fill-workers", preprocess.DefaultFillWorkers, "chunk encoding workers per preprocess job")

	if daemonCmd.Parse(args) != nil {
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", log.Lshortfile)

	fileRoot, err := openRoot(*root)
	if err != nil {
		logger.Fatalf("opening file root %q: %s", *root, err)
	}

	perfStore, err := perf.OpenStore(*perfPath)
	if err != nil {
		logger.Fatalf("opening perf store %q: %s", *perfPath, err)
	}

	reg := registry.New(registry.WithLogger(logger), registry.WithTTL(*ttl))
	svc := preprocess.New(fileRoot, field.DefaultParsers, reg,
		preprocess.WithLogger(logger), preprocess.WithFillWorkers(*fillWorkers))

	srv := &server{
		logger:       logger,
		registry:     reg,
		preprocessor: svc,
		perfStore:    perfStore,
	}

	l, err := net.Listen("tcp", *endpoint)
	if err != nil {
		logger.Fatal(err)
	}

	go func() {
		logger.Printf("voxelgridd %s listening on %v (root=%s)\n", version, l.Addr(), *root)
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("shutdown: %s", err)
	}
}

// openRoot resolves root as either a local directory or,
// given an "s3://bucket" prefix, a read-only S3 bucket
// filesystem signed with the ambient AWS credentials.
func openRoot(root string) (fs.FS, error) {
	bucket, ok := strings.CutPrefix(root, "s3://")
	if !ok {
		return os.DirFS(root), nil
	}
	key, err := aws.AmbientKey("s3", s3.DeriveForBucket(bucket))
	if err != nil {
		return nil, err
	}
	return &s3.BucketFS{Key: key, Bucket: bucket, Client: &s3.DefaultClient}, nil
}
