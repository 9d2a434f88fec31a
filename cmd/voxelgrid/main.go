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
	"flag"
	"fmt"
	"os"
)

var (
	dashv     bool
	dashh     bool
	serverURL string
	chunkSize uint64
	layoutDB  string
	byteDB    string
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.BoolVar(&dashh, "h", false, "show usage help")
	flag.StringVar(&serverURL, "server", "http://127.0.0.1:8000", "voxelgridd base URL")
	flag.Uint64Var(&chunkSize, "chunk-size", 1<<20, "chunk size in elements")
	flag.StringVar(&layoutDB, "layoutdb", "voxelgrid-layout.db", "path to the local layout cache")
	flag.StringVar(&byteDB, "bytedb", "voxelgrid-bytes.db", "path to the local byte cache")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func logf(f string, args ...interface{}) {
	if dashv {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
	}
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 || dashh {
		fmt.Fprintf(os.Stderr, "usage:\n")
		fmt.Fprintf(os.Stderr, "    %s [-server <url>] [-chunk-size <n>] load <root-dir> <file>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        load a voxel field through a running voxelgridd and print its shape/min/max\n")
		fmt.Fprintf(os.Stderr, "flag usage:\n")
		flag.Usage()
		os.Exit(1)
	}

	switch args[0] {
	case "load":
		if len(args) != 3 {
			exitf("usage: load <root-dir> <file>\n")
		}
		load(args[1], args[2])
	default:
		exitf("commands: load\n")
	}
}
