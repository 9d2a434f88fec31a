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
	"fmt"
	"os"

	"github.com/sneller-labs/voxelgrid/bytecache"
	"github.com/sneller-labs/voxelgrid/datasource"
	"github.com/sneller-labs/voxelgrid/layoutcache"
	"github.com/sneller-labs/voxelgrid/perf"
)

// load drives a single DataSource.LoadData call against a
// running voxelgridd and reports the resulting shape/min/max,
// useful for smoke-testing a deployment without a browser.
func load(root, file string) {
	fileRoot := os.DirFS(root)

	lc, err := layoutcache.Open(layoutDB)
	if err != nil {
		exitf("opening layout cache: %s\n", err)
	}
	defer lc.Close()

	bc, err := bytecache.Open(byteDB)
	if err != nil {
		exitf("opening byte cache: %s\n", err)
	}
	defer bc.Close()

	ds := datasource.New(serverURL, fileRoot, lc, bc)

	sessionID := perf.NewSessionID()
	store, err := perf.OpenStore(byteDB + ".perf")
	if err != nil {
		exitf("opening local perf store: %s\n", err)
	}
	defer store.Close()
	tracker := perf.NewTracker(sessionID, store)

	res, err := ds.LoadData(context.Background(), file, chunkSize, tracker)
	if err != nil {
		exitf("load %s: %s\n", file, err)
	}
	if _, err := tracker.Complete(); err != nil {
		logf("tracer: %s", err)
	}
	logf("session %s", sessionID)

	fmt.Printf("shape %v (data length %d)\n", res.Shape, res.DataLength)
	fmt.Printf("fetched in %dms (all-from-cache=%v)\n", res.FetchMs, res.AllFromCache)
	if res.HasData {
		fmt.Printf("min %v max %v\n", res.Min, res.Max)
	} else {
		fmt.Println("field is empty")
	}
}
