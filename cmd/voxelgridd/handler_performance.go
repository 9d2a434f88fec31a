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
	"encoding/json"
	"net/http"

	"github.com/sneller-labs/voxelgrid/perf"
	"github.com/sneller-labs/voxelgrid/wire"
)

func (s *server) performanceHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getPerformance(w, r)
	case http.MethodPost:
		s.postPerformance(w, r)
	}
}

func (s *server) getPerformance(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "session_id is required"})
		return
	}
	sess, _, err := s.perfStore.Get(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	records := make([]wire.PerfRecord, len(sess.Records))
	for i, rec := range sess.Records {
		records[i] = wire.PerfRecord{
			StartTime:    rec.StartMs,
			EndTime:      rec.EndMs,
			ChannelGroup: rec.ChannelGroup,
			ChannelIndex: rec.ChannelIndex,
			Msg:          rec.Msg,
		}
	}
	writeJSON(w, http.StatusOK, wire.PerfResponse{SessionID: sessionID, Records: records})
}

func (s *server) postPerformance(w http.ResponseWriter, r *http.Request) {
	var req wire.PerfIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "malformed request body: " + err.Error()})
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "session_id is required"})
		return
	}
	records := make([]perf.Record, len(req.Records))
	for i, rec := range req.Records {
		records[i] = perf.Record{
			StartMs:      rec.StartTime,
			EndMs:        rec.EndTime,
			ChannelGroup: rec.ChannelGroup,
			ChannelIndex: rec.ChannelIndex,
			Msg:          rec.Msg,
		}
	}
	if err := s.perfStore.Upsert(req.SessionID, records, nil); err != nil {
		writeError(w, err)
		return
	}
	// perf.StoreClient.Push expects a 200 response.
	w.WriteHeader(http.StatusOK)
}
