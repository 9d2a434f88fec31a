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

package perf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sneller-labs/voxelgrid/wire"
)

// StoreClient pulls server-recorded trace records for a
// session and can push locally-recorded ones up to the
// daemon's perf store.
type StoreClient struct {
	BaseURL string
	Client  *http.Client
}

func (c *StoreClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// Fetch retrieves the server-side records for sessionID via
// GET /performance.
func (c *StoreClient) Fetch(ctx context.Context, sessionID string) ([]Record, error) {
	u := c.BaseURL + "/performance?" + url.Values{"session_id": {sessionID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("perf: fetch: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("perf: fetch: unexpected status %s", res.Status)
	}
	var resp wire.PerfResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("perf: decode response: %w", err)
	}
	out := make([]Record, len(resp.Records))
	for i, r := range resp.Records {
		out[i] = Record{
			StartMs:      r.StartTime,
			EndMs:        r.EndTime,
			ChannelGroup: r.ChannelGroup,
			ChannelIndex: r.ChannelIndex,
			Msg:          r.Msg,
		}
	}
	return out, nil
}

// Push uploads locally-recorded records to the daemon's perf
// store via POST /performance.
func (c *StoreClient) Push(ctx context.Context, sessionID string, records []Record) error {
	wireRecords := make([]wire.PerfRecord, len(records))
	for i, r := range records {
		wireRecords[i] = wire.PerfRecord{
			StartTime:    r.StartMs,
			EndTime:      r.EndMs,
			ChannelGroup: r.ChannelGroup,
			ChannelIndex: r.ChannelIndex,
			Msg:          r.Msg,
		}
	}
	body, err := json.Marshal(wire.PerfIngestRequest{SessionID: sessionID, Records: wireRecords})
	if err != nil {
		return err
	}
	u := c.BaseURL + "/performance?" + url.Values{"session_id": {sessionID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("perf: push: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("perf: push: unexpected status %s", res.Status)
	}
	return nil
}

// MergeFromServer fetches server-side records for sessionID
// and merges them into store's local envelope, recomputing
// the session start/end. Errors are intentionally returned
// rather than swallowed here; callers in the tracing path
// are expected to ignore them per the "tracer errors never
// break a load" rule.
func (c *StoreClient) MergeFromServer(ctx context.Context, store *Store, sessionID string) (Session, error) {
	serverRecords, err := c.Fetch(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := store.Upsert(sessionID, serverRecords, nil); err != nil {
		return Session{}, err
	}
	sess, _, err := store.Get(sessionID)
	return sess, err
}
