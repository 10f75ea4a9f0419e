// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"encoding/json"
	"fmt"
)

// Encode renders an Event as a single line of JSON with no trailing
// newline; callers append "\n" when writing to events.ndjson.
func Encode(e Event) ([]byte, error) {
	if e.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("refusing to encode event with schemaVersion %d, want %d", e.SchemaVersion, SchemaVersion)
	}
	return json.Marshal(e)
}

// Decode parses one line of events.ndjson into an Event, rejecting any
// schemaVersion other than the current one.
func Decode(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.SchemaVersion != SchemaVersion {
		return Event{}, fmt.Errorf("unsupported schemaVersion %d, want %d", e.SchemaVersion, SchemaVersion)
	}
	return e, nil
}

// DecodePayload unmarshals e.Payload into dst, which must be a pointer to
// the payload struct matching e.Type.
func DecodePayload(e Event, dst interface{}) error {
	return json.Unmarshal(e.Payload, dst)
}
