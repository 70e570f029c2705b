/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

const progressFileName = "progress.json"

// progress is where a replay over a durable state directory stopped.
type progress struct {
	// NextBatchID is the sequence number of the next batch of the query.
	NextBatchID          int64  `json:"nextBatchId"`
	LastBatchTimestampMs int64  `json:"lastBatchTimestampMs"`
	WatermarkMs          *int64 `json:"watermarkMs,omitempty"`
}

// progressStore keeps the progress of one operator next to its schema metadata.
type progressStore struct {
	path string
}

func newProgressStore(stateDir, operatorID string) *progressStore {
	return &progressStore{path: filepath.Join(stateDir, operatorID, "_metadata", progressFileName)}
}

// load returns the zero progress when nothing was saved yet.
func (s *progressStore) load() (progress, error) {
	var p progress
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("failed to read progress %s, %w", s.path, err)
	}
	if err = json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to decode progress %s, %w", s.path, err)
	}
	return p, nil
}

func (s *progressStore) save(p progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress, %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create progress dir, %w", err)
	}
	tmp := s.path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write progress, %w", err)
	}
	if err = os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to commit progress, %w", err)
	}
	return nil
}
