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

package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

const (
	metadataDirName  = "_metadata"
	metadataFileName = "schema.json"
	// metadataFormatVersion is bumped whenever the layout of Metadata changes.
	metadataFormatVersion = 1
)

// Metadata is the operator metadata persisted next to the state.
type Metadata struct {
	FormatVersion  int                  `json:"formatVersion"`
	OperatorID     string               `json:"operatorId"`
	ColumnFamilies []ColumnFamilySchema `json:"columnFamilies"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// MetadataStore reads and writes the schema metadata of one operator.
type MetadataStore struct {
	operatorID string
	path       string
}

// NewMetadataStore returns the metadata store of operatorID under checkpointDir.
func NewMetadataStore(checkpointDir, operatorID string) *MetadataStore {
	return &MetadataStore{
		operatorID: operatorID,
		path:       filepath.Join(checkpointDir, operatorID, metadataDirName, metadataFileName),
	}
}

// Path returns the location of the metadata file.
func (m *MetadataStore) Path() string {
	return m.path
}

// Load returns the persisted column families, ok is false if nothing was persisted yet.
func (m *MetadataStore) Load() (cfs []ColumnFamilySchema, ok bool, err error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read schema metadata %s, %w", m.path, err)
	}
	var md Metadata
	if err = json.Unmarshal(data, &md); err != nil {
		return nil, false, fmt.Errorf("failed to decode schema metadata %s, %w", m.path, err)
	}
	if md.FormatVersion != metadataFormatVersion {
		return nil, false, fmt.Errorf("unsupported schema metadata format version %d", md.FormatVersion)
	}
	if md.OperatorID != m.operatorID {
		return nil, false, fmt.Errorf("schema metadata belongs to operator %q, expected %q", md.OperatorID, m.operatorID)
	}
	return md.ColumnFamilies, true, nil
}

// Save persists cfs, replacing the previous metadata atomically.
func (m *MetadataStore) Save(cfs []ColumnFamilySchema) error {
	md := Metadata{
		FormatVersion:  metadataFormatVersion,
		OperatorID:     m.operatorID,
		ColumnFamilies: cfs,
		UpdatedAt:      time.Now().UTC(),
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode schema metadata, %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create schema metadata dir, %w", err)
	}
	tmp := m.path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write schema metadata, %w", err)
	}
	if err = os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to commit schema metadata, %w", err)
	}
	return nil
}
