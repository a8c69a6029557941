/*
Copyright 2026 The Pushstore Authors

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

// Package config holds the tunables recognized by the push/version
// storage engine. It is loaded the way perkeep server configs are
// loaded: a go4.org/jsonconfig.Obj read from a JSON document, with
// RequiredInt/OptionalInt-style accessors that track unknown keys.
package config

import "go4.org/jsonconfig"

const (
	defaultCASThresholdBytes        = 1 << 20 // 1 MiB
	defaultSnapshotInterval         = 10
	defaultDownloadExpirationHours  = 1
	defaultBlobSweepIntervalMinutes = 60
	defaultMaxChangeDetailEntries   = 50
)

// Config is the set of recognized tunables from spec.md §6.
type Config struct {
	// CASThresholdBytes: files larger than this go to the BlobStore;
	// smaller files are inlined into the manifest. Strict >, so a file
	// of exactly this size is inlined.
	CASThresholdBytes int64

	// SnapshotInterval: every Nth completed version (by the project's
	// post-completion count) is stored as a full ZIP snapshot instead
	// of a manifest.
	SnapshotInterval int

	// DownloadExpirationHours: how long a completed DownloadRequest's
	// artifact remains fetchable before the sweep expires it.
	DownloadExpirationHours int

	// BlobSweepIntervalMinutes: cadence of the periodic ref-count GC.
	// The core never schedules this itself; it's informational for
	// whatever TaskQueue/Clock-driven scheduler the caller runs.
	BlobSweepIntervalMinutes int

	// MaxChangeDetailEntries: cap on each bucket (added/modified/deleted)
	// of a Version's change_details.
	MaxChangeDetailEntries int
}

// Default returns a Config with every tunable at its spec-mandated
// default.
func Default() Config {
	return Config{
		CASThresholdBytes:        defaultCASThresholdBytes,
		SnapshotInterval:         defaultSnapshotInterval,
		DownloadExpirationHours:  defaultDownloadExpirationHours,
		BlobSweepIntervalMinutes: defaultBlobSweepIntervalMinutes,
		MaxChangeDetailEntries:   defaultMaxChangeDetailEntries,
	}
}

// FromJSONConfig reads a Config out of a jsonconfig.Obj, applying
// defaults for any key that's absent. It calls obj.Validate() so an
// unrecognized key surfaces as an error, the same contract
// jsonconfig.Obj callers rely on elsewhere.
func FromJSONConfig(obj jsonconfig.Obj) (Config, error) {
	c := Config{
		CASThresholdBytes:        int64(obj.OptionalInt("cas_threshold_bytes", defaultCASThresholdBytes)),
		SnapshotInterval:         obj.OptionalInt("snapshot_interval", defaultSnapshotInterval),
		DownloadExpirationHours:  obj.OptionalInt("download_expiration_hours", defaultDownloadExpirationHours),
		BlobSweepIntervalMinutes: obj.OptionalInt("blob_sweep_interval_minutes", defaultBlobSweepIntervalMinutes),
		MaxChangeDetailEntries:   obj.OptionalInt("max_change_detail_entries", defaultMaxChangeDetailEntries),
	}
	if err := obj.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
