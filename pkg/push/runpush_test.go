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

package push

import (
	"bytes"
	"context"
	"testing"

	"pushstore.dev/pkg/access"
	"pushstore.dev/pkg/blob"
	"pushstore.dev/pkg/config"
	"pushstore.dev/pkg/manifest"
	"pushstore.dev/pkg/version"
)

func hashOf(data []byte) string {
	return blob.FromBytes(data).String()
}

func TestRunPushHappyPathCompletesVersion(t *testing.T) {
	ctx := context.Background()
	proj := access.Project{UID: "proj1", OwnerID: "owner"}
	projects := newFakeProjects(proj)
	content := fakeContent{"h1": []byte("hello world")}
	cfg := config.Default()
	e := newTestEngine(t, projects, &fakeQueue{}, content, cfg)

	fileList := []version.FileListEntry{
		{RelativePath: "readme.txt", Hash: hashOf(content["h1"]), Size: int64(len(content["h1"])), ContentHandle: "h1"},
	}
	pushUID, versionUID, _, err := e.Submit(ctx, "proj1", access.User{UID: "owner"}, "initial", fileList)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := e.RunPush(ctx, pushUID); err != nil {
		t.Fatalf("RunPush: %v", err)
	}

	p, err := e.GetPush(ctx, pushUID)
	if err != nil {
		t.Fatalf("GetPush: %v", err)
	}
	if p.Status != version.PushDone {
		t.Fatalf("push status = %s, want done", p.Status)
	}

	v, ok, err := e.Versions.Get(ctx, versionUID)
	if err != nil || !ok {
		t.Fatalf("Get version: ok=%v err=%v", ok, err)
	}
	if v.Status != version.StatusCompleted {
		t.Fatalf("version status = %s, want completed", v.Status)
	}
	if v.VersionNumber != 1 {
		t.Fatalf("version number = %d, want 1", v.VersionNumber)
	}
	if v.IsSnapshot {
		t.Fatal("expected a manifest version, not a snapshot, with default SnapshotInterval")
	}

	entries, err := e.loadManifestEntries(ctx, v)
	if err != nil {
		t.Fatalf("loadManifestEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "readme.txt" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Storage != manifest.StorageInline {
		t.Fatalf("storage = %s, want inline", entries[0].Storage)
	}
}

func TestRunPushAboveCASThresholdStoresBlob(t *testing.T) {
	ctx := context.Background()
	proj := access.Project{UID: "proj1", OwnerID: "owner"}
	projects := newFakeProjects(proj)
	large := bytes.Repeat([]byte("x"), 100)
	content := fakeContent{"h1": large}
	cfg := config.Default()
	cfg.CASThresholdBytes = 10
	e := newTestEngine(t, projects, &fakeQueue{}, content, cfg)

	fileList := []version.FileListEntry{
		{RelativePath: "big.bin", Hash: hashOf(large), Size: int64(len(large)), ContentHandle: "h1"},
	}
	pushUID, versionUID, _, err := e.Submit(ctx, "proj1", access.User{UID: "owner"}, "big file", fileList)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.RunPush(ctx, pushUID); err != nil {
		t.Fatalf("RunPush: %v", err)
	}

	v, _, _ := e.Versions.Get(ctx, versionUID)
	entries, err := e.loadManifestEntries(ctx, v)
	if err != nil {
		t.Fatalf("loadManifestEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Storage != manifest.StorageCAS {
		t.Fatalf("entries = %+v, want one cas entry", entries)
	}
	if entries[0].BlobID == 0 {
		t.Fatal("expected a non-zero blob id")
	}
	if _, ok, err := e.Blobs.Lookup(ctx, blob.FromBytes(large)); err != nil || !ok {
		t.Fatalf("expected blob stored in cas: ok=%v err=%v", ok, err)
	}
}

func TestRunPushDuplicateMapsToExistingVersion(t *testing.T) {
	ctx := context.Background()
	proj := access.Project{UID: "proj1", OwnerID: "owner"}
	projects := newFakeProjects(proj)
	content := fakeContent{"h1": []byte("same content")}
	cfg := config.Default()
	e := newTestEngine(t, projects, &fakeQueue{}, content, cfg)

	fileList := []version.FileListEntry{
		{RelativePath: "a.txt", Hash: hashOf(content["h1"]), Size: int64(len(content["h1"])), ContentHandle: "h1"},
	}

	firstPush, firstVersion, _, err := e.Submit(ctx, "proj1", access.User{UID: "owner"}, "v1", fileList)
	if err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	if err := e.RunPush(ctx, firstPush); err != nil {
		t.Fatalf("RunPush 1: %v", err)
	}

	secondPush, secondVersion, _, err := e.Submit(ctx, "proj1", access.User{UID: "owner"}, "v1 again", fileList)
	if err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if err := e.RunPush(ctx, secondPush); err != nil {
		t.Fatalf("RunPush 2: %v", err)
	}

	p, err := e.GetPush(ctx, secondPush)
	if err != nil {
		t.Fatalf("GetPush: %v", err)
	}
	if p.Status != version.PushDone {
		t.Fatalf("second push status = %s, want done", p.Status)
	}
	if p.VersionUID != firstVersion {
		t.Fatalf("second push version = %s, want repointed to first version %s", p.VersionUID, firstVersion)
	}
	if _, ok, _ := e.Versions.Get(ctx, secondVersion); ok {
		t.Fatal("expected second placeholder version to be deleted on dedupe")
	}

	completed, err := e.Versions.CountCompleted(ctx, "proj1")
	if err != nil {
		t.Fatalf("CountCompleted: %v", err)
	}
	if completed != 1 {
		t.Fatalf("completed count = %d, want 1 (no new version for a duplicate)", completed)
	}
}

func TestRunPushSnapshotIntervalWritesZip(t *testing.T) {
	ctx := context.Background()
	proj := access.Project{UID: "proj1", OwnerID: "owner"}
	projects := newFakeProjects(proj)
	content := fakeContent{"h1": []byte("snapshot me")}
	cfg := config.Default()
	cfg.SnapshotInterval = 1 // every version is a snapshot
	e := newTestEngine(t, projects, &fakeQueue{}, content, cfg)

	fileList := []version.FileListEntry{
		{RelativePath: "a.txt", Hash: hashOf(content["h1"]), Size: int64(len(content["h1"])), ContentHandle: "h1"},
	}
	pushUID, versionUID, _, err := e.Submit(ctx, "proj1", access.User{UID: "owner"}, "v1", fileList)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.RunPush(ctx, pushUID); err != nil {
		t.Fatalf("RunPush: %v", err)
	}

	v, ok, err := e.Versions.Get(ctx, versionUID)
	if err != nil || !ok {
		t.Fatalf("Get version: ok=%v err=%v", ok, err)
	}
	if !v.IsSnapshot {
		t.Fatal("expected a snapshot version")
	}
	if v.SnapshotRef == "" {
		t.Fatal("expected a snapshot ref")
	}
	if ok, err := e.Files.Exists(ctx, v.SnapshotRef); err != nil || !ok {
		t.Fatalf("snapshot file missing: ok=%v err=%v", ok, err)
	}
}

func TestRunPushIgnoresAwaitingApproval(t *testing.T) {
	ctx := context.Background()
	proj := access.Project{UID: "proj1", OwnerID: "owner", RequiresApproval: true}
	projects := newFakeProjects(proj)
	e := newTestEngine(t, projects, &fakeQueue{}, fakeContent{}, config.Default())

	pushUID, _, status, err := e.Submit(ctx, "proj1", access.User{UID: "contributor"}, "msg", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if status != version.PushAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", status)
	}

	if err := e.RunPush(ctx, pushUID); err != nil {
		t.Fatalf("RunPush on unapproved push should no-op, got: %v", err)
	}
	p, err := e.GetPush(ctx, pushUID)
	if err != nil {
		t.Fatalf("GetPush: %v", err)
	}
	if p.Status != version.PushAwaitingApproval {
		t.Fatalf("status changed to %s, want still awaiting_approval", p.Status)
	}
}

func TestRunPushHashMismatchFailsPush(t *testing.T) {
	ctx := context.Background()
	proj := access.Project{UID: "proj1", OwnerID: "owner"}
	projects := newFakeProjects(proj)
	content := fakeContent{"h1": []byte("actual content")}
	cfg := config.Default()
	e := newTestEngine(t, projects, &fakeQueue{}, content, cfg)

	fileList := []version.FileListEntry{
		{RelativePath: "a.txt", Hash: hashOf([]byte("a different content")), Size: int64(len(content["h1"])), ContentHandle: "h1"},
	}
	pushUID, versionUID, _, err := e.Submit(ctx, "proj1", access.User{UID: "owner"}, "msg", fileList)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := e.RunPush(ctx, pushUID); err == nil {
		t.Fatal("RunPush with a mismatched declared hash should fail")
	}

	p, err := e.GetPush(ctx, pushUID)
	if err != nil {
		t.Fatalf("GetPush: %v", err)
	}
	if p.Status != version.PushFailed {
		t.Fatalf("push status = %s, want failed", p.Status)
	}

	v, ok, err := e.Versions.Get(ctx, versionUID)
	if err != nil || !ok {
		t.Fatalf("Get version: ok=%v err=%v", ok, err)
	}
	if v.Status != version.StatusFailed {
		t.Fatalf("version status = %s, want failed", v.Status)
	}
}

func TestRunPushHashMismatchAboveCASThresholdFailsPushWithoutStoring(t *testing.T) {
	ctx := context.Background()
	proj := access.Project{UID: "proj1", OwnerID: "owner"}
	projects := newFakeProjects(proj)
	large := bytes.Repeat([]byte("x"), 100)
	content := fakeContent{"h1": large}
	cfg := config.Default()
	cfg.CASThresholdBytes = 10
	e := newTestEngine(t, projects, &fakeQueue{}, content, cfg)

	fileList := []version.FileListEntry{
		{RelativePath: "big.bin", Hash: hashOf(bytes.Repeat([]byte("y"), 100)), Size: int64(len(large)), ContentHandle: "h1"},
	}
	pushUID, _, _, err := e.Submit(ctx, "proj1", access.User{UID: "owner"}, "big file", fileList)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.RunPush(ctx, pushUID); err == nil {
		t.Fatal("RunPush with a mismatched declared hash should fail")
	}

	if _, ok, err := e.Blobs.Lookup(ctx, blob.FromBytes(large)); err != nil || ok {
		t.Fatalf("blob should never have been stored under the actual content's hash: ok=%v err=%v", ok, err)
	}
}

func TestRunPushAlreadyCancelledIsNoop(t *testing.T) {
	ctx := context.Background()
	proj := access.Project{UID: "proj1", OwnerID: "owner"}
	projects := newFakeProjects(proj)
	e := newTestEngine(t, projects, &fakeQueue{}, fakeContent{}, config.Default())

	pushUID, versionUID, _, err := e.Submit(ctx, "proj1", access.User{UID: "owner"}, "msg", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Cancel(ctx, pushUID, access.User{UID: "owner"}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := e.RunPush(ctx, pushUID); err != nil {
		t.Fatalf("RunPush after cancel should no-op, got: %v", err)
	}
	if _, ok, _ := e.Versions.Get(ctx, versionUID); ok {
		t.Fatal("placeholder version should stay deleted")
	}
}
