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

// Command pushengined is a composition root for the push/version
// storage engine: it wires storage, the push and download engines, and
// a TaskQueue worker together, then runs the periodic sweeps. It has
// no transport of its own (no HTTP, no RPC); a caller embeds App and
// drives its exported methods directly, the way an in-process
// integration would. Grounded loosely on the shape of perkeep's
// server/perkeepd main: load config, build storage, build the
// higher-level engines over it, start the worker pool.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"go4.org/jsonconfig"

	"pushstore.dev/pkg/access"
	"pushstore.dev/pkg/cas"
	"pushstore.dev/pkg/clock"
	"pushstore.dev/pkg/config"
	"pushstore.dev/pkg/download"
	"pushstore.dev/pkg/filestore"
	"pushstore.dev/pkg/push"
	"pushstore.dev/pkg/restore"
	"pushstore.dev/pkg/taskqueue"
	"pushstore.dev/pkg/version"
)

// App holds every constructed dependency of a running pushengined
// process. Nothing here is a package-level singleton; a test or an
// embedding binary can build more than one App in the same process.
type App struct {
	Config   config.Config
	Clock    clock.Clock
	Files    filestore.FileStore
	Blobs    *cas.BlobStore
	Versions version.VersionRepository
	Pushes   version.PushRepository
	Projects push.ProjectStore
	Access   access.AccessPolicy
	Queue    *taskqueue.WorkerPool
	Push     *push.Engine
	Restorer *restore.Restorer
	Download *download.Engine

	db *sql.DB
}

// openConfig loads a pushengined.json-shaped jsonconfig.Obj from path,
// the same low-ceremony format perkeepd reads its server config from.
func openConfig(path string) (jsonconfig.Obj, error) {
	return jsonconfig.ReadFile(path)
}

// masterRootUnder returns a push.MasterRoot that reconciles each
// project's working tree under baseDir/<project-uid>, creating the
// directory on first use.
func masterRootUnder(baseDir string) push.MasterRoot {
	return func(projectID string) string {
		dir := filepath.Join(baseDir, projectID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Printf("pushengined: mkdir master root %s: %v", dir, err)
		}
		return dir
	}
}

// NewApp constructs every engine from obj. A nil *sql.DB (obj carries
// no "postgres_dsn") falls back to in-memory storage, which is enough
// to run pushengined standalone without a database.
func NewApp(obj jsonconfig.Obj) (*App, error) {
	// Read every key this function itself consumes before handing obj
	// to config.FromJSONConfig: its Validate call rejects any key
	// still unread at that point, so config's own keys must be the
	// last ones touched.
	dsn := obj.OptionalString("postgres_dsn", "")
	masterRootDir := obj.OptionalString("master_root_dir", filepath.Join(os.TempDir(), "pushstore-master"))
	workers := obj.OptionalInt("workers", 4)
	taskTimeout := time.Duration(obj.OptionalInt("task_timeout_seconds", 300)) * time.Second
	var storageDir string
	if dsn != "" {
		storageDir = obj.OptionalString("storage_dir", filepath.Join(os.TempDir(), "pushstore-storage"))
	}

	cfg, err := config.FromJSONConfig(obj)
	if err != nil {
		return nil, err
	}

	clk := clock.System{}
	logger := log.Default()

	var (
		db    *sql.DB
		files filestore.FileStore
		index cas.Index
		vrepo interface {
			version.VersionRepository
			version.PushRepository
		}
	)
	if dsn != "" {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		index = cas.NewPGIndex(db)
		vrepo = version.NewPGRepository(db)
		if err := os.MkdirAll(storageDir, 0o755); err != nil {
			return nil, err
		}
		disk, err := filestore.NewLocalDisk(storageDir)
		if err != nil {
			return nil, err
		}
		files = disk
	} else {
		index = cas.NewMemIndex()
		vrepo = version.NewMemRepository(clk)
		files = filestore.NewMemory()
	}

	blobs := cas.New(files, index, logger)
	queue := taskqueue.New(workers, taskTimeout, logger)
	projects := newStaticProjects()
	policy := openAccessPolicy{}

	pushEngine := push.New(
		vrepo, vrepo, blobs, projects, policy, queue,
		localFileContentSource{}, files, clk, cfg,
		masterRootUnder(masterRootDir), logger,
	)
	restorer := restore.New(files, blobs)
	downloadRepo := download.NewMemRepository(clk)
	downloadEngine := download.New(
		downloadRepo, vrepo, projects, policy, queue,
		files, restorer, clk, cfg, logger,
	)

	queue.Handle(push.TaskRunPush, func(ctx context.Context, payload any) error {
		return pushEngine.RunPush(ctx, payload.(string))
	})
	queue.Handle(download.TaskBuildDownload, func(ctx context.Context, payload any) error {
		return downloadEngine.Build(ctx, payload.(string))
	})

	return &App{
		Config:   cfg,
		Clock:    clk,
		Files:    files,
		Blobs:    blobs,
		Versions: vrepo,
		Pushes:   vrepo,
		Projects: projects,
		Access:   policy,
		Queue:    queue,
		Push:     pushEngine,
		Restorer: restorer,
		Download: downloadEngine,
		db:       db,
	}, nil
}

// Close stops the worker pool and releases the database handle, if any.
func (a *App) Close() {
	a.Queue.Close()
	if a.db != nil {
		a.db.Close()
	}
}

// RunSweeps runs the blob ref-count GC and the download-expiry sweep
// once each. main calls it on a ticker of config.BlobSweepIntervalMinutes;
// the engines themselves never schedule their own background work.
func (a *App) RunSweeps(ctx context.Context) {
	if n, err := a.Blobs.Sweep(ctx); err != nil {
		log.Printf("pushengined: blob sweep: %v", err)
	} else if n > 0 {
		log.Printf("pushengined: blob sweep reclaimed %d blob(s)", n)
	}
	if n, err := a.Download.Sweep(ctx); err != nil {
		log.Printf("pushengined: download sweep: %v", err)
	} else if n > 0 {
		log.Printf("pushengined: download sweep expired %d download(s)", n)
	}
}

func main() {
	configPath := flag.String("config", "", "path to a pushengined JSON config file")
	flag.Parse()

	var obj jsonconfig.Obj
	if *configPath != "" {
		var err error
		obj, err = openConfig(*configPath)
		if err != nil {
			log.Fatalf("pushengined: %v", err)
		}
	} else {
		obj = jsonconfig.Obj{}
	}

	app, err := NewApp(obj)
	if err != nil {
		log.Fatalf("pushengined: %v", err)
	}
	defer app.Close()

	log.Printf("pushengined: running with cas_threshold_bytes=%d snapshot_interval=%d",
		app.Config.CASThresholdBytes, app.Config.SnapshotInterval)

	sweepInterval := time.Duration(app.Config.BlobSweepIntervalMinutes) * time.Minute
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for range ticker.C {
		app.RunSweeps(ctx)
	}
}
