package packages

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/config"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/zap"
)

// SetupWorkers starts the background loops: replication, scheduled fixity
// and staging-area cleanup.
func SetupWorkers(ctx context.Context) {
	go ReplicationWorker(ctx)
	go FixityWorker(ctx)
	go StagingCleaner(ctx)
}

// ReplicationWorker drains the replica queue on a ticker, copying a bounded
// number of replicas concurrently.
func ReplicationWorker(ctx context.Context) {
	freq := config.Configuration.ReplicationFreq
	if freq <= 0 {
		freq = 60
	}
	workers := config.Configuration.ReplicationNumWorkers
	if workers <= 0 {
		workers = 2
	}
	ticker := time.NewTicker(time.Duration(freq) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ProcessReplicaQueue(50, workers); err != nil {
				logging.Logger.Error("replica queue scan failed", zap.Error(err))
			}
		}
	}
}

// ProcessReplicaQueue copies up to limit pending replicas, at most workers at
// a time. Individual replica failures are recorded on the replica and do not
// stop the batch.
func ProcessReplicaQueue(limit, workers int) error {
	var queue []*Package
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		queue, err = pendingReplicas(ctx, limit)
		return err
	})
	if err != nil {
		return err
	}
	swg := sizedwaitgroup.New(workers)
	for _, replica := range queue {
		replica := replica
		swg.Add()
		go func() {
			defer swg.Done()
			if err := replicate(replica); err != nil {
				logging.Logger.Error("replication attempt failed",
					zap.String("replica", replica.UUID), zap.Error(err))
			}
		}()
	}
	swg.Wait()
	return nil
}

// FixityWorker re-verifies the oldest-checked stored packages on a ticker.
func FixityWorker(ctx context.Context) {
	freq := config.Configuration.FixityFreq
	if freq <= 0 {
		return
	}
	workers := config.Configuration.FixityNumWorkers
	if workers <= 0 {
		workers = 1
	}
	ticker := time.NewTicker(time.Duration(freq) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var due []*Package
			err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
				tx := datastore.GetStore().GetTransaction(ctx)
				return tx.Where("status IN ?", []string{StatusUploaded, StatusVerified}).
					Where("replicated_package = ''").
					Order("updated_at").Limit(20).Find(&due).Error
			})
			if err != nil {
				logging.Logger.Error("fixity scan failed", zap.Error(err))
				continue
			}
			swg := sizedwaitgroup.New(workers)
			for _, pkg := range due {
				pkg := pkg
				swg.Add()
				go func() {
					defer swg.Done()
					if _, err := CheckFixity(pkg.UUID); err != nil {
						logging.Logger.Error("scheduled fixity check failed",
							zap.String("package", pkg.UUID), zap.Error(err))
					}
				}()
			}
			swg.Wait()
		}
	}
}

// StagingCleaner sweeps abandoned per-package scratch directories out of the
// staging area. Anything untouched for an hour is fair game.
func StagingCleaner(ctx context.Context) {
	freq := config.Configuration.StagingCleanerFreq
	if freq <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(freq) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepStaging(config.Configuration.StagingPath, time.Hour)
		}
	}
}

func sweepStaging(root string, maxAge time.Duration) {
	if root == "" {
		return
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logging.Logger.Warn("cannot sweep staging entry",
				zap.String("path", path), zap.Error(err))
		}
	}
}
