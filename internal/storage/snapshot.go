// Package storage keeps JSON snapshots of plans and campaign states on local
// disk, with optional archival to S3. Snapshots are a debugging and audit
// aid; the database remains the operational store.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
)

// SnapshotStore writes timestamped JSON snapshots under the configured local
// path and mirrors them to S3 when archival is enabled.
type SnapshotStore struct {
	cfg config.StorageConfig
	mu  sync.Mutex
	s3  *S3Archiver
}

// NewSnapshotStore creates the local directory tree and, when enabled, the S3
// archiver. S3 setup failure degrades to local-only with a warning instead of
// blocking startup.
func NewSnapshotStore(ctx context.Context, cfg config.StorageConfig) (*SnapshotStore, error) {
	for _, dir := range []string{"plans", "states"} {
		if err := os.MkdirAll(filepath.Join(cfg.LocalPath, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating snapshot dir: %w", err)
		}
	}

	s := &SnapshotStore{cfg: cfg}
	if cfg.S3Enabled {
		archiver, err := NewS3Archiver(ctx, cfg)
		if err != nil {
			log.Printf("[Storage] S3 archival disabled: %v", err)
		} else {
			s.s3 = archiver
		}
	}
	return s, nil
}

// SavePlanSnapshot writes the plan as pretty JSON.
func (s *SnapshotStore) SavePlanSnapshot(ctx context.Context, plan domain.CampaignPlan) error {
	key := fmt.Sprintf("plans/%s.json", plan.ID)
	return s.write(ctx, key, plan)
}

// SaveStateSnapshot writes a dated state snapshot so state history survives
// the upserts in the database.
func (s *SnapshotStore) SaveStateSnapshot(ctx context.Context, state domain.CampaignState) error {
	key := fmt.Sprintf("states/%s-%s.json", state.CampaignID, time.Now().UTC().Format("20060102-150405"))
	return s.write(ctx, key, state)
}

// LoadPlanSnapshot reads a plan snapshot back.
func (s *SnapshotStore) LoadPlanSnapshot(campaignID string) (domain.CampaignPlan, error) {
	var plan domain.CampaignPlan
	data, err := os.ReadFile(filepath.Join(s.cfg.LocalPath, "plans", campaignID+".json"))
	if err != nil {
		return plan, fmt.Errorf("reading plan snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &plan); err != nil {
		return plan, fmt.Errorf("parsing plan snapshot: %w", err)
	}
	return plan, nil
}

func (s *SnapshotStore) write(ctx context.Context, key string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	s.mu.Lock()
	err = os.WriteFile(filepath.Join(s.cfg.LocalPath, filepath.FromSlash(key)), data, 0o644)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	if s.s3 != nil {
		if err := s.s3.Put(ctx, key, data); err != nil {
			// Local copy exists; archive lag is tolerable.
			log.Printf("[Storage] S3 archive of %s failed: %v", key, err)
		}
	}
	return nil
}
