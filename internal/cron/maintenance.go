package cron

import (
	"context"
	"fmt"

	"github.com/stellarlinkco/cardsync/internal/config"
)

const (
	TaskTombstoneFlush  = "tombstone-flush"
	TaskStoreCheckpoint = "store-checkpoint"
)

// Flusher re-persists state whose last write failed.
type Flusher interface {
	Dirty() bool
	Flush() error
}

type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// RegisterMaintenance wires the maintenance handlers and makes sure their
// jobs exist. Schedules are cron expressions or plain intervals ("90s"). A
// nil checkpointer (memory storage) skips the checkpoint job.
func RegisterMaintenance(s *Service, cfg config.MaintenanceConfig, tombstones Flusher, cp Checkpointer) error {
	if tombstones != nil {
		s.Handle(TaskTombstoneFlush, func(ctx context.Context) (string, error) {
			if !tombstones.Dirty() {
				return "clean", nil
			}
			if err := tombstones.Flush(); err != nil {
				return "", fmt.Errorf("flush tombstones: %w", err)
			}
			return "flushed", nil
		})
		sched, err := ParseSchedule(cfg.FlushSchedule)
		if err != nil {
			return fmt.Errorf("%s: %w", TaskTombstoneFlush, err)
		}
		if _, err := s.EnsureJob(TaskTombstoneFlush, sched, TaskTombstoneFlush); err != nil {
			return err
		}
	}
	if cp != nil {
		s.Handle(TaskStoreCheckpoint, func(ctx context.Context) (string, error) {
			if err := cp.Checkpoint(ctx); err != nil {
				return "", fmt.Errorf("checkpoint store: %w", err)
			}
			return "checkpointed", nil
		})
		sched, err := ParseSchedule(cfg.CheckpointSchedule)
		if err != nil {
			return fmt.Errorf("%s: %w", TaskStoreCheckpoint, err)
		}
		if _, err := s.EnsureJob(TaskStoreCheckpoint, sched, TaskStoreCheckpoint); err != nil {
			return err
		}
	}
	return nil
}
