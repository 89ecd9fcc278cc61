// Package shard implements §4.8 "Cross-shard Task": a two-phase
// prepare/commit fan-out used for cluster-wide library load and delete.
// This package only drives the two-phase protocol; discovering cluster
// members and the RPC transport to reach them are the host's job (§1
// "no own RPC transport/cluster discovery").
package shard

import (
	"context"

	"github.com/r3e-network/gears-runtime/pkg/errors"
	"github.com/r3e-network/gears-runtime/pkg/logger"
)

// Fanout is the host-provided collaborator a Coordinator drives.
type Fanout interface {
	// Shards returns the cluster-wide shard identifiers to fan out to.
	Shards(ctx context.Context) ([]string, error)
	// Prepare runs the first phase on shard; a non-nil error aborts the task.
	Prepare(ctx context.Context, shard string, payload []byte) error
	// Commit runs the second phase on shard, after every shard prepared.
	Commit(ctx context.Context, shard string) error
	// Abort undoes Prepare on shard, run on every shard that already
	// prepared when some other shard's Prepare failed.
	Abort(ctx context.Context, shard string) error
}

// Coordinator drives one two-phase task execution across a Fanout's shards.
type Coordinator struct {
	log *logger.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{log: logger.NewDefault("shard-coordinator")}
}

// Run executes payload across every shard Fanout reports. If any shard's
// Prepare fails, every shard that already prepared is aborted and Run
// returns the first prepare error; otherwise every prepared shard is
// committed and Run returns the first commit error, if any.
func (c *Coordinator) Run(ctx context.Context, f Fanout, payload []byte) error {
	shards, err := f.Shards(ctx)
	if err != nil {
		return errors.Wrap(errors.CodeHostIO, "failed to enumerate shards", err)
	}

	prepared := make([]string, 0, len(shards))
	var prepareErr error
	for _, s := range shards {
		if err := f.Prepare(ctx, s, payload); err != nil {
			prepareErr = errors.Wrap(errors.CodeHostIO, "shard prepare failed", err).WithDetail("shard", s)
			break
		}
		prepared = append(prepared, s)
	}

	if prepareErr != nil {
		for _, s := range prepared {
			if abortErr := f.Abort(ctx, s); abortErr != nil {
				c.log.WithField("shard", s).WithError(abortErr).Warn("shard abort failed")
			}
		}
		return prepareErr
	}

	var commitErr error
	for _, s := range prepared {
		if err := f.Commit(ctx, s); err != nil {
			c.log.WithField("shard", s).WithError(err).Error("shard commit failed")
			if commitErr == nil {
				commitErr = errors.Wrap(errors.CodeHostIO, "shard commit failed", err).WithDetail("shard", s)
			}
		}
	}
	return commitErr
}

// LocalFanout is a single-shard Fanout for standalone (non-clustered)
// operation, e.g. a gearsd instance with no cluster peers.
type LocalFanout struct {
	ShardID   string
	PrepareFn func(ctx context.Context, payload []byte) error
	CommitFn  func(ctx context.Context) error
	AbortFn   func(ctx context.Context) error
}

func (l *LocalFanout) Shards(ctx context.Context) ([]string, error) { return []string{l.ShardID}, nil }

func (l *LocalFanout) Prepare(ctx context.Context, shard string, payload []byte) error {
	return l.PrepareFn(ctx, payload)
}

func (l *LocalFanout) Commit(ctx context.Context, shard string) error {
	return l.CommitFn(ctx)
}

func (l *LocalFanout) Abort(ctx context.Context, shard string) error {
	return l.AbortFn(ctx)
}
