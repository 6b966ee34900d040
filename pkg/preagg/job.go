// Copyright 2021 - 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package preagg

import (
	"context"
	"runtime"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
	"github.com/matrixorigin/preagg/pkg/common/mpool"
	"github.com/matrixorigin/preagg/pkg/config"
	"github.com/matrixorigin/preagg/pkg/container/batch"
	"github.com/matrixorigin/preagg/pkg/container/types"
	"github.com/matrixorigin/preagg/pkg/logutil"
)

// ParseStrategy maps a configuration string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "hash":
		return StrategyHash, nil
	case "sort":
		return StrategySort, nil
	}
	return 0, moerr.NewBadConfig("unknown strategy %q", s)
}

// ParseHashKind maps a configuration string onto a HashKind.
func ParseHashKind(s string) (HashKind, error) {
	switch s {
	case "", "crc32c":
		return HashCRC32C, nil
	case "murmur3":
		return HashMurmur3, nil
	}
	return 0, moerr.NewBadConfig("unknown hash kind %q", s)
}

// Job runs one pre-aggregation over a source batch.  Construction
// allocates the working and destination batches and the shared control
// block; Run drives the kernel stages.  The stages are also exported
// one by one so a host can re-sequence them.
type Job struct {
	mp  *mpool.MPool
	fns *Functions
	ctl *Control

	src   *batch.Batch
	inMap *RowMap
	work  *batch.Batch
	dst   *batch.Batch

	typs  []types.Type
	roles []FieldRole
	keys  []int
	aggs  []AggDesc

	strategy  Strategy
	hashKind  HashKind
	groupSize int
	hashSize  uint32
	rooms     int64
	sample    int64
	params    *Params

	pool    *ants.Pool
	ownPool bool

	fnPatches []func(*Functions)
}

// Option tweaks a job before its buffers are allocated.
type Option func(*Job)

// WithStrategy overrides the configured reduction strategy.
func WithStrategy(s Strategy) Option {
	return func(j *Job) { j.strategy = s }
}

// WithHashKind overrides the configured row hash function.
func WithHashKind(k HashKind) Option {
	return func(j *Job) { j.hashKind = k }
}

// WithGroupSize overrides the worker group size.  Must be a power of
// two.
func WithGroupSize(n int) Option {
	return func(j *Job) { j.groupSize = n }
}

// WithHashSize fixes the global hash table size instead of estimating
// it from the input.
func WithHashSize(n uint32) Option {
	return func(j *Job) { j.hashSize = n }
}

// WithRooms caps the destination batch and the row map.  The default is
// the source row count, which can never run out of space.
func WithRooms(n int64) Option {
	return func(j *Job) { j.rooms = n }
}

// WithPool runs the job on a shared ants pool instead of a private one.
// The caller keeps ownership.
func WithPool(p *ants.Pool) Option {
	return func(j *Job) { j.pool = p }
}

// WithParams attaches the packed query parameter buffer consumed by the
// qualifier.
func WithParams(p *Params) Option {
	return func(j *Job) { j.params = p }
}

// WithRowMap restricts the job to the rows named by an input row map
// instead of the whole source batch.
func WithRowMap(m *RowMap) Option {
	return func(j *Job) { j.inMap = m }
}

// WithFunctions patches the derived function set, so callers can swap
// any subset of the kernel callbacks.  Patches apply in order after
// BuildFunctions.
func WithFunctions(patch func(*Functions)) Option {
	return func(j *Job) { j.fnPatches = append(j.fnPatches, patch) }
}

// NewJob builds a job over src grouping by the key columns and folding
// the aggregate columns.  conf supplies the engine defaults; nil means
// config.DefaultEngine.  Columns not named by keys or aggs pass through
// the owner row untouched.
func NewJob(mp *mpool.MPool, conf *config.EngineConfig, src *batch.Batch, keys []int, aggs []AggDesc, opts ...Option) (*Job, error) {
	if mp == nil {
		return nil, moerr.NewInvalidInput("job has no mpool")
	}
	if src == nil || src.VectorCount() == 0 {
		return nil, moerr.NewInvalidInput("job has no source batch")
	}
	ec := config.DefaultEngine()
	if conf != nil {
		ec = *conf
	}
	strategy, err := ParseStrategy(ec.Strategy)
	if err != nil {
		return nil, err
	}
	hashKind, err := ParseHashKind(ec.HashKind)
	if err != nil {
		return nil, err
	}
	j := &Job{
		mp:       mp,
		src:      src,
		keys:     append([]int(nil), keys...),
		aggs:     append([]AggDesc(nil), aggs...),
		strategy: strategy,
		hashKind: hashKind,

		groupSize: int(ec.GroupSize),
		hashSize:  uint32(ec.HashSize),
		rooms:     src.Rows(),
		sample:    ec.EstimatorSample,
	}
	for _, o := range opts {
		o(j)
	}

	if j.groupSize < 1 || j.groupSize&(j.groupSize-1) != 0 {
		return nil, moerr.NewBadConfig("group size %d is not a power of two", j.groupSize)
	}
	if j.rooms < 1 {
		return nil, moerr.NewBadConfig("destination rooms %d", j.rooms)
	}

	ncols := src.VectorCount()
	j.roles = make([]FieldRole, ncols)
	for _, k := range j.keys {
		if k < 0 || k >= ncols {
			return nil, moerr.NewInvalidInput("group key column %d out of range", k)
		}
		if j.roles[k] != FieldUnused {
			return nil, moerr.NewInvalidInput("group key column %d named twice", k)
		}
		j.roles[k] = FieldGroupKey
	}
	for _, a := range j.aggs {
		if a.Col < 0 || a.Col >= ncols {
			return nil, moerr.NewInvalidInput("aggregate column %d out of range", a.Col)
		}
		if j.roles[a.Col] != FieldUnused {
			return nil, moerr.NewInvalidInput("column %d is both key and aggregate", a.Col)
		}
		j.roles[a.Col] = FieldAggFunc
	}
	j.typs = make([]types.Type, ncols)
	for c := 0; c < ncols; c++ {
		j.typs[c] = *src.GetVector(int32(c)).GetType()
	}

	j.fns, err = BuildFunctions(j.typs, j.roles, j.aggs, j.hashKind)
	if err != nil {
		return nil, err
	}
	for _, patch := range j.fnPatches {
		patch(j.fns)
	}

	if j.hashSize == 0 {
		j.hashSize = j.estimateHashSize()
	}

	workRooms := src.Rows()
	if workRooms < 1 {
		workRooms = 1
	}
	if j.work, err = batch.New(mp, src.Attrs, j.typs, src.Area(), int(workRooms)); err != nil {
		return nil, err
	}
	if j.dst, err = batch.New(mp, src.Attrs, j.typs, src.Area(), int(j.rooms)); err != nil {
		j.work.Free(mp)
		return nil, err
	}
	if j.ctl, err = NewControl(mp, j.roles, j.params, j.hashSize, j.rooms); err != nil {
		j.dst.Free(mp)
		j.work.Free(mp)
		return nil, err
	}

	if j.pool == nil {
		size := int(ec.PoolSize)
		if size < 1 {
			size = runtime.NumCPU()
		}
		j.pool, err = ants.NewPool(size, ants.WithPanicHandler(func(e interface{}) {
			logutil.Error("preagg: worker panic", zap.Any("recover", e))
		}))
		if err != nil {
			j.Free()
			return nil, moerr.NewInternalError("ants pool: %v", err)
		}
		j.ownPool = true
	}
	return j, nil
}

// Functions returns the job's kernel callback set.
func (j *Job) Functions() *Functions { return j.fns }

// Control returns the job's shared control block.
func (j *Job) Control() *Control { return j.ctl }

// Work returns the working batch holding the qualified rows.
func (j *Job) Work() *batch.Batch { return j.work }

// Dst returns the destination batch.
func (j *Job) Dst() *batch.Batch { return j.dst }

// Free releases every buffer the job owns and its private pool.  A
// Result handed out by Run stays usable until Free; free the job last.
func (j *Job) Free() {
	if j.ownPool && j.pool != nil {
		j.pool.Release()
		j.pool = nil
	}
	if j.ctl != nil {
		j.ctl.Free(j.mp)
		j.ctl = nil
	}
	if j.dst != nil {
		j.dst.Free(j.mp)
		j.dst = nil
	}
	if j.work != nil {
		j.work.Free(j.mp)
		j.work = nil
	}
}

// estimateHashSize sizes the global hash table from a sample of the
// source keys.  Jobs that never touch the global table get the floor.
func (j *Job) estimateHashSize() uint32 {
	if j.strategy != StrategyHash || len(j.keys) == 0 || j.src.Rows() == 0 {
		return minHashSize
	}
	est := NewGroupEstimator(j.keys)
	limit := j.src.Rows()
	if j.sample > 0 && limit > j.sample {
		limit = j.sample
	}
	est.Observe(j.src, limit)
	guess := est.Estimate()
	if limit < j.src.Rows() {
		// The sample saw only part of the batch; scale the guess by the
		// part it missed, which over-sizes rather than under-sizes.
		guess = guess * uint64(j.src.Rows()) / uint64(limit)
	}
	return SuggestHashSize(guess)
}

// inputCount returns the number of rows preparation scans: the whole
// source batch or the explicit input row map.
func (j *Job) inputCount() int64 {
	if j.inMap == nil || j.inMap.IsIdentity() {
		return j.src.Rows()
	}
	return j.inMap.NValids()
}

// stageErr turns the control status into a between-stage error.
// RecheckRequired is advisory; the remaining stages still run and the
// code surfaces once the job is done.
func (j *Job) stageErr() error {
	code := j.ctl.Status()
	if code == moerr.Ok || code == moerr.ErrRecheckRequired {
		return nil
	}
	return moerr.CodeToError(code)
}

// Result is what a finished job hands back: the destination batch and
// the row map naming its live rows.  It shares buffers with the job, so
// consume it before freeing the job.
type Result struct {
	Batch  *batch.Batch
	RowMap *RowMap
}

// Rows returns the number of live destination rows.
func (r *Result) Rows() int64 {
	return r.RowMap.Count(r.Batch.Rows())
}

// Iterate calls fn for every live destination row in order.
func (r *Result) Iterate(fn func(row int32)) {
	r.RowMap.Iterate(r.Batch.Rows(), fn)
}

// Run drives the whole reduction: preparation, then the hash stages or
// the sort stages depending on the strategy.  On RecheckRequired the
// partial result comes back together with the error so the host can
// inspect it before retrying on a wider type.
func (j *Job) Run(ctx context.Context) (*Result, error) {
	// An advisory code left over from a manual stage sequence must not
	// leak into this run.
	j.ctl.resetStatus()
	type stage struct {
		name string
		fn   func(context.Context) error
	}
	var stages []stage
	stages = append(stages, stage{"preparation", j.Preparation})
	switch j.strategy {
	case StrategyHash:
		stages = append(stages,
			stage{"reset-hash-table", j.ResetHashTable},
			stage{"local-reduction", j.LocalReduction},
			stage{"global-reduction", j.GlobalReduction},
		)
	case StrategySort:
		if len(j.keys) == 0 {
			stages = append(stages, stage{"set-rindex", j.SetRIndex})
		} else {
			stages = append(stages, stage{"sort-index", j.sortIndex})
		}
		stages = append(stages, stage{"sort-reduction", j.SortReduction})
	default:
		return nil, moerr.NewNYI("strategy %d", j.strategy)
	}

	for _, s := range stages {
		if err := s.fn(ctx); err != nil {
			return nil, err
		}
		if err := j.stageErr(); err != nil {
			logutil.Debug("preagg: stage failed",
				zap.String("stage", s.name),
				zap.Error(err))
			return nil, err
		}
	}

	res := &Result{Batch: j.dst, RowMap: j.ctl.RowMap()}
	logutil.Debug("preagg: job done",
		zap.String("strategy", j.strategy.String()),
		zap.Int64("input", j.inputCount()),
		zap.Int64("qualified", j.work.Rows()),
		zap.Int64("groups", res.Rows()))
	if code := j.ctl.Status(); code == moerr.ErrRecheckRequired {
		return res, moerr.CodeToError(code)
	}
	return res, nil
}
