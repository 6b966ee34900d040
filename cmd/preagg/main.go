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

// Command preagg reduces a CSV stream with GROUP BY pre-aggregation.
// The first line names the columns; -keys picks the group keys, -sum,
// -min and -max bind aggregate operators, every other column passes
// through its group's first row.
//
//	preagg -cfg preagg.toml -i data.csv.lz4 -keys city,day -sum sales -min temp -o out.csv
//
// Aggregate columns default to int64; override with -types when a
// column holds floats or wider text.  A nonzero exit with a recheck
// notice means a sum overflowed its column type.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/fagongzi/util/format"
	"github.com/matrixorigin/simdcsv"
	"github.com/panjf2000/ants/v2"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
	"github.com/matrixorigin/preagg/pkg/common/mpool"
	"github.com/matrixorigin/preagg/pkg/config"
	"github.com/matrixorigin/preagg/pkg/container/batch"
	"github.com/matrixorigin/preagg/pkg/container/nulls"
	"github.com/matrixorigin/preagg/pkg/container/types"
	"github.com/matrixorigin/preagg/pkg/container/vector"
	"github.com/matrixorigin/preagg/pkg/logutil"
	"github.com/matrixorigin/preagg/pkg/preagg"
)

var (
	cfgFile   = flag.String("cfg", "", "configuration file (TOML)")
	inputFile = flag.String("i", "", "input CSV file; a .lz4 suffix decompresses transparently")
	keysFlag  = flag.String("keys", "", "comma separated group key columns, by name or index")
	sumFlag   = flag.String("sum", "", "comma separated columns folded with sum")
	minFlag   = flag.String("min", "", "comma separated columns folded with min")
	maxFlag   = flag.String("max", "", "comma separated columns folded with max")
	typesFlag = flag.String("types", "", "comma separated column types: int16,int32,int64,float32,float64,varchar")
	outFile   = flag.String("o", "", "output CSV file, stdout when empty")
	batchRows = flag.Int("rows", 65536, "rows per reduction batch")
)

// batchReadRows is the chunk the csv reader parses at a time.
const batchReadRows = 4000

func main() {
	flag.Parse()
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "preagg: %v\n", err)
		if moerr.IsMoErrCode(err, moerr.ErrRecheckRequired) {
			fmt.Fprintln(os.Stderr, "a sum overflowed its column type; re-run with -types widening the aggregate columns")
		}
		os.Exit(1)
	}
}

// contentReader pages csv records out of a simdcsv reader one line at
// a time.  A nil line means the input is exhausted.
type contentReader struct {
	ctx     context.Context
	idx     int
	length  int
	content [][]string
	reader  *simdcsv.Reader
}

func newContentReader(ctx context.Context, reader *simdcsv.Reader) *contentReader {
	return &contentReader{
		ctx:     ctx,
		content: make([][]string, batchReadRows),
		reader:  reader,
	}
}

func (s *contentReader) ReadLine() ([]string, error) {
	if s.idx == s.length && s.reader != nil {
		var cnt int
		var err error
		s.content, cnt, err = s.reader.Read(batchReadRows, s.ctx, s.content)
		if err != nil {
			return nil, err
		}
		if cnt < batchReadRows {
			s.reader = nil
		}
		s.idx = 0
		s.length = cnt
	}
	if s.idx < s.length {
		idx := s.idx
		s.idx++
		return s.content[idx], nil
	}
	return nil, nil
}

// schema is the resolved shape of one run: column names and types plus
// the key and aggregate bindings.
type schema struct {
	names []string
	typs  []types.Type
	keys  []int
	aggs  []preagg.AggDesc
}

func parseColumns(header []string, arg string) ([]int, error) {
	if arg == "" {
		return nil, nil
	}
	var cols []int
	for _, tok := range strings.Split(arg, ",") {
		tok = strings.TrimSpace(tok)
		idx := -1
		for i, name := range header {
			if name == tok {
				idx = i
				break
			}
		}
		if idx < 0 {
			if n, err := format.ParseStringUint64(tok); err == nil && n < uint64(len(header)) {
				idx = int(n)
			}
		}
		if idx < 0 {
			return nil, moerr.NewInvalidInput("unknown column %q", tok)
		}
		cols = append(cols, idx)
	}
	return cols, nil
}

func parseColType(s string) (types.T, error) {
	switch s {
	case "int16":
		return types.T_int16, nil
	case "int32":
		return types.T_int32, nil
	case "int64":
		return types.T_int64, nil
	case "float32":
		return types.T_float32, nil
	case "float64":
		return types.T_float64, nil
	case "varchar", "string":
		return types.T_varchar, nil
	}
	return 0, moerr.NewInvalidInput("unknown column type %q", s)
}

func resolveSchema(header []string) (*schema, error) {
	sc := &schema{names: append([]string(nil), header...)}
	var err error
	if sc.keys, err = parseColumns(header, *keysFlag); err != nil {
		return nil, err
	}
	for _, bind := range []struct {
		arg string
		op  preagg.AggOp
	}{
		{*sumFlag, preagg.AggSum},
		{*minFlag, preagg.AggMin},
		{*maxFlag, preagg.AggMax},
	} {
		cols, err := parseColumns(header, bind.arg)
		if err != nil {
			return nil, err
		}
		for _, c := range cols {
			sc.aggs = append(sc.aggs, preagg.AggDesc{Col: c, Op: bind.op})
		}
	}
	if len(sc.keys) == 0 && len(sc.aggs) == 0 {
		return nil, moerr.NewInvalidInput("no -keys and no aggregates, nothing to reduce")
	}

	isAgg := make([]bool, len(header))
	for _, a := range sc.aggs {
		isAgg[a.Col] = true
	}
	sc.typs = make([]types.Type, len(header))
	if *typesFlag != "" {
		toks := strings.Split(*typesFlag, ",")
		if len(toks) != len(header) {
			return nil, moerr.NewInvalidInput("-types names %d columns, input has %d", len(toks), len(header))
		}
		for i, tok := range toks {
			oid, err := parseColType(strings.TrimSpace(tok))
			if err != nil {
				return nil, err
			}
			sc.typs[i] = oid.ToType()
		}
	} else {
		// Aggregate columns default to int64, the rest rides along as
		// text.
		for i := range header {
			if isAgg[i] {
				sc.typs[i] = types.T_int64.ToType()
			} else {
				sc.typs[i] = types.T_varchar.ToType()
			}
		}
	}
	return sc, nil
}

// loadCell parses one csv field into row i of a column vector.  An
// empty numeric field loads as NULL.
func loadCell(vec *vector.Vector, i int, field string, mp *mpool.MPool) error {
	oid := vec.GetType().Oid
	if field == "" && oid != types.T_varchar {
		nulls.Add(vec.GetNulls(), uint64(i))
		return nil
	}
	switch oid {
	case types.T_int16:
		v, err := strconv.ParseInt(field, 10, 16)
		if err != nil {
			return moerr.NewInvalidInput("bad int16 %q: %v", field, err)
		}
		return vector.SetFixedAt(vec, i, int16(v))
	case types.T_int32:
		v, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return moerr.NewInvalidInput("bad int32 %q: %v", field, err)
		}
		return vector.SetFixedAt(vec, i, int32(v))
	case types.T_int64:
		v, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return moerr.NewInvalidInput("bad int64 %q: %v", field, err)
		}
		return vector.SetFixedAt(vec, i, v)
	case types.T_float32:
		v, err := strconv.ParseFloat(field, 32)
		if err != nil {
			return moerr.NewInvalidInput("bad float32 %q: %v", field, err)
		}
		return vector.SetFixedAt(vec, i, float32(v))
	case types.T_float64:
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return moerr.NewInvalidInput("bad float64 %q: %v", field, err)
		}
		return vector.SetFixedAt(vec, i, v)
	case types.T_varchar:
		return vec.SetBytesAt(i, []byte(field), mp)
	}
	return moerr.NewNYI("column type %s", oid)
}

// readBatch fills one batch from the reader.  It returns a nil batch
// on a clean end of input.
func readBatch(cr *contentReader, sc *schema, mp *mpool.MPool, area *vector.Area, nrooms int) (*batch.Batch, error) {
	bat, err := batch.New(mp, sc.names, sc.typs, area, nrooms)
	if err != nil {
		return nil, err
	}
	n := 0
	for n < nrooms {
		line, err := cr.ReadLine()
		if err != nil {
			bat.Free(mp)
			return nil, moerr.NewInvalidInput("read csv: %v", err)
		}
		if line == nil {
			break
		}
		if len(line) == 0 || (len(line) == 1 && line[0] == "") {
			continue
		}
		if len(line) != len(sc.names) {
			bat.Free(mp)
			return nil, moerr.NewInvalidInput("row %d has %d fields, header has %d", n, len(line), len(sc.names))
		}
		for c, field := range line {
			if err := loadCell(bat.Vecs[c], n, field, mp); err != nil {
				bat.Free(mp)
				return nil, err
			}
		}
		n++
	}
	if n == 0 {
		bat.Free(mp)
		return nil, nil
	}
	if err := bat.AddRowsUnsafe(int64(n)); err != nil {
		bat.Free(mp)
		return nil, err
	}
	return bat, nil
}

// formatCell renders one destination cell for the output csv.  NULL
// renders empty.
func formatCell(vec *vector.Vector, row int32) string {
	if nulls.Contains(vec.GetNulls(), uint64(row)) {
		return ""
	}
	switch vec.GetType().Oid {
	case types.T_int16:
		return format.Int64ToString(int64(vector.GetFixedAt[int16](vec, int(row))))
	case types.T_int32:
		return format.Int64ToString(int64(vector.GetFixedAt[int32](vec, int(row))))
	case types.T_int64:
		return format.Int64ToString(vector.GetFixedAt[int64](vec, int(row)))
	case types.T_float32:
		return strconv.FormatFloat(float64(vector.GetFixedAt[float32](vec, int(row))), 'g', -1, 32)
	case types.T_float64:
		return strconv.FormatFloat(vector.GetFixedAt[float64](vec, int(row)), 'g', -1, 64)
	case types.T_varchar:
		return vec.GetString(int(row))
	}
	return ""
}

func writeResult(w *csv.Writer, res *preagg.Result) error {
	record := make([]string, len(res.Batch.Vecs))
	var werr error
	res.Iterate(func(row int32) {
		if werr != nil {
			return
		}
		for c, vec := range res.Batch.Vecs {
			record[c] = formatCell(vec, row)
		}
		werr = w.Write(record)
	})
	return werr
}

func run(ctx context.Context) error {
	cfg := config.Default()
	if *cfgFile != "" {
		var err error
		if cfg, err = config.Load(*cfgFile); err != nil {
			return err
		}
	}
	logutil.SetupMOLogger(&cfg.Log)

	if *inputFile == "" {
		return moerr.NewInvalidInput("no input file, use -i")
	}
	if *batchRows < 1 {
		return moerr.NewInvalidInput("-rows %d", *batchRows)
	}
	f, err := os.Open(*inputFile)
	if err != nil {
		return moerr.NewInvalidInput("open %s: %v", *inputFile, err)
	}
	defer f.Close()
	var rd io.Reader = f
	if strings.HasSuffix(*inputFile, ".lz4") {
		rd = lz4.NewReader(f)
	}
	cr := newContentReader(ctx, simdcsv.NewReaderWithOptions(rd, ',', '#', true, true))

	header, err := cr.ReadLine()
	if err != nil {
		return moerr.NewInvalidInput("read csv header: %v", err)
	}
	if header == nil {
		return moerr.NewInvalidInput("empty input")
	}
	sc, err := resolveSchema(header)
	if err != nil {
		return err
	}

	mp, err := mpool.NewMPool("preagg-cli", cfg.Engine.MemCapMB<<20)
	if err != nil {
		return err
	}
	defer mpool.DeleteMPool(mp)

	poolSize := int(cfg.Engine.PoolSize)
	if poolSize < 1 {
		poolSize = runtime.NumCPU()
	}
	pool, err := ants.NewPool(poolSize, ants.WithPanicHandler(func(e interface{}) {
		logutil.Error("preagg: worker panic", zap.Any("recover", e))
	}))
	if err != nil {
		return moerr.NewInternalError("ants pool: %v", err)
	}
	defer pool.Release()

	out := os.Stdout
	if *outFile != "" {
		if out, err = os.Create(*outFile); err != nil {
			return moerr.NewInvalidInput("create %s: %v", *outFile, err)
		}
		defer out.Close()
	}
	w := csv.NewWriter(out)
	if err := w.Write(sc.names); err != nil {
		return moerr.NewInternalError("write header: %v", err)
	}

	est := preagg.NewGroupEstimator(sc.keys)
	var recheckErr error
	nbatch := 0
	for {
		area := vector.NewArea()
		bat, err := readBatch(cr, sc, mp, area, *batchRows)
		if err != nil {
			area.Free(mp)
			return err
		}
		if bat == nil {
			area.Free(mp)
			break
		}
		nbatch++

		est.Observe(bat, cfg.Engine.EstimatorSample)
		hashSize := uint32(cfg.Engine.HashSize)
		if hashSize == 0 {
			hashSize = preagg.SuggestHashSize(est.Estimate())
		}
		job, err := preagg.NewJob(mp, &cfg.Engine, bat, sc.keys, sc.aggs,
			preagg.WithPool(pool),
			preagg.WithHashSize(hashSize))
		if err != nil {
			bat.Free(mp)
			area.Free(mp)
			return err
		}
		res, err := job.Run(ctx)
		if err != nil && !moerr.IsMoErrCode(err, moerr.ErrRecheckRequired) {
			job.Free()
			bat.Free(mp)
			area.Free(mp)
			return err
		}
		if err != nil {
			recheckErr = err
		}
		logutil.Info("preagg: batch reduced",
			zap.Int("batch", nbatch),
			zap.Int64("rows", bat.Rows()),
			zap.Int64("groups", res.Rows()),
			zap.Uint32("hashSize", hashSize))
		if werr := writeResult(w, res); werr != nil {
			job.Free()
			bat.Free(mp)
			area.Free(mp)
			return moerr.NewInternalError("write csv: %v", werr)
		}
		job.Free()
		bat.Free(mp)
		area.Free(mp)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return moerr.NewInternalError("flush csv: %v", err)
	}
	logutil.Info("preagg: done", zap.Int("batches", nbatch))
	return recheckErr
}
