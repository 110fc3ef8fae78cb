package tail

import (
	"bytes"
	"context"
	"os"
	"sort"
	"sync"

	"github.com/blevesearch/mmap-go"

	pipelineerrors "combatlog/pkg/errors"
	"combatlog/pkg/logevent"
)

// LineDecoder is the subset of *parser.Parser bulk loading needs;
// accepting an interface instead of the concrete type keeps this
// package from importing pkg/parser, avoiding an import cycle risk if
// the parser ever needs tail's types.
type LineDecoder interface {
	ParseLine(lineNumber int, line []byte) (logevent.CombatEvent, error)
}

// BulkResult is the outcome of a parallel historical load: the decoded
// events in file order, plus one error per structurally malformed line
// encountered (callers typically just count these for a dropped-lines
// metric, per §7).
type BulkResult struct {
	Events []logevent.CombatEvent
	Errors []error
}

type lineRange struct {
	lineNumber int
	start, end int // end exclusive, excludes the trailing '\n'
}

// LoadBulk memory-maps path and decodes every line in parallel across
// workers goroutines, grounded on internal/monitors/file_monitor.go's
// workerPool shape (a fixed goroutine count draining a shared job
// channel) adapted from a line-dispatch queue to a parse-range queue.
// Each worker decodes disjoint line ranges of the same read-only mapped
// byte slice; per §4.2's performance contract this requires no copy of
// the mapped bytes until a string is actually interned.
func LoadBulk(ctx context.Context, path string, workers int, dec LineDecoder) (BulkResult, error) {
	if workers < 1 {
		workers = 1
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return BulkResult{}, pipelineerrors.New(pipelineerrors.CodeFileMissing, "tail", "load_bulk").Wrap(err)
		}
		return BulkResult{}, err
	}
	defer f.Close()

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return BulkResult{}, err
	}
	defer mapped.Unmap()

	data := []byte(mapped)
	ranges := splitLineRanges(data)
	if len(ranges) == 0 {
		return BulkResult{}, nil
	}

	chunks := chunkRanges(ranges, workers)

	results := make([]BulkResult, len(chunks))
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk []lineRange) {
			defer wg.Done()
			results[i] = decodeRanges(ctx, data, chunk, dec)
		}(i, chunk)
	}
	wg.Wait()

	var out BulkResult
	for _, r := range results {
		out.Events = append(out.Events, r.Events...)
		out.Errors = append(out.Errors, r.Errors...)
	}
	sort.Slice(out.Events, func(i, j int) bool {
		return out.Events[i].LineNumber < out.Events[j].LineNumber
	})
	return out, nil
}

func decodeRanges(ctx context.Context, data []byte, ranges []lineRange, dec LineDecoder) BulkResult {
	var r BulkResult
	for _, lr := range ranges {
		select {
		case <-ctx.Done():
			return r
		default:
		}
		ev, err := dec.ParseLine(lr.lineNumber, data[lr.start:lr.end])
		if err != nil {
			r.Errors = append(r.Errors, err)
			continue
		}
		r.Events = append(r.Events, ev)
	}
	return r
}

func splitLineRanges(data []byte) []lineRange {
	var ranges []lineRange
	start := 0
	lineNum := 0
	for {
		idx := bytes.IndexByte(data[start:], '\n')
		if idx < 0 {
			if start < len(data) {
				lineNum++
				ranges = append(ranges, lineRange{lineNumber: lineNum, start: start, end: len(data)})
			}
			break
		}
		end := start + idx
		lineNum++
		ranges = append(ranges, lineRange{lineNumber: lineNum, start: start, end: end})
		start = end + 1
	}
	return ranges
}

// chunkRanges splits ranges into up to n contiguous, roughly even
// groups. Contiguity (rather than round-robin) keeps each worker's
// output already sorted, so the final merge is a single sort over a
// mostly-sorted slice instead of an interleaved one.
func chunkRanges(ranges []lineRange, n int) [][]lineRange {
	if n > len(ranges) {
		n = len(ranges)
	}
	chunks := make([][]lineRange, 0, n)
	size := (len(ranges) + n - 1) / n
	for i := 0; i < len(ranges); i += size {
		end := i + size
		if end > len(ranges) {
			end = len(ranges)
		}
		chunks = append(chunks, ranges[i:end])
	}
	return chunks
}
