package tail

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"combatlog/pkg/logevent"
)

type fakeDecoder struct{}

func (fakeDecoder) ParseLine(lineNumber int, line []byte) (logevent.CombatEvent, error) {
	return logevent.CombatEvent{LineNumber: lineNumber}, nil
}

func TestLoadBulk_DecodesEveryLineInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "combat_bulk.txt")

	var content string
	for i := 1; i <= 500; i++ {
		content += "line\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	result, err := LoadBulk(context.Background(), path, 4, fakeDecoder{})
	require.NoError(t, err)
	require.Len(t, result.Events, 500)
	for i, ev := range result.Events {
		assert.Equal(t, i+1, ev.LineNumber)
	}
	assert.Empty(t, result.Errors)
}

func TestLoadBulk_MissingFile_ReturnsFileMissingError(t *testing.T) {
	_, err := LoadBulk(context.Background(), filepath.Join(t.TempDir(), "nope.txt"), 2, fakeDecoder{})
	require.Error(t, err)
}

func TestSplitLineRanges_HandlesTrailingPartialLine(t *testing.T) {
	ranges := splitLineRanges([]byte("a\nbb\nccc"))
	require.Len(t, ranges, 3)
	assert.Equal(t, 1, ranges[0].lineNumber)
	assert.Equal(t, 3, ranges[2].lineNumber)
	assert.Equal(t, "ccc", string([]byte("a\nbb\nccc")[ranges[2].start:ranges[2].end]))
}

func TestChunkRanges_CoversAllRangesExactlyOnce(t *testing.T) {
	ranges := make([]lineRange, 17)
	for i := range ranges {
		ranges[i] = lineRange{lineNumber: i + 1}
	}
	chunks := chunkRanges(ranges, 4)
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	assert.Equal(t, 17, total)
	assert.LessOrEqual(t, len(chunks), 4)
}
