package framer

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sparkvisionsa/valuetech-bridge/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func collect() (*[]string, func([]byte)) {
	var lines []string
	return &lines, func(line []byte) {
		lines = append(lines, string(line))
	}
}

func TestFramer_SingleChunkManyLines(t *testing.T) {
	lines, emit := collect()
	f := New(emit)

	n, err := f.Write([]byte("{\"a\":1}\n{\"b\":2}\n"))
	assert.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, *lines)
	assert.Equal(t, 0, f.Buffered())
}

func TestFramer_SplitAcrossChunks(t *testing.T) {
	lines, emit := collect()
	f := New(emit)

	f.Write([]byte(`{"commandId":3,"st`))
	assert.Empty(t, *lines)
	assert.Equal(t, len(`{"commandId":3,"st`), f.Buffered())

	f.Write([]byte("atus\":\"SUCCESS\"}\n"))
	assert.Equal(t, []string{`{"commandId":3,"status":"SUCCESS"}`}, *lines)
	assert.Equal(t, 0, f.Buffered())
}

func TestFramer_ByteAtATime(t *testing.T) {
	lines, emit := collect()
	f := New(emit)

	input := "first\nsecond\nthird"
	for i := 0; i < len(input); i++ {
		f.Write([]byte{input[i]})
	}
	assert.Equal(t, []string{"first", "second"}, *lines)

	f.Flush()
	assert.Equal(t, []string{"first", "second", "third"}, *lines)
}

func TestFramer_CRLFAndBlankLines(t *testing.T) {
	lines, emit := collect()
	f := New(emit)

	f.Write([]byte("one\r\n\r\n   \ntwo\n"))
	assert.Equal(t, []string{"one", "two"}, *lines)
}

func TestFramer_EmitDoesNotAliasLaterChunks(t *testing.T) {
	var got []string
	f := New(func(line []byte) {
		got = append(got, string(line))
	})

	f.Write([]byte("abc"))
	f.Write([]byte("def\nxyz"))
	f.Write([]byte("\n"))
	assert.Equal(t, []string{"abcdef", "xyz"}, got)
}

func TestFramer_OversizeLineIsDropped(t *testing.T) {
	lines, emit := collect()
	f := New(emit, WithMaxLine(8))

	f.Write([]byte("0123456789"))
	f.Write([]byte("abcdef"))
	f.Write([]byte("tail\nok\n"))
	assert.Equal(t, []string{"ok"}, *lines)
	assert.Equal(t, 0, f.Buffered())
}

func TestFramer_OversizeCompleteLineInOneChunk(t *testing.T) {
	lines, emit := collect()
	f := New(emit, WithMaxLine(8))

	f.Write([]byte("0123456789abc\nok\n12345678\n"))
	assert.Equal(t, []string{"ok", "12345678"}, *lines)
	assert.Equal(t, 0, f.Buffered())
}

func TestFramer_OversizeWhenPrefixMeetsFinalSegment(t *testing.T) {
	lines, emit := collect()
	f := New(emit, WithMaxLine(8))

	f.Write([]byte("01234"))
	assert.Equal(t, 5, f.Buffered())
	f.Write([]byte("56789\nnext\n"))
	assert.Equal(t, []string{"next"}, *lines)
	assert.Equal(t, 0, f.Buffered())
}

func TestFramer_FlushEmpty(t *testing.T) {
	lines, emit := collect()
	f := New(emit)
	f.Flush()
	assert.Empty(t, *lines)
}
