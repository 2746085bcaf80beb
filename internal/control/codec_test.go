package control

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseLineVersion(t *testing.T) {
	f, err := ParseLine("V2.5.1.3")
	require.NoError(t, err)
	require.Equal(t, FrameVersion, f.Type)
	require.Equal(t, [4]int{2, 5, 1, 3}, f.Version)
}

func TestParseLineHandle(t *testing.T) {
	f, err := ParseLine("H2A000001")
	require.NoError(t, err)
	require.Equal(t, uint32(0x2A000001), f.Handle)
}

func TestParseLineStatus(t *testing.T) {
	f, err := ParseLine(`S2A000001|slice 0 mode=USB rfgain=10`)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2A000001), f.Handle)

	argv, err := Tokenize(f.Body)
	require.NoError(t, err)
	require.Equal(t, []string{"slice", "0", "mode=USB", "rfgain=10"}, argv)
	require.Equal(t, "USB", FindKwarg(argv, "mode"))
	require.Equal(t, "absent", FindKwarg(argv, "txgain"))
}

func TestParseLineResponseHexCode(t *testing.T) {
	f, err := ParseLine("R42|0|handle=0x2A000001")
	require.NoError(t, err)
	require.Equal(t, FrameResponse, f.Type)
	require.Equal(t, uint32(42), f.Sequence)
	require.Equal(t, uint32(0), f.Code)
	require.Equal(t, "handle=0x2A000001", f.Message)

	f2, err := ParseLine("R43|1A|meter index out of range")
	require.NoError(t, err)
	require.Equal(t, uint32(0x1a), f2.Code)
}

func TestParseLineCommand(t *testing.T) {
	f, err := ParseLine(`C17|slice set 0 mode=CW`)
	require.NoError(t, err)
	require.Equal(t, uint32(17), f.Sequence)
	require.Equal(t, "slice set 0 mode=CW", f.Body)
}

func TestParseLineRejectsUnknownTag(t *testing.T) {
	_, err := ParseLine("Z garbage")
	require.Error(t, err)
}

func TestParseLineRejectsEmpty(t *testing.T) {
	_, err := ParseLine("")
	require.Error(t, err)
}

func TestTokenizeQuoting(t *testing.T) {
	argv, err := Tokenize(`cmd "quoted arg" 'literal \n' plain\ escape`)
	require.NoError(t, err)
	require.Equal(t, []string{"cmd", "quoted arg", `literal \n`, "plain escape"}, argv)
}

func TestTokenizeUnterminatedQuote(t *testing.T) {
	_, err := Tokenize(`cmd "unterminated`)
	require.Error(t, err)
}

func TestFindKwargAsIntHex(t *testing.T) {
	argv := []string{"handle=0x2A", "count=10"}
	v, err := FindKwargAsInt(argv, "handle")
	require.NoError(t, err)
	require.Equal(t, uint64(0x2a), v)

	v, err = FindKwargAsInt(argv, "count")
	require.NoError(t, err)
	require.Equal(t, uint64(10), v)

	_, err = FindKwargAsInt(argv, "missing")
	require.Error(t, err)
}

func TestEmitCommandClearsTopBit(t *testing.T) {
	line := EmitCommand(0xffffffff, "slice set 0 mode=USB")
	require.True(t, strings.HasPrefix(line, "C2147483647|"))
}

func TestEmitTimedCommand(t *testing.T) {
	when := time.Unix(1000, 500000)
	line := EmitTimedCommand(5, when, "slice set 0 mode=USB")
	require.Equal(t, "C5|@1000.000500|slice set 0 mode=USB\n", line)
}

func TestLineReaderSplitsCRLF(t *testing.T) {
	lr := NewLineReader(strings.NewReader("V1.0.0.0\r\nH1\nS1|foo\r\n"))

	l1, err := lr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "V1.0.0.0", l1)

	l2, err := lr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "H1", l2)

	l3, err := lr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "S1|foo", l3)
}
