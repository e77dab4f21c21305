package isofs

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSUSPRecordShapes(t *testing.T) {
	sp := makeSP()
	assert.Equal(t, []byte{'S', 'P', 7, 1, 0xBE, 0xEF, 0}, sp)

	px := makePX(0o100644, 1, 1000, 100)
	assert.Len(t, px, 36)
	assert.Equal(t, byte('P'), px[0])

	ce := makeCE(100, 0, 237)
	assert.Len(t, ce, 28)

	re := makeRE()
	assert.Equal(t, []byte{'R', 'E', 4, 1}, re)
}

func TestParseSystemUsePX(t *testing.T) {
	chain := append(makeRR(rrFlagPX), makePX(0o100644, 1, 1000, 100)...)

	var info rrInfo
	require.NoError(t, parseSystemUse(chain, 0, &info))
	assert.True(t, info.present)
	assert.Equal(t, uint32(0o100644), info.mode)
	assert.Equal(t, uint32(1000), info.uid)
	assert.Equal(t, uint32(100), info.gid)
}

func TestParseSystemUseName(t *testing.T) {
	var chain []byte
	for _, r := range makeNM("readme.md") {
		chain = append(chain, r...)
	}
	var info rrInfo
	require.NoError(t, parseSystemUse(chain, 0, &info))
	assert.Equal(t, "readme.md", info.name)
}

func TestNMSplitsLongNames(t *testing.T) {
	long := strings.Repeat("x", 400)
	recs := makeNM(long)
	require.Len(t, recs, 2)
	assert.Equal(t, rrNameContinue, recs[0][4]&rrNameContinue)

	var chain []byte
	for _, r := range recs {
		chain = append(chain, r...)
	}
	var info rrInfo
	require.NoError(t, parseSystemUse(chain, 0, &info))
	assert.Equal(t, long, info.name)
}

func TestSymlinkRoundTrip(t *testing.T) {
	for _, target := range []string{"etc/hostname", "/usr/bin/env", "../up/two", "./here"} {
		var info rrInfo
		require.NoError(t, parseSystemUse(makeSL(target), 0, &info))
		assert.Equal(t, target, info.symlinkTarget, "target %q", target)
	}
}

func TestTimestampRecordRoundTrip(t *testing.T) {
	want := time.Date(2023, 6, 1, 10, 20, 30, 0, time.UTC)
	var info rrInfo
	require.NoError(t, parseSystemUse(makeTF(want), 0, &info))
	assert.True(t, want.Equal(info.mtime))
}

func TestChildAndParentLinks(t *testing.T) {
	chain := append(makeCL(1234), makePL(77)...)
	var info rrInfo
	require.NoError(t, parseSystemUse(chain, 0, &info))
	assert.True(t, info.hasChildLoc)
	assert.Equal(t, uint32(1234), info.childLoc)
	assert.True(t, info.hasParentLoc)
	assert.Equal(t, uint32(77), info.parentLoc)
}

func TestContinuationRecord(t *testing.T) {
	var info rrInfo
	require.NoError(t, parseSystemUse(makeCE(200, 512, 237), 0, &info))
	require.True(t, info.hasCE)
	assert.Equal(t, uint32(200), info.ceSector)
	assert.Equal(t, uint32(512), info.ceOffset)
	assert.Equal(t, uint32(237), info.ceLen)
}

func TestParseSystemUseTruncatedRecord(t *testing.T) {
	chain := makePX(0o100644, 1, 0, 0)
	chain[2] = 200 // declared length beyond the buffer

	var info rrInfo
	err := parseSystemUse(chain, 0, &info)
	assert.ErrorIs(t, err, ErrMalformedField)
}

func TestParseSystemUseStopsAtPadding(t *testing.T) {
	chain := append(makeRE(), 0x00, 0x00, 0x00)
	var info rrInfo
	require.NoError(t, parseSystemUse(chain, 0, &info))
	assert.True(t, info.relocated)
}
