package spectator

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz/lzma"

	"github.com/M1PPosu/lazer-server-sub001/internal/multiplayer"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// replayReader walks the legacy binary layout back out of a blob.
type replayReader struct {
	t   *testing.T
	buf *bytes.Reader
}

func (r *replayReader) readByte() byte {
	b, err := r.buf.ReadByte()
	require.NoError(r.t, err)
	return b
}

func (r *replayReader) readFixed(v any) {
	require.NoError(r.t, binary.Read(r.buf, binary.LittleEndian, v))
}

func (r *replayReader) readString() string {
	switch marker := r.readByte(); marker {
	case 0x00:
		return ""
	case 0x0b:
		var length uint64
		var shift uint
		for {
			b := r.readByte()
			length |= uint64(b&0x7f) << shift
			if b&0x80 == 0 {
				break
			}
			shift += 7
		}
		data := make([]byte, length)
		_, err := io.ReadFull(r.buf, data)
		require.NoError(r.t, err)
		return string(data)
	default:
		r.t.Fatalf("unexpected string marker 0x%02x", marker)
		return ""
	}
}

func (r *replayReader) readCompressed() []byte {
	var length int32
	r.readFixed(&length)
	raw := make([]byte, length)
	_, err := io.ReadFull(r.buf, raw)
	require.NoError(r.t, err)
	lr, err := lzma.NewReader(bytes.NewReader(raw))
	require.NoError(r.t, err)
	out, err := io.ReadAll(lr)
	require.NoError(r.t, err)
	return out
}

func TestEncodeFrames_DeltasAndSentinel(t *testing.T) {
	frames := []ReplayFrame{
		{Time: 100, MouseX: 10, MouseY: 20, ButtonState: 1},
		{Time: 150, MouseX: 11, MouseY: 21, ButtonState: 0},
		{Time: 400, MouseX: 12, MouseY: 22, ButtonState: 1},
	}
	got := string(encodeFrames(frames))
	assert.Equal(t, "100|10|20|1,50|11|21|0,250|12|22|1,"+frameSentinel, got)

	// No frames still terminates properly.
	assert.Equal(t, frameSentinel, string(encodeFrames(nil)))
}

func TestModsBitmask(t *testing.T) {
	assert.Equal(t, int32(8|16), modsBitmask([]multiplayer.APIMod{{Acronym: "HD"}, {Acronym: "HR"}}))
	// Nightcore implies double time, perfect implies sudden death.
	assert.Equal(t, int32(512|64), modsBitmask([]multiplayer.APIMod{{Acronym: "NC"}}))
	assert.Equal(t, int32(16384|32), modsBitmask([]multiplayer.APIMod{{Acronym: "PF"}}))
	// Acronyms are case-insensitive; unknown ones contribute nothing.
	assert.Equal(t, int32(8), modsBitmask([]multiplayer.APIMod{{Acronym: "hd"}, {Acronym: "WU"}}))
	assert.Zero(t, modsBitmask(nil))
}

func TestEncodeReplay_Layout(t *testing.T) {
	score := &store.Score{
		ID:         42,
		UserID:     7,
		BeatmapID:  101,
		RulesetID:  0,
		TotalScore: 123456,
		Accuracy:   0.97,
		MaxCombo:   312,
		Rank:       "S",
		Passed:     true,
	}
	header := FrameHeader{
		TotalScore: 123456,
		Statistics: map[string]int32{"great": 100, "ok": 5, "miss": 2},
	}
	frames := []ReplayFrame{{Time: 10, MouseX: 1, MouseY: 2, ButtonState: 1}}
	mods := []multiplayer.APIMod{{Acronym: "HD"}}
	endedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	blob, err := encodeReplay(score, "alice", "sum-101", mods, header, frames, endedAt)
	require.NoError(t, err)

	r := &replayReader{t: t, buf: bytes.NewReader(blob)}
	assert.Equal(t, byte(0), r.readByte()) // ruleset

	var version int32
	r.readFixed(&version)
	assert.Equal(t, int32(replayVersion), version)

	assert.Equal(t, "sum-101", r.readString())
	assert.Equal(t, "alice", r.readString())
	assert.NotEmpty(t, r.readString()) // replay hash

	var great, ok16, meh, perfect, good, miss int16
	r.readFixed(&great)
	r.readFixed(&ok16)
	r.readFixed(&meh)
	r.readFixed(&perfect)
	r.readFixed(&good)
	r.readFixed(&miss)
	assert.Equal(t, int16(100), great)
	assert.Equal(t, int16(5), ok16)
	assert.Equal(t, int16(2), miss)

	var total int32
	r.readFixed(&total)
	assert.Equal(t, int32(123456), total)

	var combo int16
	r.readFixed(&combo)
	assert.Equal(t, int16(312), combo)

	// Two misses: not a perfect combo.
	assert.Equal(t, byte(0), r.readByte())

	var mask int32
	r.readFixed(&mask)
	assert.Equal(t, int32(8), mask)

	assert.Equal(t, "", r.readString()) // HP graph

	var ticks int64
	r.readFixed(&ticks)
	assert.Equal(t, unixEpochTicks+endedAt.UnixNano()/100, ticks)

	framesText := string(r.readCompressed())
	assert.Equal(t, "10|1|2|1,"+frameSentinel, framesText)

	var onlineID int64
	r.readFixed(&onlineID)
	assert.Equal(t, int64(42), onlineID)

	var trailer scoreInfoTrailer
	require.NoError(t, json.Unmarshal(r.readCompressed(), &trailer))
	assert.Equal(t, int64(42), trailer.OnlineID)
	assert.Equal(t, "alice", trailer.Username)
	assert.Equal(t, int32(101), trailer.BeatmapID)
	assert.True(t, trailer.Passed)

	// Everything was consumed.
	assert.Zero(t, r.buf.Len())
}

func TestEncodeReplay_PerfectFlag(t *testing.T) {
	score := &store.Score{ID: 1, RulesetID: 2, MaxCombo: 10}
	header := FrameHeader{Statistics: map[string]int32{"great": 10}}

	blob, err := encodeReplay(score, "bob", "", nil, header, nil, time.Now())
	require.NoError(t, err)

	r := &replayReader{t: t, buf: bytes.NewReader(blob)}
	assert.Equal(t, byte(2), r.readByte())
	var version int32
	r.readFixed(&version)
	assert.Equal(t, "", r.readString()) // no beatmap checksum
	r.readString()                      // username
	r.readString()                      // hash
	var counts [6]int16
	for i := range counts {
		r.readFixed(&counts[i])
	}
	var total int32
	r.readFixed(&total)
	var combo int16
	r.readFixed(&combo)
	assert.Equal(t, byte(1), r.readByte()) // no misses
}

func TestWriteReplayFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "replays")

	path, err := writeReplayFile(dir, 99, []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "99.osr"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "blob", string(data))
}

func TestScorable(t *testing.T) {
	assert.False(t, scorable(nil))
	assert.False(t, scorable(map[string]int32{"miss": 10}))
	assert.False(t, scorable(map[string]int32{"great": 0}))
	assert.True(t, scorable(map[string]int32{"miss": 10, "ok": 1}))
}
