package spectator

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ulikunitz/xz/lzma"

	"github.com/M1PPosu/lazer-server-sub001/internal/multiplayer"
	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

// replayVersion is the client version stamped into replay headers.
const replayVersion = 20240529

// Offset between 0001-01-01 and the Unix epoch, in 100 ns ticks.
const unixEpochTicks = 621355968000000000

// frameSentinel terminates the frame stream inside the LZMA block.
const frameSentinel = "-12345|0|0|0,"

// legacyModBits maps mod acronyms onto the classic bitmask. NC and PF
// imply their parent mods.
var legacyModBits = map[string]int32{
	"NF": 1, "EZ": 2, "TD": 4, "HD": 8, "HR": 16, "SD": 32,
	"DT": 64, "RX": 128, "HT": 256, "NC": 512 | 64, "FL": 1024,
	"AT": 2048, "SO": 4096, "AP": 8192, "PF": 16384 | 32,
}

func modsBitmask(mods []multiplayer.APIMod) int32 {
	var mask int32
	for _, m := range mods {
		mask |= legacyModBits[strings.ToUpper(m.Acronym)]
	}
	return mask
}

// scoreInfoTrailer is the JSON payload appended after the legacy replay
// body, mirroring what the client embeds in exported replays.
type scoreInfoTrailer struct {
	OnlineID   int64                `json:"online_id"`
	UserID     int32                `json:"user_id"`
	Username   string               `json:"username"`
	BeatmapID  int32                `json:"beatmap_id"`
	RulesetID  int32                `json:"ruleset_id"`
	Mods       []multiplayer.APIMod `json:"mods"`
	TotalScore int64                `json:"total_score"`
	Accuracy   float64              `json:"accuracy"`
	MaxCombo   int32                `json:"max_combo"`
	Statistics map[string]int32     `json:"statistics"`
	Rank       string               `json:"rank"`
	Passed     bool                 `json:"passed"`
}

type replayWriter struct {
	buf bytes.Buffer
	err error
}

func (w *replayWriter) writeByte(b byte) {
	if w.err == nil {
		w.err = w.buf.WriteByte(b)
	}
}

func (w *replayWriter) writeFixed(v any) {
	if w.err == nil {
		w.err = binary.Write(&w.buf, binary.LittleEndian, v)
	}
}

// writeString emits the client string format: 0x00 for empty, else 0x0b
// followed by a LEB128 byte length and the UTF-8 bytes.
func (w *replayWriter) writeString(s string) {
	if w.err != nil {
		return
	}
	if s == "" {
		w.writeByte(0x00)
		return
	}
	w.writeByte(0x0b)
	w.writeVarint(uint64(len(s)))
	if w.err == nil {
		_, w.err = w.buf.WriteString(s)
	}
}

func (w *replayWriter) writeVarint(v uint64) {
	for w.err == nil {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.writeByte(b)
		if v == 0 {
			return
		}
	}
}

func (w *replayWriter) writeCompressed(data []byte) {
	if w.err != nil {
		return
	}
	var blob bytes.Buffer
	lw, err := lzma.NewWriter(&blob)
	if err != nil {
		w.err = err
		return
	}
	if _, err := lw.Write(data); err != nil {
		w.err = err
		return
	}
	if err := lw.Close(); err != nil {
		w.err = err
		return
	}
	w.writeFixed(int32(blob.Len()))
	if w.err == nil {
		_, w.err = blob.WriteTo(&w.buf)
	}
}

// encodeFrames renders the frame stream in the legacy text form:
// "delta|x|y|buttons," with a trailing sentinel frame.
func encodeFrames(frames []ReplayFrame) []byte {
	var sb strings.Builder
	var last int32
	for _, f := range frames {
		fmt.Fprintf(&sb, "%d|%v|%v|%d,", f.Time-last, f.MouseX, f.MouseY, f.ButtonState)
		last = f.Time
	}
	sb.WriteString(frameSentinel)
	return []byte(sb.String())
}

func statCount(stats map[string]int32, key string) int16 {
	return int16(stats[key])
}

// encodeReplay assembles the full replay blob for a finished play.
func encodeReplay(score *store.Score, username, beatmapChecksum string, mods []multiplayer.APIMod, header FrameHeader, frames []ReplayFrame, endedAt time.Time) ([]byte, error) {
	w := &replayWriter{}

	w.writeByte(byte(score.RulesetID))
	w.writeFixed(int32(replayVersion))
	w.writeString(beatmapChecksum)
	w.writeString(username)
	w.writeString(replayChecksum(score, username))

	stats := header.Statistics
	w.writeFixed(statCount(stats, "great"))
	w.writeFixed(statCount(stats, "ok"))
	w.writeFixed(statCount(stats, "meh"))
	w.writeFixed(statCount(stats, "perfect"))
	w.writeFixed(statCount(stats, "good"))
	w.writeFixed(statCount(stats, "miss"))

	w.writeFixed(int32(score.TotalScore))
	w.writeFixed(int16(score.MaxCombo))
	perfect := stats["miss"] == 0
	if perfect {
		w.writeByte(1)
	} else {
		w.writeByte(0)
	}
	w.writeFixed(modsBitmask(mods))
	w.writeString("") // HP graph, never recorded server-side
	w.writeFixed(unixEpochTicks + endedAt.UTC().UnixNano()/100)

	w.writeCompressed(encodeFrames(frames))
	w.writeFixed(score.ID)

	trailer, err := json.Marshal(scoreInfoTrailer{
		OnlineID:   score.ID,
		UserID:     score.UserID,
		Username:   username,
		BeatmapID:  score.BeatmapID,
		RulesetID:  score.RulesetID,
		Mods:       mods,
		TotalScore: score.TotalScore,
		Accuracy:   score.Accuracy,
		MaxCombo:   score.MaxCombo,
		Statistics: stats,
		Rank:       score.Rank,
		Passed:     score.Passed,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding score trailer: %w", err)
	}
	w.writeCompressed(trailer)

	if w.err != nil {
		return nil, fmt.Errorf("encoding replay: %w", w.err)
	}
	return w.buf.Bytes(), nil
}

// replayChecksum is the replay-identifying hash slot in the header. The
// server has no client hash to reproduce, so it stamps a deterministic
// surrogate.
func replayChecksum(score *store.Score, username string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d-%s-%d", score.ID, username, score.TotalScore)))
	return fmt.Sprintf("%x", sum)
}

// writeReplayFile persists the blob under the replay directory.
func writeReplayFile(dir string, scoreID int64, blob []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating replay directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.osr", scoreID))
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("writing replay: %w", err)
	}
	return path, nil
}
