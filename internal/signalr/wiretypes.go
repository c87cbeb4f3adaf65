package signalr

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Timestamp is a point in time carried as the client's DateTimeOffset:
// a 2-element messagepack array of [timestamp, offset-minutes], plain
// RFC 3339 in json (inherited from time.Time).
type Timestamp struct {
	time.Time
}

// Now returns the current instant in UTC.
func Now() Timestamp {
	return Timestamp{Time: time.Now().UTC()}
}

func (t Timestamp) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeTime(t.Time.UTC()); err != nil {
		return err
	}
	return enc.EncodeInt32(0)
}

func (t *Timestamp) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if n != 2 {
		return fmt.Errorf("timestamp: expected 2 elements, got %d", n)
	}
	instant, err := dec.DecodeTime()
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	offsetMinutes, err := dec.DecodeInt()
	if err != nil {
		return fmt.Errorf("timestamp offset: %w", err)
	}
	t.Time = instant.In(time.FixedZone("", offsetMinutes*60))
	return nil
}

// A tick on the wire is 100 ns.
const nanosPerTick = 100

// Duration is a span of time carried as the client's TimeSpan: ticks of
// 100 ns on the messagepack wire, "[-][d.]hh:mm:ss[.fffffff]" in json.
type Duration time.Duration

// Std converts back to the runtime's duration type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeInt64(int64(d) / nanosPerTick)
}

func (d *Duration) DecodeMsgpack(dec *msgpack.Decoder) error {
	ticks, err := dec.DecodeInt64()
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(ticks * nanosPerTick)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.constantFormat())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := parseConstantFormat(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) constantFormat() string {
	v := time.Duration(d)
	var sb strings.Builder
	if v < 0 {
		sb.WriteByte('-')
		v = -v
	}
	days := v / (24 * time.Hour)
	v -= days * 24 * time.Hour
	hours := v / time.Hour
	v -= hours * time.Hour
	minutes := v / time.Minute
	v -= minutes * time.Minute
	seconds := v / time.Second
	v -= seconds * time.Second
	ticks := v.Nanoseconds() / nanosPerTick

	if days > 0 {
		fmt.Fprintf(&sb, "%d.", days)
	}
	fmt.Fprintf(&sb, "%02d:%02d:%02d", hours, minutes, seconds)
	if ticks > 0 {
		fmt.Fprintf(&sb, ".%07d", ticks)
	}
	return sb.String()
}

func parseConstantFormat(s string) (Duration, error) {
	orig := s
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var days int64
	if dot := strings.IndexByte(s, '.'); dot >= 0 && dot < strings.IndexByte(s, ':') {
		if _, err := fmt.Sscanf(s[:dot], "%d", &days); err != nil {
			return 0, fmt.Errorf("duration %q: %w", orig, err)
		}
		s = s[dot+1:]
	}

	var hours, minutes int64
	var secondsPart string
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("duration %q: expected hh:mm:ss", orig)
	}
	if _, err := fmt.Sscanf(parts[0], "%d", &hours); err != nil {
		return 0, fmt.Errorf("duration %q: %w", orig, err)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &minutes); err != nil {
		return 0, fmt.Errorf("duration %q: %w", orig, err)
	}
	secondsPart = parts[2]

	var seconds int64
	var fraction time.Duration
	if dot := strings.IndexByte(secondsPart, '.'); dot >= 0 {
		frac := secondsPart[dot+1:]
		secondsPart = secondsPart[:dot]
		// Pad or trim to 7 fractional digits (ticks).
		for len(frac) < 7 {
			frac += "0"
		}
		frac = frac[:7]
		var ticks int64
		if _, err := fmt.Sscanf(frac, "%d", &ticks); err != nil {
			return 0, fmt.Errorf("duration %q: %w", orig, err)
		}
		fraction = time.Duration(ticks * nanosPerTick)
	}
	if _, err := fmt.Sscanf(secondsPart, "%d", &seconds); err != nil {
		return 0, fmt.Errorf("duration %q: %w", orig, err)
	}

	total := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		fraction
	if neg {
		total = -total
	}
	return Duration(total), nil
}
