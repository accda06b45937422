// Package archive implements the durable, provenance-preserving minute
// and long-form file formats that are the only interface between
// capture and analytics (spec §3, §6, DESIGN NOTES §9).
package archive

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/linkedin/goavro/v2"
	"github.com/n0ise-hf/wwvhf-capture/internal/discontinuity"
	"github.com/n0ise-hf/wwvhf-capture/internal/timesnap"
)

// Minute is one per-channel, per-UTC-minute archive per spec §3.
type Minute struct {
	ChannelName         string
	SSRC                uint32
	FrequencyHz         float64
	SampleRate          uint32
	MinuteBoundaryUTC   time.Time
	RTPTimestampAtStart uint32
	WallClockAtStart    time.Time
	NTPOffsetMs         *float64
	IQ                  []complex64
	Discontinuities     []discontinuity.Record
	TimeSnap            *timesnap.Snap // embedded if established at time of write
}

var minuteCodec = mustCodec(minuteSchema)

func mustCodec(schema string) *goavro.Codec {
	c, err := goavro.NewCodec(schema)
	if err != nil {
		panic(fmt.Sprintf("archive: invalid embedded schema: %v", err))
	}
	return c
}

// FileName returns the canonical archive file name for a minute, per
// spec §6: YYYYMMDDTHHMM00Z_<ssrc>_iq.<ext>.
func FileName(boundary time.Time, ssrc uint32) string {
	return fmt.Sprintf("%s00Z_%d_iq.avro", boundary.UTC().Format("20060102T1504"), ssrc)
}

func (m Minute) toNative() map[string]any {
	iq := make([]any, len(m.IQ))
	for i, s := range m.IQ {
		iq[i] = map[string]any{"re": real(s), "im": imag(s)}
	}

	discs := make([]any, len(m.Discontinuities))
	for i, d := range m.Discontinuities {
		discs[i] = map[string]any{
			"wall_clock":        float64(d.WallClock.UnixNano()) / 1e9,
			"sample_offset":     int64(d.SampleOffset),
			"kind":              d.Kind.String(),
			"magnitude_samples": d.MagnitudeSamples,
			"seq_before":        int32(d.SeqBefore),
			"seq_after":         int32(d.SeqAfter),
			"rtp_before":        int64(d.RTPBefore),
			"rtp_after":         int64(d.RTPAfter),
			"wwv_related":       d.WWVRelated,
			"explanation":       d.Explanation,
		}
	}

	rec := map[string]any{
		"iq":                   iq,
		"sample_rate":          int64(m.SampleRate),
		"rtp_timestamp":        int64(m.RTPTimestampAtStart),
		"unix_timestamp":       float64(m.MinuteBoundaryUTC.Unix()),
		"ntp_wall_clock_time":  nullableDouble(ptrOrNil(m.WallClockAtStart)),
		"ntp_offset_ms":        nullableDouble(m.NTPOffsetMs),
		"channel_name":         m.ChannelName,
		"ssrc":                 int64(m.SSRC),
		"frequency_hz":         m.FrequencyHz,
		"discontinuities":      discs,
		"time_snap_rtp":        nullableLong(nil),
		"time_snap_utc":        nullableDouble(nil),
		"time_snap_source":     nullableString(nil),
		"time_snap_station":    nullableString(nil),
		"time_snap_confidence": nullableFloat(nil),
	}

	if m.TimeSnap != nil {
		rtp := int64(m.TimeSnap.RTPAnchor)
		utc := m.TimeSnap.UTCAnchor
		src := string(m.TimeSnap.Source)
		station := string(m.TimeSnap.Station)
		conf := float32(m.TimeSnap.Confidence)
		rec["time_snap_rtp"] = nullableLong(&rtp)
		rec["time_snap_utc"] = nullableDouble(&utc)
		rec["time_snap_source"] = nullableString(&src)
		rec["time_snap_station"] = nullableString(&station)
		rec["time_snap_confidence"] = nullableFloat(&conf)
	}

	return rec
}

func ptrOrNil(t time.Time) *float64 {
	if t.IsZero() {
		return nil
	}
	v := float64(t.UnixNano()) / 1e9
	return &v
}

func nullableDouble(v *float64) any {
	if v == nil {
		return nil
	}
	return map[string]any{"double": *v}
}

func nullableLong(v *int64) any {
	if v == nil {
		return nil
	}
	return map[string]any{"long": *v}
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return map[string]any{"string": *v}
}

func nullableFloat(v *float32) any {
	if v == nil {
		return nil
	}
	return map[string]any{"float": *v}
}

func minuteFromNative(rec map[string]any) (Minute, error) {
	var m Minute

	iqField, _ := rec["iq"].([]any)
	m.IQ = make([]complex64, len(iqField))
	for i, v := range iqField {
		c := v.(map[string]any)
		m.IQ[i] = complex(c["re"].(float32), c["im"].(float32))
	}

	m.SampleRate = uint32(rec["sample_rate"].(int64))
	m.RTPTimestampAtStart = uint32(rec["rtp_timestamp"].(int64))
	m.MinuteBoundaryUTC = time.Unix(int64(rec["unix_timestamp"].(float64)), 0).UTC()
	m.ChannelName = rec["channel_name"].(string)
	m.SSRC = uint32(rec["ssrc"].(int64))
	m.FrequencyHz = rec["frequency_hz"].(float64)

	if wc, ok := unwrapUnion(rec["ntp_wall_clock_time"]).(float64); ok {
		sec := int64(wc)
		nsec := int64((wc - float64(sec)) * 1e9)
		m.WallClockAtStart = time.Unix(sec, nsec).UTC()
	}
	if off, ok := unwrapUnion(rec["ntp_offset_ms"]).(float64); ok {
		v := off
		m.NTPOffsetMs = &v
	}

	discsField, _ := rec["discontinuities"].([]any)
	m.Discontinuities = make([]discontinuity.Record, len(discsField))
	for i, v := range discsField {
		d := v.(map[string]any)
		wc := d["wall_clock"].(float64)
		sec := int64(wc)
		nsec := int64((wc - float64(sec)) * 1e9)
		m.Discontinuities[i] = discontinuity.Record{
			WallClock:        time.Unix(sec, nsec).UTC(),
			SampleOffset:     int(d["sample_offset"].(int64)),
			Kind:             kindFromString(d["kind"].(string)),
			MagnitudeSamples: d["magnitude_samples"].(int64),
			SeqBefore:        uint16(d["seq_before"].(int32)),
			SeqAfter:         uint16(d["seq_after"].(int32)),
			RTPBefore:        uint32(d["rtp_before"].(int64)),
			RTPAfter:         uint32(d["rtp_after"].(int64)),
			WWVRelated:       d["wwv_related"].(bool),
			Explanation:      d["explanation"].(string),
		}
	}

	if rtp, ok := unwrapUnion(rec["time_snap_rtp"]).(int64); ok {
		snap := &timesnap.Snap{SampleRate: m.SampleRate}
		snap.RTPAnchor = uint32(rtp)
		if utc, ok := unwrapUnion(rec["time_snap_utc"]).(float64); ok {
			snap.UTCAnchor = utc
		}
		if src, ok := unwrapUnion(rec["time_snap_source"]).(string); ok {
			snap.Source = timesnap.Source(src)
		}
		if station, ok := unwrapUnion(rec["time_snap_station"]).(string); ok {
			snap.Station = timesnap.Station(station)
		}
		if conf, ok := unwrapUnion(rec["time_snap_confidence"]).(float32); ok {
			snap.Confidence = float64(conf)
		}
		m.TimeSnap = snap
	}

	return m, nil
}

func unwrapUnion(v any) any {
	if v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for _, inner := range m {
		return inner
	}
	return nil
}

func kindFromString(s string) discontinuity.Kind {
	switch s {
	case "gap":
		return discontinuity.Gap
	case "rtp-reset":
		return discontinuity.RTPReset
	case "sync-adjust":
		return discontinuity.SyncAdjust
	default:
		return discontinuity.Gap
	}
}

// WriteMinuteFile atomically writes m to dir: a temp file in the same
// directory, fsynced, then renamed into place (spec §4.4), so readers
// never observe a partial file.
func WriteMinuteFile(dir string, m Minute) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("archive: mkdir %s: %w", dir, err)
	}

	finalName := filepath.Join(dir, FileName(m.MinuteBoundaryUTC, m.SSRC))
	tmpName := finalName + ".tmp"

	f, err := os.Create(tmpName)
	if err != nil {
		return fmt.Errorf("archive: create temp file: %w", err)
	}

	ocfWriter, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               f,
		Codec:           minuteCodec,
		CompressionName: goavro.CompressionDeflateLabel,
	})
	if err != nil {
		f.Close()
		os.Remove(tmpName)
		return fmt.Errorf("archive: new OCF writer: %w", err)
	}

	if err := ocfWriter.Append([]any{m.toNative()}); err != nil {
		f.Close()
		os.Remove(tmpName)
		return fmt.Errorf("archive: append record: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpName)
		return fmt.Errorf("archive: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("archive: close: %w", err)
	}
	if err := os.Rename(tmpName, finalName); err != nil {
		return fmt.Errorf("archive: rename into place: %w", err)
	}
	return nil
}

// ReadMinuteFile reads a single-record minute archive file back.
func ReadMinuteFile(path string) (Minute, error) {
	f, err := os.Open(path)
	if err != nil {
		return Minute{}, fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	reader, err := goavro.NewOCFReader(bufio.NewReader(f))
	if err != nil {
		return Minute{}, fmt.Errorf("archive: new OCF reader: %w", err)
	}

	if !reader.Scan() {
		return Minute{}, fmt.Errorf("archive: %s has no records", path)
	}
	rec, err := reader.Read()
	if err != nil {
		return Minute{}, fmt.Errorf("archive: read record: %w", err)
	}

	native, ok := rec.(map[string]any)
	if !ok {
		return Minute{}, fmt.Errorf("archive: unexpected record shape in %s", path)
	}
	return minuteFromNative(native)
}
