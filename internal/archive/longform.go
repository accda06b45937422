package archive

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/linkedin/goavro/v2"
)

var longformCodec = mustCodec(longformSchema)

// LongFormSegment is one minute's worth of decimated (10Hz) samples
// appended to the continuous hourly archive (spec §4.11/§6).
type LongFormSegment struct {
	SegmentStartUTC time.Time
	SampleRateHz    float64
	IQ              []complex64
	ChannelName     string
	SessionID       string
	Quality         string
	TimeSnapStation string // empty if no time-snap is active
}

func (s LongFormSegment) toNative() map[string]any {
	iq := make([]any, len(s.IQ))
	for i, c := range s.IQ {
		iq[i] = map[string]any{"re": real(c), "im": imag(c)}
	}
	rec := map[string]any{
		"segment_start_utc": float64(s.SegmentStartUTC.UnixNano()) / 1e9,
		"sample_rate_hz":    s.SampleRateHz,
		"iq":                iq,
		"channel_name":      s.ChannelName,
		"session_id":        s.SessionID,
		"quality":           s.Quality,
		"time_snap_station": nullableString(nil),
	}
	if s.TimeSnapStation != "" {
		v := s.TimeSnapStation
		rec["time_snap_station"] = nullableString(&v)
	}
	return rec
}

// LongFormWriter appends decimated minute segments to an hourly-rotated
// Avro OCF file. Unlike the minute archive, this file is appended to
// incrementally rather than written atomically in one shot, since it
// accumulates continuously through the hour. ReadLongFormFile reads
// whatever records a file holds, including the hour still being written.
type LongFormWriter struct {
	dir         string
	channelName string

	currentHour time.Time
	file        *os.File
	ocf         *goavro.OCFWriter
}

// NewLongFormWriter constructs a writer rooted at dir for one channel.
func NewLongFormWriter(dir, channelName string) *LongFormWriter {
	return &LongFormWriter{dir: dir, channelName: channelName}
}

func (w *LongFormWriter) hourFileName(hour time.Time) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s_longform.avro", w.channelName, hour.UTC().Format("20060102T15")))
}

// Append writes one decimated minute segment, rotating to a new hourly
// file when seg crosses into a new UTC hour.
func (w *LongFormWriter) Append(seg LongFormSegment) error {
	hour := seg.SegmentStartUTC.UTC().Truncate(time.Hour)
	if w.ocf == nil || !hour.Equal(w.currentHour) {
		if err := w.rotate(hour); err != nil {
			return err
		}
	}
	return w.ocf.Append([]any{seg.toNative()})
}

func (w *LongFormWriter) rotate(hour time.Time) error {
	if w.file != nil {
		w.file.Close()
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("archive: mkdir %s: %w", w.dir, err)
	}

	path := w.hourFileName(hour)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open longform file %s: %w", path, err)
	}

	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               f,
		Codec:           longformCodec,
		CompressionName: goavro.CompressionDeflateLabel,
	})
	if err != nil {
		f.Close()
		return fmt.Errorf("archive: new longform OCF writer: %w", err)
	}

	w.file = f
	w.ocf = ocf
	w.currentHour = hour
	return nil
}

// Close closes the currently open hourly file, if any.
func (w *LongFormWriter) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// ReadLongFormFile reads every segment back from one hourly file, in
// append order.
func ReadLongFormFile(path string) ([]LongFormSegment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	reader, err := goavro.NewOCFReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("archive: new OCF reader: %w", err)
	}

	var segs []LongFormSegment
	for reader.Scan() {
		rec, err := reader.Read()
		if err != nil {
			return segs, fmt.Errorf("archive: read record: %w", err)
		}
		native := rec.(map[string]any)
		segs = append(segs, longFormFromNative(native))
	}
	return segs, nil
}

func longFormFromNative(rec map[string]any) LongFormSegment {
	var s LongFormSegment
	t := rec["segment_start_utc"].(float64)
	sec := int64(t)
	nsec := int64((t - float64(sec)) * 1e9)
	s.SegmentStartUTC = time.Unix(sec, nsec).UTC()
	s.SampleRateHz = rec["sample_rate_hz"].(float64)
	s.ChannelName = rec["channel_name"].(string)
	s.SessionID = rec["session_id"].(string)
	s.Quality = rec["quality"].(string)
	if station, ok := unwrapUnion(rec["time_snap_station"]).(string); ok {
		s.TimeSnapStation = station
	}

	iqField, _ := rec["iq"].([]any)
	s.IQ = make([]complex64, len(iqField))
	for i, v := range iqField {
		c := v.(map[string]any)
		s.IQ[i] = complex(c["re"].(float32), c["im"].(float32))
	}
	return s
}
