package archive

// minuteSchema is the Avro record schema for one per-channel, per-UTC-minute
// archive file (spec §3/§6). Avro's Object Container Format gives us the
// "compressed container holding a dictionary of named arrays" the spec asks
// for while staying completely self-describing: the schema travels with
// every file, so a reader never needs out-of-band knowledge of field types.
const minuteSchema = `{
  "type": "record",
  "name": "MinuteArchive",
  "namespace": "wwvhf.capture",
  "fields": [
    {"name": "iq", "type": {"type": "array", "items": {
      "type": "record", "name": "Complex", "fields": [
        {"name": "re", "type": "float"},
        {"name": "im", "type": "float"}
      ]
    }}},
    {"name": "sample_rate", "type": "long"},
    {"name": "rtp_timestamp", "type": "long"},
    {"name": "unix_timestamp", "type": "double"},
    {"name": "ntp_wall_clock_time", "type": ["null", "double"]},
    {"name": "ntp_offset_ms", "type": ["null", "double"]},
    {"name": "channel_name", "type": "string"},
    {"name": "ssrc", "type": "long"},
    {"name": "frequency_hz", "type": "double"},
    {"name": "discontinuities", "type": {"type": "array", "items": {
      "type": "record", "name": "Discontinuity", "fields": [
        {"name": "wall_clock", "type": "double"},
        {"name": "sample_offset", "type": "long"},
        {"name": "kind", "type": "string"},
        {"name": "magnitude_samples", "type": "long"},
        {"name": "seq_before", "type": "int"},
        {"name": "seq_after", "type": "int"},
        {"name": "rtp_before", "type": "long"},
        {"name": "rtp_after", "type": "long"},
        {"name": "wwv_related", "type": "boolean"},
        {"name": "explanation", "type": "string"}
      ]
    }}},
    {"name": "time_snap_rtp", "type": ["null", "long"]},
    {"name": "time_snap_utc", "type": ["null", "double"]},
    {"name": "time_snap_source", "type": ["null", "string"]},
    {"name": "time_snap_station", "type": ["null", "string"]},
    {"name": "time_snap_confidence", "type": ["null", "float"]}
  ]
}`

// longformSchema is the Avro record schema for the continuous hourly 10Hz
// archive (spec §4.11/§6). One record per source minute: 600 decimated
// complex samples plus the metadata needed to recover each sample's UTC
// and quality without consulting the minute archives.
const longformSchema = `{
  "type": "record",
  "name": "LongFormSegment",
  "namespace": "wwvhf.capture",
  "fields": [
    {"name": "segment_start_utc", "type": "double"},
    {"name": "sample_rate_hz", "type": "double"},
    {"name": "iq", "type": {"type": "array", "items": {
      "type": "record", "name": "ComplexLF", "fields": [
        {"name": "re", "type": "float"},
        {"name": "im", "type": "float"}
      ]
    }}},
    {"name": "channel_name", "type": "string"},
    {"name": "session_id", "type": "string"},
    {"name": "quality", "type": "string"},
    {"name": "time_snap_station", "type": ["null", "string"]}
  ]
}`
