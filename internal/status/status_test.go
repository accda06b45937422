package status

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "wwv10")
	c := Channel{
		Channel:          "wwv10",
		PacketsReceived:  1000,
		CompletenessPct:  99.9,
		TimeSnap:         &TimeSnapStatus{RTP: 123, UTC: 456.0, Source: "wwv-verified", Station: "WWV", Confidence: 0.9},
		NTP:              NTPStatus{Synced: true, OffsetMs: 1.2},
		LastDetections:   []Detection{{Station: "WWVH", FreqHz: 1200, Confidence: 0.7, UsedForSnap: false}},
		GeneratedAt:      time.Now(),
	}
	require.NoError(t, w.Write(c))

	got, err := Read(w.path)
	require.NoError(t, err)
	assert.Equal(t, "wwv10", got.Channel)
	assert.Equal(t, uint64(1000), got.PacketsReceived)
	require.NotNil(t, got.TimeSnap)
	assert.Equal(t, "WWV", got.TimeSnap.Station)
	require.Len(t, got.LastDetections, 1)
	assert.Equal(t, "WWVH", got.LastDetections[0].Station)
	assert.False(t, got.LastDetections[0].UsedForSnap)
}

func TestHTTPStatusEndpoint(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "wwv10")
	require.NoError(t, w.Write(Channel{Channel: "wwv10", PacketsReceived: 42}))

	r := mux.NewRouter()
	(&Server{Dir: dir}).MountRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/status/wwv10", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "\"packets_received\":42")
}

func TestHTTPStatusEndpointMissingChannel(t *testing.T) {
	r := mux.NewRouter()
	(&Server{Dir: t.TempDir()}).MountRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/status/nosuch", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPMetricsEndpointServesPrometheusFormat(t *testing.T) {
	r := mux.NewRouter()
	(&Server{Dir: t.TempDir()}).MountRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNilPublisherAddressIsNoOp(t *testing.T) {
	p, err := NewPublisher("", "wwvhf.status", zerolog.Nop())
	require.NoError(t, err)
	p.PublishChannel("wwv10", Channel{Channel: "wwv10"})
	p.PublishDetection("wwv10", Detection{Station: "WWV"})
	p.Close()
}
