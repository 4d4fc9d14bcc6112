package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://gazette.example.org/path", "gazette.example.org"},
		{"standard https", "https://Gazette.Example.org/path", "gazette.example.org"},
		{"no scheme", "gazette.example.org/path", "gazette.example.org"},
		{"host with port", "gazette.example.org:8080", "gazette.example.org"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if harvestPagesTotal == nil || harvestRecordsTotal == nil ||
		enrichRecordsTotal == nil || jobsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	harvestPagesTotal.WithLabelValues("civil", "ok").Inc()
	if val := testutil.ToFloat64(harvestPagesTotal); val != 1 {
		t.Errorf("expected harvestPagesTotal to be 1, got %f", val)
	}
}
