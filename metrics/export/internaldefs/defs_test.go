package internaldefs

import (
	"strings"
	"testing"

	"github.com/MrEthical07/mailauth"
)

func TestCounterDefsUniqueAndPrefixed(t *testing.T) {
	names := make(map[string]bool, len(CounterDefs))
	ids := make(map[mailauth.MetricID]bool, len(CounterDefs))
	for _, def := range CounterDefs {
		if !strings.HasPrefix(def.Name, "mailauth_") || !strings.HasSuffix(def.Name, "_total") {
			t.Fatalf("unexpected counter name %q", def.Name)
		}
		if names[def.Name] {
			t.Fatalf("duplicate counter name %q", def.Name)
		}
		if ids[def.ID] {
			t.Fatalf("duplicate counter id %d", def.ID)
		}
		if def.ID == mailauth.MetricAuthenticateLatency {
			t.Fatal("latency histogram must not be exported as a counter")
		}
		names[def.Name] = true
		ids[def.ID] = true
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 3}))
	want := [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(HistogramBounds) != len(got) || len(HistogramBoundSuffix) != len(got) {
		t.Fatal("bucket bound tables out of sync")
	}
}
