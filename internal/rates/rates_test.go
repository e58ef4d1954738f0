package rates

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestRateLookupAndFallback(t *testing.T) {
	table := New(map[string]int{"cpu": 1, "gpu": 2, "npu": 4}, 1)

	if got := table.Rate("gpu"); got != 2 {
		t.Errorf("gpu: expected 2, got %d", got)
	}
	// unknown types fall back to the cpu entry
	if got := table.Rate("tpu"); got != 1 {
		t.Errorf("unknown type: expected cpu rate 1, got %d", got)
	}

	noCPU := New(map[string]int{"gpu": 2}, 3)
	if got := noCPU.Rate("fpga"); got != 3 {
		t.Errorf("expected fallback rate 3, got %d", got)
	}
}

func TestCost(t *testing.T) {
	table := New(map[string]int{"gpu": 2}, 1)
	if got := table.Cost("gpu", 23); got != 46 {
		t.Errorf("expected 46, got %d", got)
	}
	if got := table.Cost("gpu", -5); got != 0 {
		t.Errorf("negative minutes must cost nothing, got %d", got)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	content := `
rates:
  cpu: 1
  gpu: 2
  npu: 4
fallback_rate: 1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := map[string]int{"cpu": 1, "gpu": 2, "npu": 4}
	if !reflect.DeepEqual(table.Map(), want) {
		t.Errorf("expected %v, got %v", want, table.Map())
	}
	if keys := table.Keys(); !reflect.DeepEqual(keys, []string{"cpu", "gpu", "npu"}) {
		t.Errorf("unexpected keys: %v", keys)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBillableMinutes(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 1},
		{-time.Minute, 1},
		{30 * time.Second, 1},
		{time.Minute, 1},
		{time.Minute + time.Second, 2},
		{22*time.Minute + 15*time.Second, 23},
		{60 * time.Minute, 60},
	}
	for _, c := range cases {
		if got := BillableMinutes(c.elapsed); got != c.want {
			t.Errorf("BillableMinutes(%v): expected %d, got %d", c.elapsed, c.want, got)
		}
	}
}
