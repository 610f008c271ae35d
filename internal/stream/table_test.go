package stream

import (
	"testing"

	"github.com/hitoshi/stravasync/internal/strava"
)

func TestBuildTable_NullsBecomeEmptyCells(t *testing.T) {
	table, err := BuildTable(strava.StreamSet{
		"altitude": {Data: []byte(`[10.5,null,11]`)},
		"latlng":   {Data: []byte(`[[1,2],null]`)},
	})
	if err != nil {
		t.Fatalf("BuildTable failed: %v", err)
	}

	// 列順はStreamKeysに従う（altitude → latlng）
	want := []string{"altitude", "lat", "lng"}
	for i, c := range want {
		if table.Columns[i] != c {
			t.Errorf("column[%d] = %q, want %q", i, table.Columns[i], c)
		}
	}
	if table.Rows[1][0] != "" || table.Rows[1][1] != "" {
		t.Errorf("nullは空セル: %v", table.Rows[1])
	}
	if table.Rows[2][1] != "" {
		t.Errorf("latlngより長い行は空セル: %v", table.Rows[2])
	}
}

func TestBuildTable_IgnoresUnknownChannels(t *testing.T) {
	table, err := BuildTable(strava.StreamSet{
		"watts": {Data: []byte(`[100]`)},
		"time":  {Data: []byte(`[0]`)},
	})
	if err != nil {
		t.Fatalf("BuildTable failed: %v", err)
	}
	if len(table.Columns) != 1 || table.Columns[0] != "time" {
		t.Errorf("columns = %v, want [time]", table.Columns)
	}
}

func TestTable_Columnar(t *testing.T) {
	table := &Table{
		Columns: []string{"time", "heartrate"},
		Rows:    [][]string{{"0", "120"}, {"1", ""}},
	}

	got := table.Columnar()
	if got["time"]["1"] != 1.0 {
		t.Errorf("time[1] = %v, want 1", got["time"]["1"])
	}
	if got["heartrate"]["0"] != 120.0 {
		t.Errorf("heartrate[0] = %v, want 120", got["heartrate"]["0"])
	}
	if v, ok := got["heartrate"]["1"]; !ok || v != nil {
		t.Errorf("空セルはnullとして出力すること: %v (present=%v)", v, ok)
	}
}

func TestFileStore_WriteReadRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	in := &Table{Columns: []string{"time", "lat"}, Rows: [][]string{{"0", "35.1"}, {"1", ""}}}
	path, err := store.Write(42, in)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if path != store.Path(42) {
		t.Errorf("path = %q, want %q", path, store.Path(42))
	}

	out, err := store.Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(out.Rows) != 2 || out.Rows[0][1] != "35.1" || out.Rows[1][1] != "" {
		t.Errorf("rows = %v", out.Rows)
	}

	if err := store.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := store.Remove(path); err != nil {
		t.Errorf("存在しないファイルのRemoveはnil: %v", err)
	}
}
