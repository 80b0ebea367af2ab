package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

type record struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	want := []record{{ID: "a", Value: 1}, {ID: "b", Value: 2}, {ID: "c", Value: 3}}
	for _, r := range want {
		if err := AppendJSONL(path, r); err != nil {
			t.Fatalf("AppendJSONL: %v", err)
		}
	}

	var got []record
	err := ReplayAll(path, func(line []byte) {
		var r record
		if err := json.Unmarshal(line, &r); err == nil {
			got = append(got, r)
		}
	})
	if err != nil {
		t.Fatalf("ReplayAll: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	savedSize, savedRot := MaxRotationSize, MaxRotations
	MaxRotationSize = 1
	MaxRotations = 2
	defer func() { MaxRotationSize, MaxRotations = savedSize, savedRot }()

	for i := 0; i < 5; i++ {
		if err := AppendJSONL(path, record{ID: "x", Value: i}); err != nil {
			t.Fatalf("AppendJSONL: %v", err)
		}
	}

	var count int
	err := ReplayAll(path, func(line []byte) { count++ })
	if err != nil {
		t.Fatalf("ReplayAll: %v", err)
	}
	if count == 0 {
		t.Fatalf("expected rotated records to survive replay")
	}
}
