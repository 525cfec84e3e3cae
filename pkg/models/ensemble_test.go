package models

import (
	"strings"
	"testing"
)

func TestDecodeEnsemble(t *testing.T) {
	input := `{"members":[
		{"weights":[[1,0],[0,1]],"bias":[0,0]},
		{"name":"b2","weights":[[0,1],[1,0]],"bias":[0,0]}
	]}`

	e, err := DecodeEnsemble(strings.NewReader(input))
	if err != nil {
		t.Fatalf("DecodeEnsemble: %v", err)
	}
	if e.Len() != 2 || e.Width() != 2 || e.Classes() != 2 {
		t.Errorf("unexpected shape: len=%d width=%d classes=%d", e.Len(), e.Width(), e.Classes())
	}
	if e.Member(0).Name() != "member-0" {
		t.Errorf("expected default name member-0, got %q", e.Member(0).Name())
	}
	if e.Member(1).Name() != "b2" {
		t.Errorf("expected name b2, got %q", e.Member(1).Name())
	}
}

func TestDecodeEnsemble_Mismatch(t *testing.T) {
	input := `{"members":[
		{"weights":[[1,0],[0,1]],"bias":[0,0]},
		{"weights":[[1],[0]],"bias":[0,0]}
	]}`
	if _, err := DecodeEnsemble(strings.NewReader(input)); err == nil {
		t.Error("expected width mismatch error")
	}
}

func TestNewEnsemble_Empty(t *testing.T) {
	if _, err := NewEnsemble(nil); err == nil {
		t.Error("expected error for empty ensemble")
	}
}
