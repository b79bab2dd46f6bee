package bootlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewStageStepDone(t *testing.T) {
	var buf bytes.Buffer
	s := NewStage(&buf, 3, "booting cores")
	if s == nil {
		t.Fatalf("NewStage() = nil")
	}
	s.Step()
	s.Step()
	s.Step()
	s.Done()
}

func TestNewStageNilWriterDiscards(t *testing.T) {
	s := NewStage(nil, 2, "loading modules")
	s.Step()
	s.Done()
}

func TestLogf(t *testing.T) {
	var buf bytes.Buffer
	Logf(&buf, "loaded module %s chunk=%#x", "filecore", 0x400)
	if !strings.Contains(buf.String(), "filecore") || !strings.Contains(buf.String(), "0x400") {
		t.Fatalf("Logf() output = %q, missing expected fields", buf.String())
	}
}

func TestLogfNilWriterDiscards(t *testing.T) {
	Logf(nil, "this must not panic")
}
