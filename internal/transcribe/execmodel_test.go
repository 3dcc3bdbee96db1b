package transcribe

import "testing"

func TestExecModelLoadMissingBinary(t *testing.T) {
	m := NewExecModel("definitely-not-a-real-binary-xyz", "/models/none.bin")
	if err := m.Load(); err == nil {
		t.Error("expected error for a binary not on PATH")
	}
}

func TestExecModelLoadFindsShell(t *testing.T) {
	// /bin/sh stands in for a real whisper.cpp-style binary here: Load only
	// resolves the path, it never invokes the binary.
	m := NewExecModel("sh", "/models/none.bin")
	if err := m.Load(); err != nil {
		t.Errorf("Load() = %v, want nil for a binary resolvable via PATH", err)
	}
}
