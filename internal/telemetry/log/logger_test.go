// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
	if cfg.AddSource {
		t.Errorf("expected default AddSource to be false")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantLvl string
		wantFmt Format
		wantSrc bool
	}{
		{
			name:    "defaults when no env vars",
			envVars: map[string]string{},
			wantLvl: "info",
			wantFmt: FormatJSON,
		},
		{
			name:    "FAASR_LOG_LEVEL overrides level",
			envVars: map[string]string{"FAASR_LOG_LEVEL": "WARN"},
			wantLvl: "warn",
			wantFmt: FormatJSON,
		},
		{
			name:    "FAASR_LOG_FORMAT overrides format",
			envVars: map[string]string{"FAASR_LOG_FORMAT": "TEXT"},
			wantLvl: "info",
			wantFmt: FormatText,
		},
		{
			name:    "FAASR_DEBUG takes precedence over FAASR_LOG_LEVEL",
			envVars: map[string]string{"FAASR_DEBUG": "1", "FAASR_LOG_LEVEL": "error"},
			wantLvl: "debug",
			wantFmt: FormatJSON,
			wantSrc: true,
		},
		{
			name:    "FAASR_LOG_SOURCE enables source",
			envVars: map[string]string{"FAASR_LOG_SOURCE": "1"},
			wantLvl: "info",
			wantFmt: FormatJSON,
			wantSrc: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"FAASR_DEBUG", "FAASR_LOG_LEVEL", "FAASR_LOG_FORMAT", "FAASR_LOG_SOURCE"} {
				os.Unsetenv(k)
			}
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			cfg := FromEnv()
			if cfg.Level != tt.wantLvl {
				t.Errorf("Level = %q, want %q", cfg.Level, tt.wantLvl)
			}
			if cfg.Format != tt.wantFmt {
				t.Errorf("Format = %q, want %q", cfg.Format, tt.wantFmt)
			}
			if cfg.AddSource != tt.wantSrc {
				t.Errorf("AddSource = %v, want %v", cfg.AddSource, tt.wantSrc)
			}
		})
	}
}

func TestNewEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("something happened", "key", "value")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got error: %v (line: %s)", err, buf.String())
	}
	if decoded["msg"] != "something happened" {
		t.Errorf("msg = %v, want %q", decoded["msg"], "something happened")
	}
}

func TestNewEmitsText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})

	logger.Info("something happened")

	if buf.Len() == 0 {
		t.Fatal("expected non-empty text output")
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err == nil {
		t.Fatalf("expected non-JSON text output, got valid JSON: %s", buf.String())
	}
}

func TestNewNilConfigFallsBackToDefaults(t *testing.T) {
	logger := New(nil)
	if logger == nil {
		t.Fatal("expected a non-nil logger when cfg is nil")
	}
}

func TestWithWorkflowAddsFieldsAndUniqueRunID(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	base1 := New(&Config{Level: "info", Format: FormatJSON, Output: &buf1})
	base2 := New(&Config{Level: "info", Format: FormatJSON, Output: &buf2})

	l1 := WithWorkflow(base1, "wf", "inv-1")
	l2 := WithWorkflow(base2, "wf", "inv-1")

	l1.Info("tick")
	l2.Info("tick")

	var d1, d2 map[string]any
	if err := json.Unmarshal(buf1.Bytes(), &d1); err != nil {
		t.Fatalf("unmarshal buf1: %v", err)
	}
	if err := json.Unmarshal(buf2.Bytes(), &d2); err != nil {
		t.Fatalf("unmarshal buf2: %v", err)
	}

	if d1[WorkflowKey] != "wf" || d1[InvocationKey] != "inv-1" {
		t.Errorf("missing workflow/invocation fields: %v", d1)
	}
	if d1[RunKey] == nil || d1[RunKey] == "" {
		t.Errorf("expected a non-empty run id, got %v", d1[RunKey])
	}
	if d1[RunKey] == d2[RunKey] {
		t.Errorf("expected distinct run ids across separate WithWorkflow calls, got %v twice", d1[RunKey])
	}
}

func TestWithFunctionAddsField(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	l := WithFunction(base, "f2")

	l.Info("tick")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded[FunctionKey] != "f2" {
		t.Errorf("missing function field: %v", decoded)
	}
}

func TestErrorAttr(t *testing.T) {
	attr := Error(errors.New("boom"))
	if attr.Key != "error" {
		t.Errorf("attr key = %q, want %q", attr.Key, "error")
	}
	if attr.Value.String() == "" {
		t.Errorf("expected non-empty error value")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]bool{
		"debug":   true,
		"info":    true,
		"warn":    true,
		"warning": true,
		"error":   true,
		"bogus":   true, // falls back to info, not an error
	}
	for level := range tests {
		cfg := &Config{Level: level, Format: FormatJSON, Output: &bytes.Buffer{}}
		if logger := New(cfg); logger == nil {
			t.Errorf("New with level %q returned nil logger", level)
		}
	}
}
