package main

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/callidora/calli/internal/config"
)

func TestRegisterBuiltinProviders(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	names := reg.LLMNames()
	for _, want := range config.ValidLLMProviders {
		if !slices.Contains(names, want) {
			t.Errorf("provider %q not registered", want)
		}
	}

	p, err := reg.CreateLLM(config.LLMConfig{Name: "openai", APIKey: "sk-test", Model: "gpt-4.1-mini", API: "chat"})
	if err != nil {
		t.Fatalf("CreateLLM(openai): %v", err)
	}
	if p == nil {
		t.Fatal("CreateLLM(openai) returned nil provider")
	}

	if _, err := reg.CreateLLM(config.LLMConfig{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestOptString(t *testing.T) {
	opts := map[string]any{"organization": "org-1", "n": 3}
	if got := optString(opts, "organization"); got != "org-1" {
		t.Errorf("organization = %q", got)
	}
	if got := optString(opts, "n"); got != "" {
		t.Errorf("non-string value = %q", got)
	}
	if got := optString(nil, "x"); got != "" {
		t.Errorf("nil map = %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, config.LogFormatJSON, config.LogWarn.Level()).Info("hidden")
	newLogger(&buf, config.LogFormatJSON, config.LogWarn.Level()).Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("json logger output = %q", out)
	}

	buf.Reset()
	newLogger(&buf, config.LogFormatText, config.LogDebug.Level()).Debug("dbg")
	if !strings.Contains(buf.String(), "msg=dbg") {
		t.Errorf("text logger output = %q", buf.String())
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "calli "+version+"\n" {
		t.Errorf("version output = %q", got)
	}
}
