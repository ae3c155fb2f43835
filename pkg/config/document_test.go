package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/marquee-labs/marquee/pkg/eligibility"
)

func newParser(t *testing.T) *PolicyDocumentParser {
	t.Helper()
	p, err := NewPolicyDocumentParser()
	if err != nil {
		t.Fatalf("failed to create parser: %v", err)
	}
	return p
}

func TestParseBytes_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "cue",
			file: "default.cue",
			content: `
name:        "default"
description: "US and UK English catalog"
config: {
	allowedCountries: ["US", "GB"]
	allowedLanguages: ["en"]
	breakoutRules: [{
		id:       "hits"
		priority: 1
		requirements: minImdbVotes: 50000
	}]
}
`,
		},
		{
			name: "yaml",
			file: "default.yaml",
			content: `
name: default
description: US and UK English catalog
config:
  allowedCountries: [US, GB]
  allowedLanguages: [en]
  breakoutRules:
    - id: hits
      priority: 1
      requirements:
        minImdbVotes: 50000
`,
		},
		{
			name: "json",
			file: "default.json",
			content: `{
  "name": "default",
  "description": "US and UK English catalog",
  "config": {
    "allowedCountries": ["US", "GB"],
    "allowedLanguages": ["en"],
    "breakoutRules": [{"id": "hits", "priority": 1, "requirements": {"minImdbVotes": 50000}}]
  }
}`,
		},
	}

	p := newParser(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := p.ParseBytes(tt.file, []byte(tt.content))
			if err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			if doc.Name != "default" || doc.Source != tt.file {
				t.Errorf("unexpected document header: %+v", doc)
			}
			cfg := doc.Config
			if len(cfg.AllowedCountries) != 2 || cfg.AllowedLanguages[0] != "en" {
				t.Errorf("unexpected allow lists: %+v", cfg)
			}
			if cfg.BlockMode != eligibility.BlockModeAny || cfg.EligibilityMode != eligibility.EligibilityModeStrict {
				t.Errorf("expected schema defaults, got %s/%s", cfg.BlockMode, cfg.EligibilityMode)
			}
			if len(cfg.BreakoutRules) != 1 || cfg.BreakoutRules[0].Requirements.MinImdbVotes == nil ||
				*cfg.BreakoutRules[0].Requirements.MinImdbVotes != 50000 {
				t.Errorf("unexpected breakout rules: %+v", cfg.BreakoutRules)
			}
		})
	}
}

func TestParseBytes_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		wantPath string
		wantLine bool
	}{
		{
			name:     "lowercase country",
			file:     "bad.yaml",
			content:  "name: bad\nconfig:\n  allowedCountries: [us]\n",
			wantPath: "config.allowedCountries",
		},
		{
			name:     "unknown block mode",
			file:     "bad.cue",
			content:  "name: \"bad\"\nconfig: blockMode: \"SOME\"\n",
			wantPath: "config.blockMode",
			wantLine: true,
		},
		{
			name:     "unknown field",
			file:     "bad.json",
			content:  `{"name": "bad", "config": {"allowCountries": ["US"]}}`,
			wantPath: "config.allowCountries",
		},
		{
			name:     "missing name",
			file:     "bad.cue",
			content:  "config: {}\n",
			wantPath: "name",
		},
		{
			name:     "no allow lists",
			file:     "broken.json",
			content:  `{"name": "broken"}`,
			wantPath: "config.allowedCountries",
		},
		{
			name:     "country both allowed and blocked",
			file:     "bad.yaml",
			content:  "name: bad\nconfig:\n  allowedCountries: [KR]\n  blockedCountries: [KR]\n",
			wantPath: "config.blockedCountries",
		},
		{
			name:     "syntax error",
			file:     "bad.cue",
			content:  "name: \"bad\nconfig: {",
			wantLine: true,
		},
	}

	p := newParser(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ParseBytes(tt.file, []byte(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
			}

			found := tt.wantPath == ""
			for _, ve := range verrs {
				if tt.wantPath != "" && strings.HasPrefix(ve.Path, tt.wantPath) {
					found = true
				}
				if ve.File == "" {
					t.Errorf("error has no file: %+v", ve)
				}
				if strings.HasPrefix(ve.Path, "#") {
					t.Errorf("path still carries the schema definition: %+v", ve)
				}
			}
			if !found {
				t.Errorf("expected an error at %s, got %v", tt.wantPath, verrs)
			}
			if tt.wantLine && verrs[0].Line == 0 {
				t.Errorf("expected a line number, got %+v", verrs[0])
			}
		})
	}
}

func TestParseBytes_UnsupportedFormat(t *testing.T) {
	p := newParser(t)
	if _, err := p.ParseBytes("policy.toml", []byte("name = 'x'")); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestParseDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yaml", "name: b\nconfig:\n  allowedLanguages: [en]\n")
	writeFile(t, dir, "a.cue", "name: \"a\"\nconfig: {\n\tallowedCountries: [\"US\"]\n\teligibilityMode: \"RELAXED\"\n}\n")
	writeFile(t, dir, "broken.json", `{"name": "broken", "config": {"blockMode": 1}}`)
	writeFile(t, dir, "README.md", "not a policy")

	docs, err := newParser(t).ParseDir(dir)
	if err == nil || !strings.Contains(err.Error(), "broken.json") {
		t.Errorf("expected error naming broken.json, got %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[0].Name != "a" || docs[1].Name != "b" {
		t.Errorf("expected documents in file name order, got %s, %s", docs[0].Name, docs[1].Name)
	}
	if docs[0].Config.EligibilityMode != eligibility.EligibilityModeRelaxed {
		t.Errorf("expected RELAXED, got %s", docs[0].Config.EligibilityMode)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	single := ValidationErrors{{File: "p.cue", Line: 3, Column: 2, Path: "config.blockMode", Message: "conflicting values"}}
	if got := single.Error(); got != "invalid policy document: p.cue:3:2: config.blockMode: conflicting values" {
		t.Errorf("unexpected message: %s", got)
	}

	multi := ValidationErrors{{Message: "one"}, {Message: "two"}}
	if got := multi.Error(); !strings.HasPrefix(got, "invalid policy document, 2 errors:") {
		t.Errorf("unexpected message: %s", got)
	}
}
