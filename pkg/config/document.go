package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cuejson "cuelang.org/go/encoding/json"
	cueyaml "cuelang.org/go/encoding/yaml"

	"github.com/marquee-labs/marquee/pkg/eligibility"
)

//go:embed schema/policy.cue
var policySchema []byte

// PolicyDocument is a named policy configuration as written by an operator.
type PolicyDocument struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	CreatedBy   string                   `json:"createdBy,omitempty"`
	Config      eligibility.PolicyConfig `json:"config"`

	// Source is the file the document was read from.
	Source string `json:"-"`
}

// PolicyDocumentParser parses policy documents against the embedded schema.
// It is safe for concurrent use.
type PolicyDocumentParser struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewPolicyDocumentParser compiles the embedded schema.
func NewPolicyDocumentParser() (*PolicyDocumentParser, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(policySchema, cue.Filename("policy.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile policy schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#PolicyDocument"))
	if !def.Exists() {
		return nil, fmt.Errorf("policy schema does not define #PolicyDocument")
	}
	return &PolicyDocumentParser{ctx: ctx, schema: def}, nil
}

// IsPolicyDocument reports whether path has an extension ParseFile accepts.
func IsPolicyDocument(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

// ParseFile reads and parses one document. The format follows the extension.
func (p *PolicyDocumentParser) ParseFile(path string) (*PolicyDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy document %s: %w", path, err)
	}
	return p.ParseBytes(path, data)
}

// ParseBytes parses a document held in memory. name picks the format by
// extension and is used in error positions.
func (p *PolicyDocumentParser) ParseBytes(name string, data []byte) (*PolicyDocument, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	val, err := p.build(name, data)
	if err != nil {
		return nil, err
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(name, err)
	}

	doc := &PolicyDocument{Source: name}
	if err := unified.Decode(doc); err != nil {
		return nil, ValidationErrors{{File: name, Message: fmt.Sprintf("failed to decode document: %v", err)}}
	}

	if err := eligibility.ValidatePolicyConfig(doc.Config); err != nil {
		return nil, fromPolicyError(name, err)
	}
	return doc, nil
}

// ParseDir parses every document directly inside dir, in name order. It
// returns the documents that parsed and a joined error for the rest.
func (p *PolicyDocumentParser) ParseDir(dir string) ([]*PolicyDocument, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsPolicyDocument(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var (
		docs []*PolicyDocument
		errs []error
	)
	for _, name := range names {
		doc, err := p.ParseFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, errors.Join(errs...)
}

func (p *PolicyDocumentParser) build(name string, data []byte) (cue.Value, error) {
	var val cue.Value

	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".cue":
		val = p.ctx.CompileBytes(data, cue.Filename(name))
	case ".yaml", ".yml":
		file, err := cueyaml.Extract(name, data)
		if err != nil {
			return cue.Value{}, convertCUEErrors(name, err)
		}
		val = p.ctx.BuildFile(file)
	case ".json":
		expr, err := cuejson.Extract(name, data)
		if err != nil {
			return cue.Value{}, convertCUEErrors(name, err)
		}
		val = p.ctx.BuildExpr(expr)
	default:
		return cue.Value{}, ValidationErrors{{File: name, Message: fmt.Sprintf("unsupported document format %q", ext)}}
	}

	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(name, err)
	}
	return val, nil
}

// convertCUEErrors flattens a CUE error list into ValidationErrors. Paths are
// relative to the document, and errors that point into the document come
// first.
func convertCUEErrors(name string, err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:    name,
			Path:    documentPath(e.Path()),
			Message: cueerrors.Details(e, nil),
		}
		if pos, ok := documentPosition(name, cueerrors.Positions(e)); ok {
			ve.Line = pos.Line()
			ve.Column = pos.Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		return ValidationErrors{{File: name, Message: err.Error()}}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Line > 0 && out[j].Line == 0
	})
	return out
}

// documentPath drops the schema definition selectors, so
// "#PolicyDocument.config.blockMode" becomes "config.blockMode".
func documentPath(path []string) string {
	for len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	return strings.Join(path, ".")
}

// documentPosition returns the first position inside the document. Positions
// in the embedded schema are skipped.
func documentPosition(name string, positions []token.Pos) (token.Pos, bool) {
	for _, pos := range positions {
		if pos.IsValid() && pos.Filename() == name {
			return pos, true
		}
	}
	return token.NoPos, false
}

func fromPolicyError(name string, err error) error {
	var perr *eligibility.ValidationError
	if !errors.As(err, &perr) {
		return err
	}
	out := make(ValidationErrors, 0, len(perr.Issues))
	for _, issue := range perr.Issues {
		out = append(out, ValidationError{File: name, Path: "config." + issue.Field, Message: issue.Message})
	}
	return out
}
