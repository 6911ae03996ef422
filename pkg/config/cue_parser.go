package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// typesField is the top-level field holding type declarations.
const typesField = "types"

// Parser parses and validates type declarations written in CUE, YAML or JSON.
type Parser struct {
	ctx               *cue.Context
	schemaRegistry    *SchemaRegistry
	starlarkEvaluator *StarlarkEvaluator
	validator         *validator.Validate
}

// NewParser creates a new type declaration parser. The parser shares the CUE
// context of its schema registry so parsed values unify with the schemas.
func NewParser() *Parser {
	schemas := NewSchemaRegistry()
	return &Parser{
		ctx:               schemas.ctx,
		schemaRegistry:    schemas,
		starlarkEvaluator: NewStarlarkEvaluator(0),
		validator:         validator.New(),
	}
}

// Load parses sources and fails if any declaration is invalid.
func (p *Parser) Load(ctx context.Context, sources []string) (*ParsedTypes, error) {
	parsed, err := p.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}

	if len(parsed.Errors) > 0 {
		msgs := make([]string, len(parsed.Errors))
		for i, e := range parsed.Errors {
			msgs[i] = e.String()
		}
		return nil, fmt.Errorf("validation errors:\n  %s", strings.Join(msgs, "\n  "))
	}

	return parsed, nil
}

// Parse parses type declarations from files and directories. Declaration
// problems are collected in ParsedTypes.Errors; the returned error is reserved
// for sources that cannot be opened.
func (p *Parser) Parse(ctx context.Context, sources []string) (*ParsedTypes, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			found, err := p.LoadFromDirectory(source)
			if err != nil {
				return nil, err
			}
			files = append(files, found...)
		} else {
			files = append(files, source)
		}
	}

	parsed := &ParsedTypes{
		SourceFiles: files,
		ParsedAt:    time.Now(),
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		val, errs := p.loadFile(file)
		if len(errs) > 0 {
			parsed.Errors = append(parsed.Errors, errs...)
			continue
		}
		p.extractTypes(val, file, parsed)
	}

	p.checkDuplicates(parsed)
	return parsed, nil
}

// ParseInline parses declarations held in memory. Format is cue, yaml or json.
func (p *Parser) ParseInline(ctx context.Context, content, format string) (*ParsedTypes, error) {
	parsed := &ParsedTypes{
		SourceFiles: []string{"inline"},
		ParsedAt:    time.Now(),
	}

	val, errs := p.compile("inline", []byte(content), format)
	if len(errs) > 0 {
		parsed.Errors = errs
		return parsed, nil
	}

	p.extractTypes(val, "inline", parsed)
	p.checkDuplicates(parsed)
	return parsed, nil
}

// loadFile loads a single declaration file.
func (p *Parser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	return p.compile(path, content, formatOf(path))
}

// compile turns file content into a CUE value.
func (p *Parser) compile(name string, content []byte, format string) (cue.Value, []ValidationError) {
	var val cue.Value

	switch format {
	case "cue", "json":
		val = p.ctx.CompileBytes(content, cue.Filename(name))
	case "yaml":
		var doc interface{}
		dec := yaml.NewDecoder(bytes.NewReader(content))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return cue.Value{}, []ValidationError{{
				File:     name,
				Message:  fmt.Sprintf("failed to parse YAML: %v", err),
				Severity: "error",
			}}
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		val = p.ctx.Encode(doc)
	default:
		return cue.Value{}, []ValidationError{{
			File:     name,
			Message:  fmt.Sprintf("unsupported format: %q", format),
			Severity: "error",
		}}
	}

	if err := val.Err(); err != nil {
		return cue.Value{}, p.convertCUEErrors(err, name)
	}
	return val, nil
}

// extractTypes appends the declarations found in val to parsed. Declarations
// are either a list or a struct keyed by type name.
func (p *Parser) extractTypes(val cue.Value, file string, parsed *ParsedTypes) {
	typesVal := val.LookupPath(cue.ParsePath(typesField))
	if !typesVal.Exists() {
		return
	}

	fail := func(path, msg string) {
		parsed.Errors = append(parsed.Errors, ValidationError{
			File:     file,
			Path:     path,
			Message:  msg,
			Severity: "error",
		})
	}

	switch typesVal.IncompleteKind() {
	case cue.StructKind:
		iter, err := typesVal.Fields()
		if err != nil {
			fail(typesField, fmt.Sprintf("failed to iterate types: %v", err))
			return
		}
		for iter.Next() {
			name := iter.Selector().Unquoted()
			item := iter.Value()
			if !item.LookupPath(cue.ParsePath("type")).Exists() {
				item = item.FillPath(cue.ParsePath("type"), name)
			}
			p.appendType(item, file, typesField+"."+name, parsed)
		}
	case cue.ListKind:
		list, err := typesVal.List()
		if err != nil {
			fail(typesField, fmt.Sprintf("failed to list types: %v", err))
			return
		}
		for idx := 0; list.Next(); idx++ {
			p.appendType(list.Value(), file, fmt.Sprintf("%s[%d]", typesField, idx), parsed)
		}
	default:
		fail(typesField, "types must be a list or a struct")
	}
}

// appendType validates a single declaration and appends it to parsed.
func (p *Parser) appendType(val cue.Value, file, path string, parsed *ParsedTypes) {
	spec, errs := p.extractType(val, file, path)
	if len(errs) > 0 {
		parsed.Errors = append(parsed.Errors, errs...)
		return
	}
	parsed.Types = append(parsed.Types, spec)
}

// extractType unifies val with #TypeSpec, decodes it and validates the result.
func (p *Parser) extractType(val cue.Value, file, path string) (TypeSpec, []ValidationError) {
	var spec TypeSpec

	schema, _ := p.schemaRegistry.GetSchema(SchemaTypeSpec)
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		errs := p.convertCUEErrors(err, file)
		for i := range errs {
			errs[i].Path = path
		}
		return spec, errs
	}

	single := func(msg string) []ValidationError {
		return []ValidationError{{File: file, Path: path, Message: msg, Severity: "error"}}
	}

	if err := unified.Decode(&spec); err != nil {
		return spec, single(fmt.Sprintf("failed to decode type: %v", err))
	}

	if err := p.validator.Struct(spec); err != nil {
		return spec, single(fmt.Sprintf("validation failed: %v", err))
	}

	if spec.Conflict != nil && spec.Conflict.Consistent != "" {
		if _, err := p.starlarkEvaluator.Compile(spec.Conflict.Consistent); err != nil {
			return spec, single(err.Error())
		}
	}

	return spec, nil
}

// checkDuplicates reports declarations repeating a type and root pair.
func (p *Parser) checkDuplicates(parsed *ParsedTypes) {
	seen := make(map[[2]string]bool, len(parsed.Types))
	for _, spec := range parsed.Types {
		k := [2]string{spec.Type, spec.Root}
		if seen[k] {
			msg := fmt.Sprintf("type %s declared twice", spec.Type)
			if spec.Root != "" {
				msg = fmt.Sprintf("type %s declared twice for root %s", spec.Type, spec.Root)
			}
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     typesField + "." + spec.Type,
				Message:  msg,
				Severity: "error",
			})
		}
		seen[k] = true
	}
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (p *Parser) convertCUEErrors(err error, fallbackFile string) []ValidationError {
	var validationErrors []ValidationError

	errs := cueerrors.Errors(err)
	for _, e := range errs {
		pos := cueerrors.Positions(e)
		file := fallbackFile
		var line, column int

		if len(pos) > 0 {
			if name := pos[0].Filename(); name != "" {
				file = name
			}
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// ValidateWithSchema validates data against a named schema.
func (p *Parser) ValidateWithSchema(ctx context.Context, data interface{}, schemaName string) error {
	return p.schemaRegistry.ValidateAgainstSchema(ctx, schemaName, data)
}

// GetSchemaRegistry returns the schema registry.
func (p *Parser) GetSchemaRegistry() *SchemaRegistry {
	return p.schemaRegistry
}

// LoadFromDirectory lists all declaration files below dir in lexical order.
func (p *Parser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && formatOf(path) != "" {
			files = append(files, path)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}

// formatOf maps a file extension to a declaration format.
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return "cue"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

func fmtLocation(file string, line, column int) string {
	if column > 0 {
		return fmt.Sprintf("%s:%d:%d", file, line, column)
	}
	return fmt.Sprintf("%s:%d", file, line)
}
