// Package config loads workspace settings and record type declarations for
// the xfer transfer engine.
//
// # Overview
//
// Transfer behavior is configured per record type: which fields travel, which
// relation fields link records, how colliding records are resolved on import
// and which fields hold payload files. The config package reads those
// declarations from CUE, YAML or JSON files, validates them against built-in
// CUE schemas and registers them with an engine.Registry.
//
// # Components
//
// Parser: Parses type declarations from files, directories and inline content.
// Every declaration is unified with the #TypeSpec schema and then checked with
// struct tag validation.
//
// SchemaRegistry: Holds the built-in CUE schemas (#TypeSpec, #RelationSpec,
// #ConflictSpec and #Envelope). The #Envelope schema validates decoded
// transfer envelopes before import.
//
// StarlarkEvaluator: Compiles consistency predicates. A predicate is a Starlark
// expression over two dicts, draft and existing, that yields a bool.
//
// Settings: Workspace settings read from xfer.yaml.
//
// # Usage Example
//
//	parser := config.NewParser()
//
//	types, err := parser.Load(ctx, settings.Types)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	reg := engine.NewRegistry()
//	if err := types.Apply(reg); err != nil {
//	    log.Fatal(err)
//	}
//
// # Declaration Structure
//
// Declarations live under a top-level types field, either as a list or as a
// struct keyed by type name:
//
//	types: {
//	    user: {
//	        fields: ["name", "email"]
//	        conflict: {
//	            policy: "replace"
//	            consistency_fields: ["email"]
//	        }
//	    }
//	    document: {
//	        relations: {
//	            author: {kind: "to_one"}
//	            tags:   {kind: "to_many", rely_on: false}
//	        }
//	        field_kinds: {published_at: "time"}
//	        files: ["attachment"]
//	        conflict: {
//	            policy:     "cover"
//	            consistent: "draft['title'] == existing['title']"
//	        }
//	    }
//	}
//
// A declaration with a root applies only when that root type is exported or
// imported. Apply registers it after the root's own declaration.
//
// # Error Handling
//
// Parsing errors include location information:
//
//	ValidationError{
//	    File: "types.cue",
//	    Line: 12,
//	    Column: 14,
//	    Path: "types.document",
//	    Message: "conflict.policy: 3 errors in empty disjunction",
//	    Severity: "error",
//	}
//
// # Security
//
// Predicate execution is sandboxed:
//   - No load statements
//   - A bounded number of execution steps
//   - Print statements suppressed
package config
