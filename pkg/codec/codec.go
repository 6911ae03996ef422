// Package codec encodes envelopes for transport.
//
// Three formats are supported: "compressed-json" (JSON, zlib, base64; the
// default package format), "json" and "yaml".
package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/xfer/pkg/engine"
)

// Format names.
const (
	CompressedJSON = "compressed-json"
	JSON           = "json"
	YAML           = "yaml"
)

// Default is the format used when none is configured.
const Default = CompressedJSON

// Codec converts envelopes to and from bytes.
type Codec interface {
	// Name returns the format name.
	Name() string

	// Encode serializes an envelope.
	Encode(env *engine.Envelope) ([]byte, error)

	// Decode parses an envelope. The result is not validated.
	Decode(data []byte) (*engine.Envelope, error)
}

var codecs = map[string]Codec{
	CompressedJSON: compressedJSONCodec{},
	JSON:           jsonCodec{indent: true},
	YAML:           yamlCodec{},
}

// ForName returns the codec registered under name. The empty name yields Default.
func ForName(name string) (Codec, error) {
	if name == "" {
		name = Default
	}
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec: %q (available: %v)", name, Names())
	}
	return c, nil
}

// Names returns the available format names in sorted order.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type jsonCodec struct {
	indent bool
}

func (c jsonCodec) Name() string { return JSON }

func (c jsonCodec) Encode(env *engine.Envelope) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if c.indent {
		data, err = json.MarshalIndent(env, "", "  ")
	} else {
		data, err = json.Marshal(env)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

func (c jsonCodec) Decode(data []byte) (*engine.Envelope, error) {
	env := engine.NewEnvelope()
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return normalize(env), nil
}

type compressedJSONCodec struct{}

func (compressedJSONCodec) Name() string { return CompressedJSON }

func (compressedJSONCodec) Encode(env *engine.Envelope) ([]byte, error) {
	raw, err := jsonCodec{}.Encode(env)
	if err != nil {
		return nil, err
	}

	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress envelope: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress envelope: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(compressed.Len()))
	base64.StdEncoding.Encode(out, compressed.Bytes())
	return out, nil
}

func (compressedJSONCodec) Decode(data []byte) (*engine.Envelope, error) {
	compressed := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(compressed, bytes.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 envelope: %w", err)
	}

	r, err := zlib.NewReader(bytes.NewReader(compressed[:n]))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress envelope: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress envelope: %w", err)
	}
	return jsonCodec{}.Decode(raw)
}

type yamlCodec struct{}

func (yamlCodec) Name() string { return YAML }

func (yamlCodec) Encode(env *engine.Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func (yamlCodec) Decode(data []byte) (*engine.Envelope, error) {
	env := engine.NewEnvelope()
	if err := yaml.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return normalize(env), nil
}

// normalize replaces missing sections with empty ones.
func normalize(env *engine.Envelope) *engine.Envelope {
	if env.Roots == nil {
		env.Roots = make([]engine.Key, 0)
	}
	if env.Index == nil {
		env.Index = make(map[engine.Key]map[string]any)
	}
	if env.Data == nil {
		env.Data = make(map[engine.Key]map[string]any)
	}
	return env
}
