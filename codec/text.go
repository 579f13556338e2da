package codec

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

type stringTransformer interface {
	String(s string) (string, error)
}

// transcode rewrites every string inside the generic containers produced by
// the decoder (and accepted by the encoder). Other values, including []byte
// and user structs, pass through unchanged.
func transcode(v any, t stringTransformer) (any, error) {
	switch x := v.(type) {
	case string:
		return t.String(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			te, err := transcode(e, t)
			if err != nil {
				return nil, err
			}
			out[i] = te
		}
		return out, nil
	case []string:
		out := make([]string, len(x))
		for i, e := range x {
			s, err := t.String(e)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case map[any]any:
		out := make(map[any]any, len(x))
		for k, e := range x {
			tk, err := transcode(k, t)
			if err != nil {
				return nil, err
			}
			te, err := transcode(e, t)
			if err != nil {
				return nil, err
			}
			out[tk] = te
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			tk, err := t.String(k)
			if err != nil {
				return nil, err
			}
			te, err := transcode(e, t)
			if err != nil {
				return nil, err
			}
			out[tk] = te
		}
		return out, nil
	}
	return v, nil
}

// LookupEncoding resolves an encoding by its WHATWG name or alias, for
// example "utf-8", "latin1" or "shift_jis". The empty name and UTF-8
// resolve to nil: Go strings are already UTF-8.
func LookupEncoding(name string) (encoding.Encoding, error) {
	if name == "" {
		return nil, nil
	}
	enc, err := htmlindex.Get(strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("codec: unknown encoding %q: %w", name, err)
	}
	if enc == unicode.UTF8 {
		return nil, nil
	}
	return enc, nil
}
