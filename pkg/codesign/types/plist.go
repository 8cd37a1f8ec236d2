package types

import (
	"encoding/xml"
	"fmt"
	"io"
)

// Minimal XML property list reader, just enough for entitlements
// dictionaries: string, true/false, and arrays of strings.

type plistKV struct {
	key   string
	value any
}

func decodeXMLPlist(r io.Reader) ([]plistKV, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("plist has no dict element: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			switch start.Name.Local {
			case "plist":
				continue
			case "dict":
				return decodePlistDict(dec)
			default:
				return nil, fmt.Errorf("unexpected top-level plist element <%s>", start.Name.Local)
			}
		}
	}
}

func decodePlistDict(dec *xml.Decoder) ([]plistKV, error) {
	var out []plistKV
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return out, nil
		case xml.StartElement:
			if t.Name.Local != "key" {
				return nil, fmt.Errorf("expected <key>, got <%s>", t.Name.Local)
			}
			var key string
			if err := dec.DecodeElement(&key, &t); err != nil {
				return nil, err
			}
			value, err := decodePlistValue(dec)
			if err != nil {
				return nil, fmt.Errorf("value for key %q: %w", key, err)
			}
			out = append(out, plistKV{key: key, value: value})
		}
	}
}

func decodePlistValue(dec *xml.Decoder) (any, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "true":
			return true, dec.Skip()
		case "false":
			return false, dec.Skip()
		case "string":
			var s string
			if err := dec.DecodeElement(&s, &start); err != nil {
				return nil, err
			}
			return s, nil
		case "array":
			return decodePlistArray(dec)
		default:
			return nil, fmt.Errorf("unsupported plist value element <%s>", start.Name.Local)
		}
	}
}

func decodePlistArray(dec *xml.Decoder) ([]any, error) {
	var out []any
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return out, nil
		case xml.StartElement:
			switch t.Name.Local {
			case "string":
				var s string
				if err := dec.DecodeElement(&s, &t); err != nil {
					return nil, err
				}
				out = append(out, s)
			default:
				return nil, fmt.Errorf("unsupported array element <%s>", t.Name.Local)
			}
		}
	}
}
