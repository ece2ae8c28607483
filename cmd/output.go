package main

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// render writes v to w in the selected --output format.
func render(w io.Writer, v any) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(v), "render json")
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "render yaml")
		}
		return eris.Wrap(enc.Close(), "render yaml")
	default:
		return eris.Errorf("unknown output format %q (want yaml or json)", outputFormat)
	}
}
