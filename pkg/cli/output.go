package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	outputYAML = "yaml"
	outputJSON = "json"
)

// print renders v in the --output format. YAML goes through the JSON form so
// both formats share the json field names and base64 payloads.
func (a *app) print(w io.Writer, v any) error {
	data, err := render(a.output, v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func render(format string, v any) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case outputJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal output: %w", err)
		}
		return append(data, '\n'), nil
	case outputYAML, "":
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal output: %w", err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("marshal output: %w", err)
		}
		data, err := yaml.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("marshal output: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q (supported: yaml, json)", format)
	}
}

// printStream writes one element of an unbounded sequence: a compact JSON
// line, or a YAML document with its separator.
func (a *app) printStream(w io.Writer, v any) error {
	if strings.EqualFold(strings.TrimSpace(a.output), outputJSON) {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		_, err = w.Write(append(data, '\n'))
		return err
	}
	data, err := render(outputYAML, v)
	if err != nil {
		return err
	}
	_, err = w.Write(append([]byte("---\n"), data...))
	return err
}

func configYAML(v any) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// configJSON goes through the YAML form so the keys match the config file.
func configJSON(v any) ([]byte, error) {
	data, err := configYAML(v)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	out, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return append(out, '\n'), nil
}
