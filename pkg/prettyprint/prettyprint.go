// Package prettyprint renders command output in a user-selectable format.
package prettyprint

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Format is an output format for pretty printing
type Format string

const (
	// TemplateFormat produces text/template-based output
	TemplateFormat Format = "template"
	// JSONFormat produces JSON output
	JSONFormat Format = "json"
	// YAMLFormat produces YAML output
	YAMLFormat Format = "yaml"
)

// Writer preconfigures the write function
type Writer struct {
	Out          io.Writer
	Format       Format
	FormatString string
}

// Write prints the input in the preconfigured way
func (w *Writer) Write(in interface{}) error {
	switch w.Format {
	case TemplateFormat:
		return w.writeTemplate(in)
	case JSONFormat:
		enc := json.NewEncoder(w.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(in)
	case YAMLFormat:
		return yaml.NewEncoder(w.Out).Encode(in)
	default:
		return fmt.Errorf("unknown format: %s", w.Format)
	}
}

func (w *Writer) writeTemplate(in interface{}) error {
	tpl, err := template.New("template").Parse(w.FormatString)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w.Out, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	return tpl.Execute(tw, in)
}
