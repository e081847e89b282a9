package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/schema"
	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/value"
)

// AttributeInfo describes one attribute in schema output.
type AttributeInfo struct {
	Name    string `json:"name"`
	Default any    `json:"default,omitempty"`
	NoSync  bool   `json:"no_sync,omitempty"`
}

// TypeInfo describes one record type in schema output.
type TypeInfo struct {
	Name       string          `json:"name"`
	PrimaryKey string          `json:"primary_key"`
	Attributes []AttributeInfo `json:"attributes"`
}

// SchemaResult is the output of the schema command.
type SchemaResult struct {
	Dir   string     `json:"dir"`
	Types []TypeInfo `json:"types"`
}

// WriteText implements TextWriter.
func (r SchemaResult) WriteText(w io.Writer) error {
	for i, t := range r.Types {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s (primary key: %s)\n", t.Name, t.PrimaryKey)
		for _, a := range t.Attributes {
			var notes []string
			if a.Default != nil {
				notes = append(notes, "default="+a.defaultText())
			}
			if a.NoSync {
				notes = append(notes, "no-sync")
			}
			line := "  " + a.Name
			if len(notes) > 0 {
				line += "  " + strings.Join(notes, " ")
			}
			fmt.Fprintln(w, line)
		}
	}
	_, err := fmt.Fprintf(w, "%d type(s) in %s\n", len(r.Types), r.Dir)
	return err
}

func (a AttributeInfo) defaultText() string {
	v, err := value.FromAny(a.Default)
	if err != nil {
		return fmt.Sprint(a.Default)
	}
	data, err := value.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprint(a.Default)
	}
	return string(data)
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <dir>",
		Short: "List the record types a CUE schema declares",
		Long: `Compile the CUE files in a directory and list the record types they
declare: primary key, attribute defaults and client-only attributes.

Examples:
  recsync schema ./schema
  recsync schema ./schema --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(rootOpts, args[0], cmd)
		},
	}
}

func runSchema(opts *RootOptions, dir string, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	defs, err := schema.Load(dir)
	if err != nil {
		return fail(out, ExitCommandError, CodeSchema, "failed to load schema", err)
	}
	result := SchemaResult{Dir: dir, Types: make([]TypeInfo, len(defs))}
	for i, def := range defs {
		result.Types[i] = typeInfo(def)
	}
	return out.Success(result)
}

func typeInfo(def store.TypeDef) TypeInfo {
	info := TypeInfo{
		Name:       def.Name,
		PrimaryKey: def.PrimaryKey,
		Attributes: make([]AttributeInfo, 0, len(def.Attributes)),
	}
	if info.PrimaryKey == "" {
		info.PrimaryKey = store.DefaultPrimaryKey
	}
	for _, name := range slices.Sorted(maps.Keys(def.Attributes)) {
		attr := def.Attributes[name]
		ai := AttributeInfo{Name: name, NoSync: attr.NoSync}
		if attr.Default != nil {
			ai.Default = value.ToAny(attr.Default)
		}
		info.Attributes = append(info.Attributes, ai)
	}
	return info
}
