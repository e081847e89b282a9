package schema

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/value"
)

// Error is a schema error with its CUE source position, when known.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load compiles every .cue file in dir as one CUE package and returns the
// type definitions it declares, sorted by name.
func Load(dir string) ([]store.TypeDef, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema directory: not a directory: %s", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}
	v := cuecontext.New().BuildInstance(inst)
	return Compile(v)
}

// CompileString compiles CUE source held in memory. filename is used in
// error positions only.
func CompileString(src, filename string) ([]store.TypeDef, error) {
	v := cuecontext.New().CompileString(src, cue.Filename(filename))
	return Compile(v)
}

// Compile extracts the type definitions of a built CUE value.
func Compile(v cue.Value) ([]store.TypeDef, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	typesVal := v.LookupPath(cue.ParsePath("type"))
	if !typesVal.Exists() {
		return nil, &Error{Field: "type", Message: "no record types declared", Pos: v.Pos()}
	}
	iter, err := typesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var defs []store.TypeDef
	for iter.Next() {
		def, err := compileType(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	slices.SortFunc(defs, func(a, b store.TypeDef) int { return cmp.Compare(a.Name, b.Name) })
	return defs, nil
}

func compileType(name string, v cue.Value) (store.TypeDef, error) {
	def := store.TypeDef{
		Name:       name,
		PrimaryKey: store.DefaultPrimaryKey,
		Attributes: make(map[string]store.AttributeDef),
	}
	if pk := v.LookupPath(cue.ParsePath("primaryKey")); pk.Exists() {
		s, err := pk.String()
		if err != nil {
			return def, formatCUEError(err)
		}
		if s == "" {
			return def, &Error{Field: "type." + name + ".primaryKey", Message: "must not be empty", Pos: pk.Pos()}
		}
		def.PrimaryKey = s
	}

	attrs := v.LookupPath(cue.ParsePath("attributes"))
	if !attrs.Exists() {
		return def, nil
	}
	iter, err := attrs.Fields()
	if err != nil {
		return def, formatCUEError(err)
	}
	for iter.Next() {
		attr, err := compileAttribute("type."+name+".attributes."+iter.Label(), iter.Value())
		if err != nil {
			return def, err
		}
		def.Attributes[iter.Label()] = attr
	}
	if attr, ok := def.Attributes[def.PrimaryKey]; ok && attr.NoSync {
		return def, &Error{Field: "type." + name + ".attributes." + def.PrimaryKey, Message: "the primary key cannot be noSync", Pos: attrs.Pos()}
	}
	return def, nil
}

func compileAttribute(field string, v cue.Value) (store.AttributeDef, error) {
	var attr store.AttributeDef
	if isAttributeStruct(v) {
		if ns := v.LookupPath(cue.ParsePath("noSync")); ns.Exists() {
			b, err := ns.Bool()
			if err != nil {
				return attr, formatCUEError(err)
			}
			attr.NoSync = b
		}
		if d := v.LookupPath(cue.ParsePath("default")); d.Exists() {
			conv, err := toValue(field+".default", d)
			if err != nil {
				return attr, err
			}
			attr.Default = conv
		}
		return attr, nil
	}

	if d, ok := v.Default(); ok || v.IsConcrete() {
		if !ok {
			d = v
		}
		conv, err := toValue(field, d)
		if err != nil {
			return attr, err
		}
		attr.Default = conv
	}
	return attr, nil
}

// isAttributeStruct reports whether v uses the {default, noSync} form.
func isAttributeStruct(v cue.Value) bool {
	if v.IncompleteKind() != cue.StructKind {
		return false
	}
	iter, err := v.Fields()
	if err != nil {
		return false
	}
	for iter.Next() {
		if l := iter.Label(); l != "default" && l != "noSync" {
			return false
		}
	}
	return true
}

// toValue converts a concrete CUE value into a record value.
func toValue(field string, v cue.Value) (value.Value, error) {
	if !v.IsConcrete() {
		return nil, &Error{Field: field, Message: "default must be concrete", Pos: v.Pos()}
	}
	switch v.Kind() {
	case cue.NullKind:
		return value.Null{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.Bool(b), nil
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.Int(i), nil
	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.Float(f), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.String(s), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := value.Array{}
		for i := 0; iter.Next(); i++ {
			elem, err := toValue(fmt.Sprintf("%s[%d]", field, i), iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := value.Object{}
		for iter.Next() {
			elem, err := toValue(field+"."+iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			obj[iter.Label()] = elem
		}
		return obj, nil
	default:
		return nil, &Error{Field: field, Message: fmt.Sprintf("unsupported kind %v", v.Kind()), Pos: v.Pos()}
	}
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &Error{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
