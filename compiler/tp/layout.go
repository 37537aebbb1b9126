package tp

import "tlog.app/go/errors"

type (
	// Defs is the translation-unit table of named types.
	// It is filled during parsing and read-only afterwards.
	Defs struct {
		Structs  map[string]*StructDef
		Unions   map[string]*StructDef
		Enums    map[string]map[string]int64
		Typedefs map[string]Type

		// EnumConsts is the flat name to value table across
		// all enums of the translation unit.
		EnumConsts map[string]int64
	}

	StructDef struct {
		Name   string
		Fields []Field

		Packed bool
		Union  bool
	}

	Field struct {
		Name string
		Type Type

		// Aligned forces the field boundary up, from aligned(N).
		Aligned int

		Offset int
	}
)

func NewDefs() *Defs {
	return &Defs{
		Structs:    map[string]*StructDef{},
		Unions:     map[string]*StructDef{},
		Enums:      map[string]map[string]int64{},
		Typedefs:   map[string]Type{},
		EnumConsts: map[string]int64{},
	}
}

// Resolve unwraps typedefs and qualifiers down to a concrete type.
func (d *Defs) Resolve(t Type) (Type, error) {
	for {
		switch x := t.(type) {
		case Qualified:
			t = x.X
		case Typedef:
			y, ok := d.Typedefs[x.Name]
			if !ok {
				return nil, errors.New("undefined typedef: %v", x.Name)
			}

			t = y
		default:
			return t, nil
		}
	}
}

// Sizeof follows the LP64 model: char=1, short=2, int=4,
// long=8, long long=8, pointers=8.
func (d *Defs) Sizeof(t Type) (int, error) {
	t, err := d.Resolve(t)
	if err != nil {
		return 0, err
	}

	switch t := t.(type) {
	case Int:
		return int(t.Bits) / 8, nil
	case Float:
		return int(t.Bits) / 8, nil
	case Bool:
		return 1, nil
	case Void:
		return 1, nil
	case Ptr, Func:
		return 8, nil
	case Enum:
		return 4, nil
	case Array:
		s, err := d.Sizeof(t.X)
		if err != nil {
			return 0, err
		}

		return s * t.Len, nil
	case Struct:
		sd, ok := d.Structs[t.Name]
		if !ok {
			return 0, errors.New("undefined struct: %v", t.Name)
		}

		return d.structSize(sd)
	case Union:
		sd, ok := d.Unions[t.Name]
		if !ok {
			return 0, errors.New("undefined union: %v", t.Name)
		}

		return d.structSize(sd)
	default:
		return 0, errors.New("sizeof: unsupported type: %T", t)
	}
}

func (d *Defs) Alignof(t Type) (int, error) {
	t, err := d.Resolve(t)
	if err != nil {
		return 0, err
	}

	switch t := t.(type) {
	case Array:
		return d.Alignof(t.X)
	case Struct:
		sd, ok := d.Structs[t.Name]
		if !ok {
			return 0, errors.New("undefined struct: %v", t.Name)
		}

		return d.structAlign(sd)
	case Union:
		sd, ok := d.Unions[t.Name]
		if !ok {
			return 0, errors.New("undefined union: %v", t.Name)
		}

		return d.structAlign(sd)
	default:
		return d.Sizeof(t)
	}
}

func (d *Defs) structAlign(sd *StructDef) (int, error) {
	if sd.Packed {
		return 1, nil
	}

	a := 1

	for _, f := range sd.Fields {
		fa, err := d.Alignof(f.Type)
		if err != nil {
			return 0, err
		}

		if f.Aligned > fa {
			fa = f.Aligned
		}

		if fa > a {
			a = fa
		}
	}

	return a, nil
}

func (d *Defs) structSize(sd *StructDef) (int, error) {
	if sd.Union {
		size := 0

		for _, f := range sd.Fields {
			fs, err := d.Sizeof(f.Type)
			if err != nil {
				return 0, err
			}

			if fs > size {
				size = fs
			}
		}

		a, err := d.structAlign(sd)
		if err != nil {
			return 0, err
		}

		return align(size, a), nil
	}

	size := 0

	for _, f := range sd.Fields {
		off, err := d.fieldOffset(sd, f)
		if err != nil {
			return 0, err
		}

		fs, err := d.Sizeof(f.Type)
		if err != nil {
			return 0, err
		}

		if off+fs > size {
			size = off + fs
		}
	}

	a, err := d.structAlign(sd)
	if err != nil {
		return 0, err
	}

	return align(size, a), nil
}

// Offsetof computes the byte offset of a named field.
// Union members are all at offset 0.
func (d *Defs) Offsetof(sd *StructDef, name string) (int, Type, error) {
	for _, f := range sd.Fields {
		if f.Name != name {
			continue
		}

		if sd.Union {
			return 0, f.Type, nil
		}

		off, err := d.fieldOffset(sd, f)

		return off, f.Type, err
	}

	return 0, nil, errors.New("no field %v in %v", name, sd.Name)
}

func (d *Defs) fieldOffset(sd *StructDef, want Field) (int, error) {
	off := 0

	for _, f := range sd.Fields {
		if !sd.Packed {
			fa, err := d.Alignof(f.Type)
			if err != nil {
				return 0, err
			}

			if f.Aligned > fa {
				fa = f.Aligned
			}

			off = align(off, fa)
		} else if f.Aligned > 1 {
			off = align(off, f.Aligned)
		}

		if f.Name == want.Name {
			return off, nil
		}

		fs, err := d.Sizeof(f.Type)
		if err != nil {
			return 0, err
		}

		off += fs
	}

	return 0, errors.New("no field %v in %v", want.Name, sd.Name)
}

// FindDef looks a struct or union definition up by type.
func (d *Defs) FindDef(t Type) (*StructDef, error) {
	t, err := d.Resolve(t)
	if err != nil {
		return nil, err
	}

	switch t := t.(type) {
	case Struct:
		sd, ok := d.Structs[t.Name]
		if !ok {
			return nil, errors.New("undefined struct: %v", t.Name)
		}

		return sd, nil
	case Union:
		sd, ok := d.Unions[t.Name]
		if !ok {
			return nil, errors.New("undefined union: %v", t.Name)
		}

		return sd, nil
	default:
		return nil, errors.New("not a struct or union: %T", t)
	}
}

func align(x, a int) int {
	if a <= 1 {
		return x
	}

	return (x + a - 1) / a * a
}
