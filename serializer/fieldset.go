package serializer

// FieldSet restricts the top-level fields a conversion touches. The zero
// value selects every field.
type FieldSet struct {
	only   map[string]bool
	ignore map[string]bool
}

// Only selects the named fields.
func Only(names ...string) FieldSet {
	return FieldSet{only: set(names)}
}

// Ignore excludes the named fields.
func Ignore(names ...string) FieldSet {
	return FieldSet{ignore: set(names)}
}

func (fs FieldSet) includes(name string) bool {
	if fs.ignore[name] {
		return false
	}
	return fs.only == nil || fs.only[name]
}

// merge intersects the selections and unions the exclusions of sets.
func merge(sets []FieldSet) FieldSet {
	var out FieldSet
	for _, fs := range sets {
		if fs.only != nil {
			if out.only == nil {
				out.only = fs.only
			} else {
				next := make(map[string]bool)
				for name := range out.only {
					if fs.only[name] {
						next[name] = true
					}
				}
				out.only = next
			}
		}
		for name := range fs.ignore {
			if out.ignore == nil {
				out.ignore = make(map[string]bool)
			}
			out.ignore[name] = true
		}
	}
	return out
}

func set(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
