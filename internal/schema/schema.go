// Package schema holds the embedded hospital schema template and the central
// directory migrations. Every file is one complete unit; routine units carry
// whole function or trigger bodies, so nothing is split at runtime.
package schema

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed tenant/*.sql
var tenantFiles embed.FS

//go:embed central/*.sql
var centralFiles embed.FS

// UnitKind separates plain statements from routine bodies
type UnitKind int

const (
	UnitStatement UnitKind = iota
	UnitRoutine
)

func (k UnitKind) String() string {
	if k == UnitRoutine {
		return "routine"
	}
	return "statement"
}

const routineSuffix = ".routine.sql"

// Unit is one executable piece of a schema
type Unit struct {
	Version int
	Name    string
	Kind    UnitKind
	SQL     string
}

// Template is an ordered hospital schema: statements first, then routines
type Template struct {
	Units []Unit

	// RequiredTables must exist once the template has been applied
	RequiredTables []string
}

// Statements returns the plain statement units in order
func (t Template) Statements() []Unit {
	return t.filter(UnitStatement)
}

// Routines returns the routine units in order
func (t Template) Routines() []Unit {
	return t.filter(UnitRoutine)
}

func (t Template) filter(kind UnitKind) []Unit {
	units := make([]Unit, 0, len(t.Units))
	for _, u := range t.Units {
		if u.Kind == kind {
			units = append(units, u)
		}
	}
	return units
}

// TenantTemplate loads the schema applied to every new hospital database
func TenantTemplate() (Template, error) {
	units, err := loadUnits(tenantFiles, "tenant")
	if err != nil {
		return Template{}, err
	}

	// statements before routines, each group by version
	sort.SliceStable(units, func(i, j int) bool {
		if units[i].Kind != units[j].Kind {
			return units[i].Kind < units[j].Kind
		}
		return units[i].Version < units[j].Version
	})

	return Template{
		Units: units,
		RequiredTables: []string{
			"users",
			"departments",
			"complaints",
			"complaint_replies",
			"complaint_attachments",
			"transfer_outbox",
		},
	}, nil
}

// CentralMigrations loads the versioned central directory migrations
func CentralMigrations() ([]Unit, error) {
	units, err := loadUnits(centralFiles, "central")
	if err != nil {
		return nil, err
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Version < units[j].Version })
	return units, nil
}

func loadUnits(fsys embed.FS, dir string) ([]Unit, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading embedded %s schema: %w", dir, err)
	}

	seen := make(map[int]string)
	units := make([]Unit, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) < 2 {
			return nil, fmt.Errorf("schema file %s has no version prefix", e.Name())
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("parsing version from %s: %w", e.Name(), err)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("schema files %s and %s share version %d", prev, e.Name(), version)
		}
		seen[version] = e.Name()

		data, err := fsys.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}

		kind := UnitStatement
		if strings.HasSuffix(e.Name(), routineSuffix) {
			kind = UnitRoutine
		}

		units = append(units, Unit{
			Version: version,
			Name:    e.Name(),
			Kind:    kind,
			SQL:     strings.TrimSpace(string(data)),
		})
	}

	return units, nil
}
