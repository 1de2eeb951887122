// Package sourceconfig loads and validates the per-source scraping
// configuration document.
//
// The document is YAML, keyed by source name. Each source block carries the
// page URL templates and one selector descriptor per extracted field. A
// source missing any required descriptor is rejected whole at load time —
// before any page is fetched — because a silently-defaulted selector would
// corrupt every record of the run.
package sourceconfig

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"kodomiya/internal/geo"
	"kodomiya/internal/selector"
)

// File is the whole configuration document.
type File struct {
	// Neighborhoods and Cities are the known place names matched inside
	// address text. Shared by all sources.
	Neighborhoods []string `yaml:"neighborhoods"`
	Cities        []string `yaml:"cities"`

	Settings Settings          `yaml:"scraper_settings"`
	Sources  map[string]Source `yaml:"sources"`
}

// Settings are run-wide scraper knobs.
type Settings struct {
	// MaxPages caps pagination per source. 0 means no limit.
	MaxPages int `yaml:"max_pages"`

	// DuplicatePageThreshold stops a source when at least this many record
	// IDs repeat from the previous page (sites that loop their last page).
	// 0 disables the check.
	DuplicatePageThreshold int `yaml:"duplicate_page_threshold"`
}

// Source is one site's configuration block.
type Source struct {
	// Name is the document key; Resolve fills it in.
	Name string `yaml:"-"`

	BaseURL         string `yaml:"base_url"`
	PaginationParam string `yaml:"pagination_param"`

	// PropertyCard locates each listing block on a results page. It always
	// runs with find_all semantics: every match is one card.
	PropertyCard selector.Descriptor `yaml:"property_card"`

	Price     selector.Descriptor `yaml:"price"`
	Address   selector.Descriptor `yaml:"address"`
	Size      selector.Descriptor `yaml:"size"`
	Rooms     selector.Descriptor `yaml:"rooms"`
	Bathrooms selector.Descriptor `yaml:"bathrooms"`
	Parking   selector.Descriptor `yaml:"parking"`

	// AddressLocation optionally extracts the "neighborhood, city" text when
	// a site separates it from the street line.
	AddressLocation selector.Descriptor `yaml:"address_location,omitempty"`

	// SearchViewBox bounds the geocoding collaborator's lookups. Two
	// corners: top-left then bottom-right.
	SearchViewBox []geo.Point `yaml:"search_lat_long_view_box"`
}

// ViewBox converts the configured corner list into a geo.ViewBox. A zero box
// is returned when the document omits the corners.
func (s Source) ViewBox() geo.ViewBox {
	if len(s.SearchViewBox) < 2 {
		return geo.ViewBox{}
	}
	return geo.ViewBox{TopLeft: s.SearchViewBox[0], BottomRight: s.SearchViewBox[1]}
}

// ConfigError reports a source whose configuration cannot drive a scrape.
// It is fatal for that source's run and lists every missing or invalid
// descriptor so the operator can fix the document in one pass.
type ConfigError struct {
	Source  string
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("source %q: missing or invalid selector(s): %s", e.Source, strings.Join(e.Missing, ", "))
}

// Load reads and parses the YAML document at path. Parsing errors fail the
// whole document; per-source validation happens in Resolve.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if len(f.Sources) == 0 {
		return nil, fmt.Errorf("config has no sources")
	}
	return &f, nil
}

// Resolve returns the named source's validated configuration.
//
// Every required descriptor block must be present and interpretable;
// otherwise Resolve fails with a *ConfigError naming all offending fields.
// There is deliberately no fallback to defaults.
func (f *File) Resolve(name string) (Source, error) {
	src, ok := f.Sources[name]
	if !ok {
		return Source{}, fmt.Errorf("source %q not found in configuration", name)
	}
	src.Name = name

	required := []struct {
		field string
		d     selector.Descriptor
	}{
		{"property_card", src.PropertyCard},
		{"price", src.Price},
		{"address", src.Address},
		{"size", src.Size},
		{"rooms", src.Rooms},
		{"bathrooms", src.Bathrooms},
		{"parking", src.Parking},
	}

	var missing []string
	for _, r := range required {
		if r.d.IsZero() {
			missing = append(missing, r.field)
			continue
		}
		if err := r.d.Validate(); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%v)", r.field, err))
		}
	}
	if !src.AddressLocation.IsZero() {
		if err := src.AddressLocation.Validate(); err != nil {
			missing = append(missing, fmt.Sprintf("address_location (%v)", err))
		}
	}

	if len(missing) > 0 {
		return Source{}, &ConfigError{Source: name, Missing: missing}
	}
	if strings.TrimSpace(src.BaseURL) == "" {
		return Source{}, &ConfigError{Source: name, Missing: []string{"base_url"}}
	}
	return src, nil
}

// SourceNames lists the configured sources in stable order.
func (f *File) SourceNames() []string {
	out := make([]string, 0, len(f.Sources))
	for name := range f.Sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
