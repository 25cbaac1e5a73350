package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/libris/libris/internal/navigation"
	"github.com/libris/libris/internal/rbac"
	"github.com/libris/libris/internal/routing"
)

// Exit codes shared by the routes commands.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitInvalid = 10
)

// RoutesValidateOptions defines the flags of routes validate.
type RoutesValidateOptions struct {
	File          string
	DefaultLocale string
	JSONOutput    bool
	Stdout        io.Writer
	Stderr        io.Writer
}

// RoutesValidateSummary is the JSON output of routes validate.
type RoutesValidateSummary struct {
	OK       bool           `json:"ok"`
	Routes   int            `json:"routes"`
	Public   int            `json:"public"`
	ByLocale map[string]int `json:"by_locale"`
	Error    string         `json:"error,omitempty"`
}

// ValidateCommand parses and builds a routes file without touching any store.
func ValidateCommand(opts RoutesValidateOptions) int {
	opts.defaults()
	reg, err := loadFile(opts.File, opts.DefaultLocale)
	if err != nil && !errors.Is(err, routing.ErrInvalidRoute) && !isDuplicate(err) {
		_, _ = fmt.Fprintf(opts.Stderr, "routes validate: %v\n", err)
		return ExitFailure
	}
	summary := RoutesValidateSummary{ByLocale: map[string]int{}}
	if err != nil {
		summary.Error = err.Error()
	} else {
		summary.OK = true
		summary.Routes = reg.Len()
		for _, route := range reg.Routes() {
			if route.Public() {
				summary.Public++
			}
		}
		for _, loc := range reg.Locales() {
			summary.ByLocale[loc] = len(reg.ListForLocale(loc))
		}
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "routes validate: encode json: %v\n", err)
			return ExitFailure
		}
	} else {
		renderValidateHuman(opts.Stdout, opts.File, summary)
	}
	if !summary.OK {
		return ExitInvalid
	}
	return ExitOK
}

func renderValidateHuman(out io.Writer, file string, summary RoutesValidateSummary) {
	if !summary.OK {
		_, _ = fmt.Fprintf(out, "%s is invalid: %s\n", file, summary.Error)
		return
	}
	_, _ = fmt.Fprintf(out, "%s: %d route(s), %d public\n", file, summary.Routes, summary.Public)
	locales := make([]string, 0, len(summary.ByLocale))
	for loc := range summary.ByLocale {
		locales = append(locales, loc)
	}
	sort.Strings(locales)
	for _, loc := range locales {
		_, _ = fmt.Fprintf(out, "  %-6s %d\n", loc, summary.ByLocale[loc])
	}
}

// RoutesImportOptions defines the flags of routes import.
type RoutesImportOptions struct {
	File          string
	DefaultLocale string
	SkipExisting  bool
	Stdout        io.Writer
	Stderr        io.Writer
}

// Importer persists routes and announces the change.
type Importer interface {
	CreateRoute(ctx context.Context, route routing.Route) error
}

// Announcer tells running instances to reload.
type Announcer interface {
	Publish(ctx context.Context) (int64, error)
}

// ImportCommand copies a routes file into the database. The whole file is
// validated before the first write.
func ImportCommand(ctx context.Context, opts RoutesImportOptions, dst Importer, announcer Announcer) int {
	opts.defaults()
	reg, err := loadFile(opts.File, opts.DefaultLocale)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "routes import: %v\n", err)
		if errors.Is(err, routing.ErrSourceUnavailable) {
			return ExitFailure
		}
		return ExitInvalid
	}
	created, skipped := 0, 0
	for _, route := range reg.Routes() {
		err := dst.CreateRoute(ctx, route)
		var dup *routing.DuplicateRouteError
		switch {
		case err == nil:
			created++
		case opts.SkipExisting && errors.As(err, &dup):
			skipped++
		default:
			_, _ = fmt.Fprintf(opts.Stderr, "routes import: %s: %v\n", route.ID, err)
			return ExitFailure
		}
	}
	if created > 0 && announcer != nil {
		if _, err := announcer.Publish(ctx); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "routes import: announce refresh: %v\n", err)
		}
	}
	_, _ = fmt.Fprintf(opts.Stdout, "imported %d route(s), skipped %d\n", created, skipped)
	return ExitOK
}

// RoutesResolveOptions defines the flags of routes resolve.
type RoutesResolveOptions struct {
	File          string
	DefaultLocale string
	Tags          []string
	Locale        string
	Path          string
	Navigation    navigation.Options
	Stdout        io.Writer
	Stderr        io.Writer
}

// ResolveCommand prints the navigation decision for a user holding Tags.
// No tags means an anonymous user.
func ResolveCommand(opts RoutesResolveOptions) int {
	opts.defaults()
	reg, err := loadFile(opts.File, opts.DefaultLocale)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "routes resolve: %v\n", err)
		return ExitFailure
	}
	var roles []rbac.Role
	if len(opts.Tags) > 0 {
		tags, err := rbac.ParseTags(opts.Tags)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "routes resolve: %v\n", err)
			return ExitInvalid
		}
		roles = []rbac.Role{{Name: "cli", Tags: tags}}
	}
	loc := opts.Locale
	if loc == "" {
		loc = opts.DefaultLocale
	}
	store := routing.NewStore(nil, opts.DefaultLocale, nil, nil)
	store.Replace(reg)
	d := navigation.NewResolver(store, opts.Navigation).Resolve(roles, loc, opts.Path)
	enc := json.NewEncoder(opts.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "routes resolve: encode json: %v\n", err)
		return ExitFailure
	}
	return ExitOK
}

// SplitList parses a comma separated flag value.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadFile(file, defaultLocale string) (*routing.Registry, error) {
	if file == "" {
		return nil, fmt.Errorf("%w: --file is required", routing.ErrSourceUnavailable)
	}
	return routing.NewFileSource(file).Load(context.Background(), defaultLocale)
}

func isDuplicate(err error) bool {
	var dup *routing.DuplicateRouteError
	return errors.As(err, &dup)
}

func (o *RoutesValidateOptions) defaults() {
	o.Stdout, o.Stderr = streams(o.Stdout, o.Stderr)
	if o.DefaultLocale == "" {
		o.DefaultLocale = "en"
	}
}

func (o *RoutesImportOptions) defaults() {
	o.Stdout, o.Stderr = streams(o.Stdout, o.Stderr)
	if o.DefaultLocale == "" {
		o.DefaultLocale = "en"
	}
}

func (o *RoutesResolveOptions) defaults() {
	o.Stdout, o.Stderr = streams(o.Stdout, o.Stderr)
	if o.DefaultLocale == "" {
		o.DefaultLocale = "en"
	}
}

func streams(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
