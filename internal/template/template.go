// Package template expands task templates into task drafts.
//
// Placeholders use the form {{name}} with optional spaces inside the braces.
// Recognized names are origin, previous_state, new_state, project and user,
// matched case-sensitively.
// Unrecognized placeholders are left in the output as written unless strict
// expansion is requested.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"taskpool/internal/domain"
)

const (
	Origin        = "origin"
	PreviousState = "previous_state"
	NewState      = "new_state"
	Project       = "project"
	User          = "user"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Context supplies the values derived from the triggering event.
type Context struct {
	Origin        string
	PreviousState string
	NewState      string
	Project       string
	User          string
}

func (c Context) lookup(name string) (string, bool) {
	switch name {
	case Origin:
		return c.Origin, true
	case PreviousState:
		return c.PreviousState, true
	case NewState:
		return c.NewState, true
	case Project:
		return c.Project, true
	case User:
		return c.User, true
	}
	return "", false
}

// UnknownPlaceholderError lists the names strict expansion could not resolve.
type UnknownPlaceholderError struct {
	Template string
	Names    []string
}

func (e UnknownPlaceholderError) Error() string {
	return fmt.Sprintf("template %q: unknown placeholders %s", e.Template, strings.Join(e.Names, ", "))
}

type Options struct {
	Strict bool
}

// ExpandString substitutes every recognized placeholder in s. The returned
// slice holds the distinct unrecognized names in order of appearance.
func ExpandString(s string, c Context) (string, []string) {
	var unknown []string
	seen := map[string]bool{}
	out := placeholderRE.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRE.FindStringSubmatch(m)[1]
		if v, ok := c.lookup(name); ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			unknown = append(unknown, name)
		}
		return m
	})
	return out, unknown
}

// Expand builds a task draft from tpl. The draft has no org, project or id;
// the caller fills those in before storing it.
func Expand(tpl domain.TaskTemplate, c Context, opts Options) (domain.Task, error) {
	title, unknownTitle := ExpandString(tpl.Name, c)
	desc, unknownDesc := ExpandString(tpl.Description, c)
	if opts.Strict {
		if names := mergeNames(unknownTitle, unknownDesc); len(names) > 0 {
			return domain.Task{}, UnknownPlaceholderError{Template: tpl.Name, Names: names}
		}
	}
	return domain.Task{
		TypeID:      tpl.TypeID,
		Title:       title,
		Description: desc,
		Priority:    tpl.Priority,
		Status:      domain.TaskAvailable,
		Version:     1,
	}, nil
}

func mergeNames(a, b []string) []string {
	set := map[string]bool{}
	for _, n := range a {
		set[n] = true
	}
	for _, n := range b {
		set[n] = true
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
