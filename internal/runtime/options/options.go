// Package options defines the flag structs passed to the daemonless
// container CLI's subcommands, and a reflection-based ToArgs that
// flattens them into an argv slice. Adapted from the teacher's
// options.ToArgs (applecontainer CLI flag builder).
package options

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// BuildOptions are the flags for `<bin> build`.
type BuildOptions struct {
	File     string            `flag:"--file"`
	Tag      string            `flag:"--tag"`
	Target   string            `flag:"--target"`
	BuildArg map[string]string `flag:"--build-arg"`
	NoCache  bool              `flag:"--no-cache"`
	Platform string            `flag:"--platform"`
}

// RunOptions are the flags for `<bin> run`.
type RunOptions struct {
	Name       string            `flag:"--name"`
	Detach     bool              `flag:"--detach"`
	Remove     bool              `flag:"--rm"`
	Env        map[string]string `flag:"--env"`
	Mount      []string          `flag:"--mount"`
	WorkDir    string            `flag:"--workdir"`
	Network    string            `flag:"--network"`
	CPUs       string            `flag:"--cpus"`
	Memory     string            `flag:"--memory"`
	Entrypoint string            `flag:"--entrypoint"`
}

// RemoveImageOptions are the flags for `<bin> image rm`.
type RemoveImageOptions struct {
	Force bool `flag:"--force"`
}

// ToArgs flattens a flag struct into CLI arguments via its `flag`
// struct tags. Zero-valued fields are omitted. Embedded structs are
// flattened in place.
func ToArgs[T any](s *T) []string {
	if s == nil {
		s = new(T)
	}
	var ret []string
	st := reflect.TypeOf(*s)
	sv := reflect.ValueOf(*s)
	if st.Kind() == reflect.Pointer {
		sv = reflect.Indirect(sv)
		st = sv.Type()
	}
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		fv := sv.Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			fvi := fv.Interface()
			ret = append(ret, ToArgs(&fvi)...)
			continue
		}
		flagName, ok := field.Tag.Lookup("flag")
		if !ok {
			continue
		}
		if fv.IsZero() {
			continue
		}
		if ret == nil {
			ret = []string{}
		}

		switch field.Type.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < fv.Len(); i++ {
				ret = append(ret, flagName, fmt.Sprintf("%v", fv.Index(i)))
			}
		case reflect.Map:
			m := fv.Interface().(map[string]string)
			keys := slices.Sorted(maps.Keys(m))
			for _, k := range keys {
				ret = append(ret, flagName, fmt.Sprintf("%s=%s", k, m[k]))
			}
		case reflect.Bool:
			ret = append(ret, flagName)
		default:
			ret = append(ret, flagName, fmt.Sprintf("%v", fv.Interface()))
		}
	}
	return ret
}

// FormatMount renders a types.Mount-shaped bind mount into the CLI's
// `--mount` flag value syntax: type=bind,source=<host>,target=<ctr>[,<flags>].
func FormatMount(source, target string, flags []string) string {
	parts := []string{"type=bind", "source=" + source, "target=" + target}
	parts = append(parts, flags...)
	return strings.Join(parts, ",")
}
