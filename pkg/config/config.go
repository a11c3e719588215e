// Package config reads kstore settings from an INI file and builds the
// configuration structs of the other packages from it. Options that are
// absent keep the package defaults.
//
//	[table]
//	name = app:users
//	epoch = 0
//	compression = snappy
//	retry_budget = 8
//
//	[log]
//	backend = file          ; memory, file or kafka
//	level = info
//
//	[filelog]
//	dir = /var/lib/kstore/log
//
//	[kafka]
//	brokers = localhost:9092
//
//	[checkpoint]
//	backend = leveldb       ; none, file or leveldb
//	dir = /var/lib/kstore/checkpoints
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/robfig/config"
)

// File is a parsed configuration file.
type File struct {
	raw *config.Config
}

func Load(path string) (*File, error) {
	raw, err := config.ReadDefault(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read config %s", path)
	}
	return &File{raw: raw}, nil
}

// Empty returns a File without options, so every getter yields its default.
func Empty() *File {
	return &File{raw: config.NewDefault()}
}

func (f *File) Raw() *config.Config {
	return f.raw
}

// Set overrides one option, e.g. from a command line flag.
func (f *File) Set(section, option, value string) {
	if !f.raw.HasSection(section) {
		f.raw.AddSection(section)
	}
	f.raw.AddOption(section, option, value)
}

func (f *File) lookup(section, option string) (string, bool, error) {
	if !f.raw.HasOption(section, option) {
		return "", false, nil
	}
	v, err := f.raw.String(section, option)
	if err != nil {
		return "", false, errors.Annotatef(err, "[%s] %s", section, option)
	}
	return strings.TrimSpace(v), true, nil
}

func (f *File) String(section, option, dfault string) (string, error) {
	v, ok, err := f.lookup(section, option)
	if err != nil || !ok {
		return dfault, err
	}
	return v, nil
}

func (f *File) Int(section, option string, dfault int) (int, error) {
	v, ok, err := f.lookup(section, option)
	if err != nil || !ok {
		return dfault, err
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return dfault, errors.NotValidf("[%s] %s = %q", section, option, v)
	}
	return i, nil
}

func (f *File) Bool(section, option string, dfault bool) (bool, error) {
	v, ok, err := f.lookup(section, option)
	if err != nil || !ok {
		return dfault, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return dfault, errors.NotValidf("[%s] %s = %q", section, option, v)
	}
	return b, nil
}

func (f *File) Duration(section, option string, dfault time.Duration) (time.Duration, error) {
	v, ok, err := f.lookup(section, option)
	if err != nil || !ok {
		return dfault, err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return dfault, errors.NotValidf("[%s] %s = %q", section, option, v)
	}
	return d, nil
}

// List splits a comma separated option.
func (f *File) List(section, option string, dfault []string) ([]string, error) {
	v, ok, err := f.lookup(section, option)
	if err != nil || !ok {
		return dfault, err
	}

	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

// reader collects the first error of a run of getters.
type reader struct {
	f   *File
	err error
}

func (r *reader) string(section, option, dfault string) string {
	v, err := r.f.String(section, option, dfault)
	r.keep(err)
	return v
}

func (r *reader) int(section, option string, dfault int) int {
	v, err := r.f.Int(section, option, dfault)
	r.keep(err)
	return v
}

func (r *reader) bool(section, option string, dfault bool) bool {
	v, err := r.f.Bool(section, option, dfault)
	r.keep(err)
	return v
}

func (r *reader) duration(section, option string, dfault time.Duration) time.Duration {
	v, err := r.f.Duration(section, option, dfault)
	r.keep(err)
	return v
}

func (r *reader) list(section, option string, dfault []string) []string {
	v, err := r.f.List(section, option, dfault)
	r.keep(err)
	return v
}

func (r *reader) keep(err error) {
	if r.err == nil {
		r.err = err
	}
}
