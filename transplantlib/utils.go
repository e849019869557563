package transplantlib

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strings"
)

func Def[T comparable](v T, alt T) T {
	var ref T
	if v == ref {
		return alt
	} else {
		return v
	}
}

type AbsPath string

func MakeAbsPath(relOrAbs string) AbsPath {
	p, err := filepath.Abs(relOrAbs)
	if err != nil {
		panic(err)
	}
	return AbsPath(p)
}

// Resolves relOrAbs against base if relative
func MakeAbsPathFrom(base AbsPath, relOrAbs string) AbsPath {
	if filepath.IsAbs(relOrAbs) {
		return AbsPath(filepath.Clean(relOrAbs))
	}
	return base.Join(relOrAbs)
}

// During json unmarshaling, relative paths are based on the working directory of transplant
func (s *AbsPath) UnmarshalText(text []byte) error {
	*s = MakeAbsPath(string(text))
	return nil
}

func (p AbsPath) String() string {
	return string(p)
}

func (p AbsPath) Raw() string {
	return string(p)
}

func (p AbsPath) Parent() AbsPath {
	return AbsPath(filepath.Dir(p.Raw()))
}

func (p AbsPath) Filename() string {
	return filepath.Base(string(p))
}

func (p AbsPath) Join(rel string) AbsPath {
	if filepath.IsAbs(rel) {
		panic("join path abs: " + rel)
	}
	return AbsPath(filepath.Clean(filepath.Join(string(p), rel)))
}

func (p AbsPath) Exists() bool {
	_, err := os.Stat(p.Raw())
	return !os.IsNotExist(err)
}

// Container-side paths are always slash separated and absolute; tar entry names
// are the same path without the leading slash.
func tarName(containerPath string) string {
	return strings.TrimPrefix(path.Clean("/"+containerPath), "/")
}

func canonicalJsonMarshal(sym any) []byte {
	ser, err := json.Marshal(sym)
	if err != nil {
		panic(err)
	}
	// Work around go not supporting ordered serialization for random data types by
	// deserializing once to simple types which will be ordered when re-serialized.
	sym = nil
	err = json.Unmarshal(ser, &sym)
	if err != nil {
		panic(err)
	}
	ser, err = json.Marshal(sym)
	if err != nil {
		panic(err)
	}
	return ser
}
