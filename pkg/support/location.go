package support

import (
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
)

var packagePrefix = reflect.TypeOf(Location{}).PkgPath() + "."

// callerLocation finds the first frame outside this package (test files in
// this package count as callers) and reports it relative to cwd.
func callerLocation(cwd string) Location {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		internal := strings.HasPrefix(frame.Function, packagePrefix) && !strings.HasSuffix(frame.File, "_test.go")
		if !internal && frame.File != "" {
			return Location{URI: relativeURI(cwd, frame.File), Line: frame.Line}
		}
		if !more {
			return Location{URI: "unknown"}
		}
	}
}

func relativeURI(cwd, file string) string {
	if cwd == "" {
		return filepath.ToSlash(file)
	}
	rel, err := filepath.Rel(cwd, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(file)
	}
	return filepath.ToSlash(rel)
}
