//go:build darwin || linux

package transcode

import (
	"os"
	"path/filepath"
	"runtime"
	"unsafe"
)

const maxCStringLen = 1024

// cString copies a NUL-terminated C string owned by a native library.
func cString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	n := 0
	for n < maxCStringLen && *(*byte)(unsafe.Add(unsafe.Pointer(ptr), n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n))
}

func sharedLibName(base string) string {
	if runtime.GOOS == "darwin" {
		return "lib" + base + ".dylib"
	}
	return "lib" + base + ".so"
}

// nativeLibPaths lists the candidate locations of lib<base>, most specific
// first. envVar may hold an exact path; MEDIA_SDK_LIB_PATH a directory.
func nativeLibPaths(base, envVar string) []string {
	name := sharedLibName(base)

	var paths []string
	if p := os.Getenv(envVar); p != "" {
		paths = append(paths, p)
	}
	if dir := os.Getenv("MEDIA_SDK_LIB_PATH"); dir != "" {
		paths = append(paths, filepath.Join(dir, name))
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		paths = append(paths, filepath.Join(dir, name), filepath.Join(dir, "..", "lib", name))
	}
	if root := moduleRoot(); root != "" {
		paths = append(paths, filepath.Join(root, "build", "ffi", name))
	}

	paths = append(paths, filepath.Join("/usr/local/lib", name))
	if runtime.GOOS == "darwin" {
		paths = append(paths, filepath.Join("/opt/homebrew/lib", name))
	} else {
		paths = append(paths, filepath.Join("/usr/lib", name))
	}
	// The bare name lets the dynamic loader search its own paths.
	return append(paths, name)
}

// moduleRoot returns the nearest ancestor of the working directory holding a
// go.mod.
func moduleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
