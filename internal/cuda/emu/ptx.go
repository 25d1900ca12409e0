package emu

import (
	"regexp"
	"strconv"

	"github.com/samcharles93/ufi/internal/cuda"
)

var (
	versionDirective = regexp.MustCompile(`(?m)^\s*\.version\s+\d+\.\d+`)
	targetDirective  = regexp.MustCompile(`(?m)^\s*\.target\s+sm_(\d+)`)
	visibleEntry     = regexp.MustCompile(`\.visible\s+\.entry\s+([_a-zA-Z0-9$]+)`)
)

type image struct {
	target  int
	entries map[string]bool
}

// scan checks the directives the driver JIT would reject first and collects
// the visible entry points. The returned string mimics a ptxas error log.
func scan(src string, arch int) (image, cuda.Result, string) {
	if !versionDirective.MatchString(src) {
		return image{}, cuda.ErrorInvalidPTX, "ptxas fatal   : Missing .version directive at start of file"
	}
	m := targetDirective.FindStringSubmatch(src)
	if m == nil {
		return image{}, cuda.ErrorInvalidPTX, "ptxas fatal   : Missing .target directive"
	}
	target, err := strconv.Atoi(m[1])
	if err != nil {
		return image{}, cuda.ErrorInvalidPTX, "ptxas fatal   : Malformed .target directive"
	}
	if target > arch {
		return image{}, cuda.ErrorNoBinaryForGPU,
			"ptxas fatal   : SM version specified by .target is higher than the device supports (sm_" +
				strconv.Itoa(target) + " > sm_" + strconv.Itoa(arch) + ")"
	}

	img := image{target: target, entries: make(map[string]bool)}
	for _, e := range visibleEntry.FindAllStringSubmatch(src, -1) {
		img.entries[e[1]] = true
	}
	return img, cuda.Success, ""
}
