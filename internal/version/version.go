// Package version reports the build of the running binary and the versions
// of the modules it was built with.
package version

import (
	"runtime"
	"runtime/debug"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// Set with -ldflags "-X .../internal/version.Version=v1.2.3 -X .../internal/version.Commit=abc".
var (
	Version = "dev"
	Commit  = "unknown"
)

type Info struct {
	Version      string            `json:"version"`
	Commit       string            `json:"commit"`
	GoVersion    string            `json:"go_version"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Get returns the build information. Dependencies are only known when the
// binary was built in module mode.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.Dependencies = dependencies(bi)
		if info.Commit == "unknown" {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					info.Commit = s.Value
				}
			}
		}
	}
	return info
}

func dependencies(bi *debug.BuildInfo) map[string]string {
	deps := make(map[string]string, len(bi.Deps))
	for _, d := range bi.Deps {
		if d.Replace != nil {
			d = d.Replace
		}
		deps[d.Path] = d.Version
	}
	return deps
}

// Modules returns the dependency paths in sorted order.
func (i Info) Modules() []string {
	paths := make([]string, 0, len(i.Dependencies))
	for p := range i.Dependencies {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Register exports sketch_counter_build_info with a constant value of 1.
func Register(reg prometheus.Registerer) {
	info := Get()
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sketch_counter",
		Name:      "build_info",
		Help:      "Build information of the running binary",
	}, []string{"version", "commit", "go_version"})
	g.WithLabelValues(info.Version, info.Commit, info.GoVersion).Set(1)
	reg.MustRegister(g)
}
