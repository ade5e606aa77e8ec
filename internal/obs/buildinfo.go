package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo — всегда 1, полезны только метки.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "authgate_build_info",
			Help: "Authgate build information.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo publishes build_info. Empty or "dev" values fall back to the
// module version and VCS revision stamped by the Go toolchain. It returns the
// resolved version and commit.
func InitBuildInfo(version, commit string) (string, string) {
	version, commit = resolveBuild(version, commit, debug.ReadBuildInfo)
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
	return version, commit
}

func resolveBuild(version, commit string, read func() (*debug.BuildInfo, bool)) (string, string) {
	bi, ok := read()
	if !ok || bi == nil {
		return orUnknown(version), orUnknown(commit)
	}
	if version == "" || version == "dev" {
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			version = v
		}
	}
	if commit == "" || commit == "dev" {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				commit = s.Value
				if len(commit) > 12 {
					commit = commit[:12]
				}
			}
		}
	}
	return orUnknown(version), orUnknown(commit)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
