package sampler

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
)

// Environment describes the installation a sample is taken on.
type Environment struct {
	Version  string
	Edition  string
	Platform string
	IsCMA    bool
	Location *time.Location
}

// DetectEnvironment fills Platform from the operating system and IsCMA
// from the presence of the appliance marker file.
func DetectEnvironment(ctx context.Context, version, edition, applianceMarker string, loc *time.Location) Environment {
	env := Environment{
		Version:  version,
		Edition:  edition,
		Platform: runtime.GOOS,
		Location: loc,
	}
	if info, err := host.InfoWithContext(ctx); err == nil && info.Platform != "" {
		env.Platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	}
	if applianceMarker != "" {
		if _, err := os.Stat(applianceMarker); err == nil {
			env.IsCMA = true
		}
	}
	if env.Location == nil {
		env.Location = time.Local
	}
	return env
}
