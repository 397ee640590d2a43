package sonic

import (
	"bufio"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtops/pkg/device"
	"github.com/newtron-network/newtops/pkg/util"
)

// installMarker is echoed by installStateCmd while an install runs.
const installMarker = "INSTALL_IN_PROGRESS"

// versionFile is the subset of /etc/sonic/sonic_version.yml we read.
type versionFile struct {
	BuildVersion string `yaml:"build_version"`
	ASICType     string `yaml:"asic_type"`
}

// parseVersion extracts the build version from sonic_version.yml. Image
// name prefixes are stripped so the result compares against plain
// release versions.
func parseVersion(raw string) (string, error) {
	var vf versionFile
	if err := yaml.Unmarshal([]byte(raw), &vf); err != nil {
		return "", util.NewParseError("sonic_version.yml", "%v", err)
	}
	v := normalizeImage(vf.BuildVersion)
	if v == "" {
		return "", util.NewParseError("sonic_version.yml", "build_version missing")
	}
	return v, nil
}

// normalizeImage strips SONiC image name prefixes: "SONiC-OS-4.1.0" and
// "SONiC.4.1.0" both become "4.1.0".
func normalizeImage(s string) string {
	s = strings.TrimSpace(s)
	for _, p := range []string{"SONiC-OS-", "SONiC."} {
		if strings.HasPrefix(s, p) {
			return strings.TrimPrefix(s, p)
		}
	}
	return s
}

// installState is the parsed output of installStateCmd.
type installState struct {
	Current    string
	Next       string
	Available  []string
	InProgress bool
}

// parseInstallerList parses `sonic-installer list`, optionally followed by
// the in-progress marker line.
func parseInstallerList(raw string) (*installState, error) {
	st := &installState{}
	inAvailable := false
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == installMarker:
			st.InProgress = true
		case strings.HasPrefix(line, "Current:"):
			st.Current = strings.TrimSpace(strings.TrimPrefix(line, "Current:"))
			inAvailable = false
		case strings.HasPrefix(line, "Next:"):
			st.Next = strings.TrimSpace(strings.TrimPrefix(line, "Next:"))
			inAvailable = false
		case strings.HasPrefix(line, "Available:"):
			inAvailable = true
		case inAvailable:
			st.Available = append(st.Available, line)
		}
	}
	if st.Current == "" {
		return nil, util.NewParseError("sonic-installer list", "no Current image")
	}
	return st, nil
}

func (st *installState) values() map[string]string {
	return map[string]string{
		device.ValueCurrent:    st.Current,
		device.ValueNext:       st.Next,
		device.ValueInProgress: strconv.FormatBool(st.InProgress),
	}
}

// parseDiskFree reads the Available column of POSIX `df -Pk` output.
func parseDiskFree(raw string) (int64, error) {
	lines := nonEmptyLines(raw)
	if len(lines) < 2 {
		return 0, util.NewParseError("df", "no filesystem row")
	}
	// The mount point may contain spaces but the numeric columns never do.
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 6 {
		return 0, util.NewParseError("df", "short row: %s", lines[len(lines)-1])
	}
	kb, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return 0, util.NewParseError("df", "available column: %v", err)
	}
	return kb, nil
}

// nonEmptyLines splits raw into trimmed lines, dropping blanks.
func nonEmptyLines(raw string) []string {
	var out []string
	for _, l := range strings.Split(raw, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
