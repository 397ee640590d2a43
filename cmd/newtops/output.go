package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/newtron-network/newtops/pkg/config"
	"github.com/newtron-network/newtops/pkg/device/sonic"
	"github.com/newtron-network/newtops/pkg/report"
	"github.com/newtron-network/newtops/pkg/session"
	"github.com/newtron-network/newtops/pkg/util"
)

// jsonOutput prints results as JSON instead of tables.
var jsonOutput bool

// addOutputFlags adds --json to commands that produce structured output.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newSessionManager wires the SONiC provider into a session manager that
// logs under the command's entry.
func newSessionManager(cfg *config.Config, parallel int, log *logrus.Entry) *session.Manager {
	provider := sonic.NewProvider(cfg.ProviderOptions())
	return session.NewManager(provider, session.WithParallel(parallel), session.WithLogger(log))
}

// newEmitters builds the configured report outputs. The console emitter is
// left out under --json. prefix names the JSON lines file.
func newEmitters(cfg *config.Config, prefix string) (report.Multi, error) {
	var out report.Multi
	if !jsonOutput {
		out = append(out, report.NewConsole(os.Stdout))
	}
	rc := cfg.Report
	if rc.JSON {
		path := filepath.Join(rc.Dir, prefix+".jsonl")
		j, err := report.NewJSONLines(path, report.Rotation{
			MaxSize:    int64(rc.MaxSizeMB) * 1024 * 1024,
			MaxBackups: rc.MaxBackups,
		})
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("opening report %s: %w", path, err)
		}
		out = append(out, j)
	}
	if rc.Markdown {
		out = append(out, report.NewMarkdown(rc.Dir))
	}
	return out, nil
}

// closeEmitters closes every emitter, logging rather than failing.
func closeEmitters(m report.Multi) {
	if err := m.Close(); err != nil {
		util.Warnf("Closing reports: %v", err)
	}
}

// junitPath returns where to write JUnit XML: --junit wins, then
// report.junit writes a timestamped file into the report directory.
func junitPath(cfg *config.Config, flag, prefix string) string {
	if flag != "" {
		return flag
	}
	if cfg.Report.JUnit {
		return filepath.Join(cfg.Report.Dir, report.FileName(prefix+"_junit", time.Now(), ".xml"))
	}
	return ""
}
