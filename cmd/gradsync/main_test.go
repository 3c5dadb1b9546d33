package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gradsync/internal/sim"
)

// isolateConfig points the user config directory at an empty temp dir.
func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	return filepath.Join(dir, "gradsync", "config.yaml")
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// parseSimulate runs the simulate flags over args and returns the resulting scenario.
func parseSimulate(t *testing.T, cfg Config, args ...string) (sim.Config, error) {
	t.Helper()
	var (
		o   simulateOptions
		out sim.Config
		err error
	)
	cmd := &cli.Command{
		Name:  "simulate",
		Flags: o.flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applySimulateConfig(cmd, cfg, &o)
			out, err = o.config(cmd)
			return nil
		},
	}
	if runErr := cmd.Run(context.Background(), append([]string{"simulate"}, args...)); runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	return out, err
}

func TestSimulateFlagsDefaults(t *testing.T) {
	cfg, err := parseSimulate(t, Config{})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Communicator != sim.Pure || cfg.Steps != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if want := []string{"node0", "node0"}; strings.Join(cfg.Hosts, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected hosts: %v", cfg.Hosts)
	}
}

func TestSimulateFlagsOverrideConfigFile(t *testing.T) {
	steps := int64(5)
	file := Config{Communicator: sim.SingleNode, AllreduceDType: "float16", Steps: &steps, MemoryLimit: "1KiB"}

	cfg, err := parseSimulate(t, file, "--nodes", "1", "--gpus", "3")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Communicator != sim.SingleNode || cfg.AllreduceDType != "float16" || cfg.Steps != 5 {
		t.Fatalf("config file defaults not applied: %+v", cfg)
	}
	if cfg.MemoryLimit != 1024 || len(cfg.Hosts) != 3 {
		t.Fatalf("unexpected scenario: %+v", cfg)
	}

	cfg, err = parseSimulate(t, file, "--communicator", "pure", "--steps", "2", "--hosts", "a,b,a")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Communicator != sim.Pure || cfg.Steps != 2 {
		t.Fatalf("flags did not override the config file: %+v", cfg)
	}
	if strings.Join(cfg.Hosts, ",") != "a,b,a" {
		t.Fatalf("unexpected hosts: %v", cfg.Hosts)
	}
}

func TestSimulateScenarioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	writeFile(t, path, `name: file
hosts: [x, y]
allreduce_dtype: float64
steps: 3
`)
	cfg, err := parseSimulate(t, Config{}, "--scenario", path, "--steps", "4")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Name != "file" || cfg.AllreduceDType != "float64" || cfg.Steps != 4 {
		t.Fatalf("unexpected scenario: %+v", cfg)
	}
	if strings.Join(cfg.Hosts, ",") != "x,y" {
		t.Fatalf("scenario hosts replaced: %v", cfg.Hosts)
	}
}

func TestScenarioMemoryLimitBeatsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	writeFile(t, path, `hosts: [x, y]
memory_limit: 4096
`)
	file := Config{MemoryLimit: "1KiB"}

	cfg, err := parseSimulate(t, file, "--scenario", path)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.MemoryLimit != 4096 {
		t.Fatalf("config file replaced the scenario memory limit: got %d", cfg.MemoryLimit)
	}

	cfg, err = parseSimulate(t, file, "--scenario", path, "--memory-limit", "2KiB")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.MemoryLimit != 2048 {
		t.Fatalf("explicit flag did not override the scenario: got %d", cfg.MemoryLimit)
	}
}

func TestSimulateFlagErrors(t *testing.T) {
	if _, err := parseSimulate(t, Config{}, "--memory-limit", "lots"); err == nil {
		t.Fatalf("expected memory limit error")
	}
	if _, err := parseSimulate(t, Config{}, "--nodes", "0"); err == nil {
		t.Fatalf("expected node count error")
	}
	if _, err := parseSimulate(t, Config{}, "--communicator", "ring"); err == nil {
		t.Fatalf("expected communicator error")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := isolateConfig(t)
	if cfg := LoadConfig(); cfg.Steps != nil || cfg.LogLevel != "" {
		t.Fatalf("expected zero config without a file, got %+v", cfg)
	}
	writeFile(t, path, `log_level: debug
steps: 7
server_address: 0.0.0.0:9000
max_ranks: 8
`)
	cfg := LoadConfig()
	if cfg.LogLevel != "debug" || cfg.Steps == nil || *cfg.Steps != 7 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ServerAddress != "0.0.0.0:9000" || cfg.MaxRanks == nil || *cfg.MaxRanks != 8 {
		t.Fatalf("unexpected server config: %+v", cfg)
	}

	writeFile(t, path, "steps: [not a number\n")
	if cfg := LoadConfig(); cfg.Steps != nil {
		t.Fatalf("expected zero config for malformed file, got %+v", cfg)
	}
}

func TestTopologyTable(t *testing.T) {
	ranks, err := resolveAll([]string{"a", "b", "a"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var buf bytes.Buffer
	if err := writeTopology(&buf, ranks); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header and 3 rows, got:\n%s", buf.String())
	}
	if got := strings.Fields(lines[3]); strings.Join(got, " ") != "2 1 2 0 2" {
		t.Fatalf("unexpected row for rank 2: %q", lines[3])
	}
}

func TestWriteReport(t *testing.T) {
	rep, err := sim.Run(context.Background(), sim.Config{Hosts: sim.Ranks(2, 1), Steps: 2}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var buf bytes.Buffer
	if err := writeReport(&buf, rep); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, want := range []string{"communicator: pure", "result:       PASS", "408 elements (1.6 KiB)", "inter groups: [0 1]\n"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("report missing %q:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	if err := writeReportJSON(&buf, rep); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if !strings.Contains(buf.String(), `"id": "`+rep.ID+`"`) {
		t.Fatalf("json report missing id:\n%s", buf.String())
	}
}

func TestWriteBackends(t *testing.T) {
	var buf bytes.Buffer
	if err := writeBackends(&buf, []string{"host"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
	if got := strings.Join(strings.Fields(lines[1]), " "); got != "host yes available 2708 yes" {
		t.Fatalf("unexpected host row: %q", got)
	}
}

func TestAppTopologyCommand(t *testing.T) {
	isolateConfig(t)
	if err := newApp().Run(context.Background(), []string{"gradsync", "--log-format", "json", "topology", "h1", "h2"}); err != nil {
		t.Fatalf("topology: %v", err)
	}
	if err := newApp().Run(context.Background(), []string{"gradsync", "topology", "--nodes", "0"}); err == nil {
		t.Fatalf("expected error for zero nodes")
	}
}
