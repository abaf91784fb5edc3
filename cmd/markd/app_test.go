package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/markd/api"
	"pkt.systems/markd/internal/storage"
	"pkt.systems/markd/internal/storage/disk"
	"pkt.systems/markd/internal/store"
	"pkt.systems/markd/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func isolateConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MARKD_CONFIG_DIR", dir)
	return dir
}

func TestVersionCommand(t *testing.T) {
	isolateConfigDir(t)

	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	if want := version.Module() + " " + version.Current() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestConfigGenStdout(t *testing.T) {
	isolateConfigDir(t)

	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, "# HTTP listen address") {
		t.Fatalf("expected comments in output:\n%s", stdout)
	}
	var decoded map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["listen"] != ":4242" || decoded["store"] != "mem://" {
		t.Fatalf("unexpected listen/store: %v %v", decoded["listen"], decoded["store"])
	}
	if decoded["autosave-multiplier"] != 10 || decoded["storage-encryption"] != false {
		t.Fatalf("unexpected typed values: %#v %#v", decoded["autosave-multiplier"], decoded["storage-encryption"])
	}
	if decoded["media-dir"] != "storage/projectFiles" {
		t.Fatalf("unexpected media-dir %v", decoded["media-dir"])
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	dir := isolateConfigDir(t)

	if _, _, err := executeRootCommand(t, "config", "gen"); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Fatalf("expected config.yaml: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "x.yaml"); err == nil {
		t.Fatal("expected --stdout/--out conflict")
	}
}

func TestKeysGen(t *testing.T) {
	isolateConfigDir(t)

	out := filepath.Join(t.TempDir(), "keys", "snapshot.pem")
	stdout, _, err := executeRootCommand(t, "keys", "gen", "--out", out)
	if err != nil {
		t.Fatalf("keys gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected path in output, got %q", stdout)
	}
	if _, _, err := storage.LoadKeyFile(out); err != nil {
		t.Fatalf("load generated key: %v", err)
	}
	if _, _, err := executeRootCommand(t, "keys", "gen", "--out", out); err == nil {
		t.Fatal("expected refusal to overwrite key file")
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	isolateConfigDir(t)

	_, _, err := executeRootCommand(t, "--store", "ftp://nowhere")
	if err == nil || !strings.Contains(err.Error(), "unsupported store scheme") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	isolateConfigDir(t)

	_, _, err := executeRootCommand(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file") {
		t.Fatalf("expected missing config error, got %v", err)
	}
}

func TestImportCommandUsesConfigFileAndEnv(t *testing.T) {
	dir := isolateConfigDir(t)
	mediaDir := filepath.Join(dir, "media")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("media-dir: "+mediaDir+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	dataDir := filepath.Join(dir, "data")
	t.Setenv("MARKD_STORE", "disk://"+dataDir)

	src := filepath.Join(dir, "incoming")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "frame.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write media: %v", err)
	}
	manifest := api.ImportManifest{
		ProjectID:      "p1",
		ProjectData:    api.Project{Title: "Harbour", MediaType: api.MediaImages},
		CollectionData: []api.ImportCollection{{CollectionID: "day1", Path: src}},
		Users:          []api.ImportUser{{Username: "alice", Password: "pw", ScreenName: "Alice"}},
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	manifestPath := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(manifestPath, raw, 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	stdout, _, err := executeRootCommand(t, "import", manifestPath, "--reset")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(stdout, "project p1 imported with 1 user(s)") || !strings.Contains(stdout, "day1") {
		t.Fatalf("unexpected summary:\n%s", stdout)
	}
	if _, err := os.Stat(filepath.Join(mediaDir, "p1", "day1", "frame.jpg")); err != nil {
		t.Fatalf("expected media in config media-dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(src, "frame.jpg")); err != nil {
		t.Fatalf("copy should keep the source: %v", err)
	}

	backend, err := disk.New(disk.Config{Root: dataDir})
	if err != nil {
		t.Fatalf("open disk: %v", err)
	}
	defer backend.Close()
	st := store.New(store.Config{Backend: backend, Logger: pslog.NoopLogger()})
	if err := st.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if p, ok := st.Projects().Get(store.NewKey("p1")); !ok || p.Title != "Harbour" {
		t.Fatalf("expected imported project, got %+v %v", p, ok)
	}
	if _, ok := st.Identities().Get(store.NewKey("alice")); !ok {
		t.Fatal("expected imported identity")
	}
}

func TestImportCommandRequiresManifest(t *testing.T) {
	isolateConfigDir(t)

	if _, _, err := executeRootCommand(t, "import"); err == nil {
		t.Fatal("expected argument error")
	}
}

func TestVerifyStoreCommand(t *testing.T) {
	isolateConfigDir(t)

	stdout, _, err := executeRootCommand(t, "verify", "store", "--store", "sqlite://"+filepath.Join(t.TempDir(), "markd.db"))
	if err != nil {
		t.Fatalf("verify store: %v\n%s", err, stdout)
	}
	for _, want := range []string{"Provider: sqlite", "✔ ConditionalPut", "Storage verification succeeded."} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in output:\n%s", want, stdout)
		}
	}
}

func TestConfigChangedDetectsEdits(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("store", "mem://")
	running := bindConfig(v)
	if err := running.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if changed, err := configChanged(v, running); err != nil || changed {
		t.Fatalf("expected no change, got %v %v", changed, err)
	}
	v.Set("listen", "127.0.0.1:9999")
	if changed, err := configChanged(v, running); err != nil || !changed {
		t.Fatalf("expected change, got %v %v", changed, err)
	}
	v.Set("autosave-multiplier", -1)
	if _, err := configChanged(v, running); err == nil {
		t.Fatal("expected validation error")
	}
}
