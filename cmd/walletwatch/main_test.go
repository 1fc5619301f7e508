package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"walletwatch/internal/config"
)

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvBotToken, "")
	t.Setenv(config.EnvChannelID, "")
	t.Setenv(config.EnvPort, "")

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func balanceServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/addr/") {
		case "rich":
			_, _ = w.Write([]byte(`{"data":{"balance":250000000}}`))
		case "empty":
			_, _ = w.Write([]byte(`{"data":{"balance":0}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "walletwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func scanConfig(lookupURL, dbPath string) string {
	return `
logging:
  level: error
lookup:
  url: "` + lookupURL + `/addr/{address}"
  amount_path: data.balance
  divisor: 100000000
  retry_max: 1
dispatch:
  min_gap: 1ms
  batch_pause: 0s
status:
  enabled: false
report:
  enabled: false
storage:
  driver: sqlite
  path: ` + dbPath + `
addresses:
  list: [rich, empty]
`
}

func TestValidateValidConfig(t *testing.T) {
	srv := balanceServer(t)
	path := writeYAML(t, scanConfig(srv.URL, filepath.Join(t.TempDir(), "r.db")))

	out, err := execute(t, "validate", "-c", path, "--dry-run")
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	for _, phrase := range []string{"Config is valid!", "Addresses: 2 inline", "Storage:   sqlite", "Status:    disabled"} {
		if !strings.Contains(out, phrase) {
			t.Errorf("output missing %q\nGot: %s", phrase, out)
		}
	}
}

func TestValidateReportsMissingCredentials(t *testing.T) {
	srv := balanceServer(t)
	path := writeYAML(t, scanConfig(srv.URL, filepath.Join(t.TempDir(), "r.db")))

	_, err := execute(t, "validate", "-c", path, "--dry-run=false")
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "telegram.token") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateRejectsUnknownField(t *testing.T) {
	path := writeYAML(t, "scan:\n  wrokers: 3\n")
	if _, err := execute(t, "validate", "-c", path, "--dry-run"); !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("err = %v", err)
	}
}

func TestScanDryRunThenExport(t *testing.T) {
	srv := balanceServer(t)
	dir := t.TempDir()
	path := writeYAML(t, scanConfig(srv.URL, filepath.Join(dir, "r.db")))

	out, err := execute(t, "scan", "-c", path, "--dry-run")
	if err != nil {
		t.Fatalf("scan: %v\n%s", err, out)
	}
	for _, phrase := range []string{"Address: rich", "Amount: 2.5", "Positive:  1  Zero: 1  Errors: 0"} {
		if !strings.Contains(out, phrase) {
			t.Errorf("output missing %q\nGot: %s", phrase, out)
		}
	}

	xlsx := filepath.Join(dir, "out.xlsx")
	out, err = execute(t, "export", "-c", path, "-o", xlsx)
	if err != nil {
		t.Fatalf("export: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Exported 2 results") {
		t.Fatalf("export output = %q", out)
	}
	f, err := excelize.OpenFile(xlsx)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows("Results")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[1][0] != "empty" || rows[2][0] != "rich" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestExportWithoutStorage(t *testing.T) {
	path := writeYAML(t, "lookup:\n  url: 'http://x/{address}'\n  amount_path: b\n")
	if _, err := execute(t, "export", "-c", path, "-o", filepath.Join(t.TempDir(), "x.xlsx")); err == nil {
		t.Fatal("export without storage succeeded")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "walletwatch "+version) {
		t.Fatalf("version output = %q", out)
	}
}
