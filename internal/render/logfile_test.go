package render_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
	"github.com/netmeasure/flowbench/internal/render"
)

func TestLogFileName(t *testing.T) {
	now := time.Date(2024, 5, 17, 13, 4, 5, 0, time.UTC)
	if got := render.LogFileName("", now); got != "flowbench-20240517-130405.log" {
		t.Errorf("LogFileName() = %q", got)
	}
	if got := render.LogFileName("run1-", now); got != "run1-flowbench-20240517-130405.log" {
		t.Errorf("LogFileName() with prefix = %q", got)
	}
}

func TestOpenLogFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "report.log")

	fp, err := render.OpenLogFile(name, false)
	testingx.Must(t, err, "failed to create log file")
	_, err = fp.WriteString("header\n")
	testingx.Must(t, err, "failed to write log file")
	testingx.Must(t, fp.Close(), "failed to close log file")

	// A second open without clobber refuses to overwrite.
	if _, err := render.OpenLogFile(name, false); err == nil {
		t.Fatal("OpenLogFile() expected error for existing file, got nil")
	}

	// With clobber the file is truncated.
	fp, err = render.OpenLogFile(name, true)
	testingx.Must(t, err, "failed to clobber log file")
	testingx.Must(t, fp.Close(), "failed to close log file")
	content, err := os.ReadFile(name)
	testingx.Must(t, err, "failed to read log file")
	if len(content) != 0 {
		t.Errorf("clobbered file still has %d bytes", len(content))
	}
}
