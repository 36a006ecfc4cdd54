package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dharsanguruparan/ConvertDrop/internal/registry"
)

// Office converts Word documents to PDF by running LibreOffice headless in a
// scratch directory.
type Office struct {
	Binary  string
	Timeout time.Duration
	TempDir string
}

// NewOffice constructs the DocxToPdf/DocToPdf converter.
func NewOffice(binary string, timeout time.Duration) *Office {
	if binary == "" {
		binary = "soffice"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Office{Binary: binary, Timeout: timeout}
}

// Convert implements registry.Converter.
func (o *Office) Convert(ctx context.Context, fc registry.FileContext) (*registry.Outcome, error) {
	dir, err := os.MkdirTemp(o.TempDir, "convertdrop-office-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	name := filepath.Base(fc.FileName)
	input := filepath.Join(dir, name)
	if err := writeInput(input, fc.Body); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	profile := "file://" + filepath.ToSlash(filepath.Join(dir, "profile"))
	cmd := exec.CommandContext(runCtx, o.Binary,
		"-env:UserInstallation="+profile,
		"--headless", "--norestore", "--nolockcheck",
		"--convert-to", "pdf",
		"--outdir", dir,
		input,
	)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timed out after %s", o.Binary, o.Timeout)
		}
		return nil, fmt.Errorf("%s: %w: %s", o.Binary, err, strings.TrimSpace(output.String()))
	}

	base := strings.TrimSuffix(name, filepath.Ext(name))
	data, err := os.ReadFile(filepath.Join(dir, base+".pdf"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s produced no output: %s", o.Binary, strings.TrimSpace(output.String()))
	}
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	if err := verifyPDF(data); err != nil {
		return nil, fmt.Errorf("verify output: %w", err)
	}
	return &registry.Outcome{
		FileName:    base + ".pdf",
		ContentType: contentTypePDF,
		Body:        data,
	}, nil
}

func writeInput(path string, body io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create input: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return fmt.Errorf("write input: %w", err)
	}
	return f.Close()
}
