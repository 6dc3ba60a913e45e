// Package convert shells out to pandoc to turn markdown into document
// formats and back.
package convert

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// ExportFormats are the supported markdown output targets.
var ExportFormats = []string{"html", "pdf", "docx", "odt", "rst", "latex", "epub"}

// ImportFormats are the supported inputs for conversion to markdown.
var ImportFormats = []string{"docx", "odt", "html", "rst", "latex", "epub"}

var contentTypes = map[string]string{
	"html":  "text/html",
	"pdf":   "application/pdf",
	"docx":  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"odt":   "application/vnd.oasis.opendocument.text",
	"rst":   "text/x-rst",
	"latex": "application/x-latex",
	"epub":  "application/epub+zip",
}

// ContentType returns the MIME type served for an export format.
func ContentType(format string) string {
	if contentType, ok := contentTypes[format]; ok {
		return contentType
	}
	return "application/octet-stream"
}

func IsExportFormat(format string) bool {
	for _, f := range ExportFormats {
		if f == format {
			return true
		}
	}
	return false
}

func IsImportFormat(format string) bool {
	for _, f := range ImportFormats {
		if f == format {
			return true
		}
	}
	return false
}

// FormatFromFilename maps a filename extension to an import format, or "".
func FormatFromFilename(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if IsImportFormat(ext) {
		return ext
	}
	return ""
}

type ConverterSettings struct {
	// pandoc binary; resolved via PATH when not absolute
	PandocPath string
	Timeout    time.Duration
}

func DefaultConverterSettings() *ConverterSettings {
	return &ConverterSettings{
		PandocPath: "pandoc",
		Timeout:    30 * time.Second,
	}
}

// Converter runs pandoc with per-call temp files. Safe for concurrent use.
type Converter struct {
	settings *ConverterSettings
}

func NewConverterWithDefaults() *Converter {
	return NewConverter(DefaultConverterSettings())
}

func NewConverter(settings *ConverterSettings) *Converter {
	return &Converter{
		settings: settings,
	}
}

func tempBase() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return filepath.Join(os.TempDir(), ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// buildExportArgs returns the pandoc arguments for one markdown export.
// pdf renders through html5 with the wkhtmltopdf engine; html is standalone
// with resources embedded.
func buildExportArgs(format string, inputPath string, outputPath string) []string {
	switch format {
	case "pdf":
		return []string{
			"-f", "markdown",
			"-t", "html5",
			"--pdf-engine=wkhtmltopdf",
			"--pdf-engine-opt=--enable-local-file-access",
			"-o", outputPath,
			inputPath,
		}
	case "html":
		return []string{
			"-f", "markdown",
			"-t", "html5",
			"--standalone",
			"--embed-resources",
			"-o", outputPath,
			inputPath,
		}
	default:
		return []string{
			"-f", "markdown",
			"-t", format,
			"-o", outputPath,
			inputPath,
		}
	}
}

// Export converts markdown to the given format and returns the output bytes.
func (self *Converter) Export(ctx context.Context, markdown string, format string) ([]byte, error) {
	if !IsExportFormat(format) {
		return nil, fmt.Errorf(
			"invalid format %q. Supported formats: %s",
			format,
			strings.Join(ExportFormats, ", "),
		)
	}

	base := tempBase()
	inputPath := base + ".md"
	outputPath := base + "." + format
	defer os.Remove(inputPath)
	defer os.Remove(outputPath)

	if err := os.WriteFile(inputPath, []byte(markdown), 0600); err != nil {
		return nil, err
	}
	if err := self.run(ctx, buildExportArgs(format, inputPath, outputPath)); err != nil {
		return nil, err
	}
	return os.ReadFile(outputPath)
}

// Import converts a document of the given format to markdown.
func (self *Converter) Import(ctx context.Context, input []byte, format string) (string, error) {
	if !IsImportFormat(format) {
		return "", fmt.Errorf(
			"invalid format %q. Supported formats: %s",
			format,
			strings.Join(ImportFormats, ", "),
		)
	}

	base := tempBase()
	inputPath := base + "." + format
	outputPath := base + ".md"
	defer os.Remove(inputPath)
	defer os.Remove(outputPath)

	if err := os.WriteFile(inputPath, input, 0600); err != nil {
		return "", err
	}
	args := []string{
		"-f", format,
		"-t", "markdown",
		"-o", outputPath,
		inputPath,
	}
	if err := self.run(ctx, args); err != nil {
		return "", err
	}
	markdown, err := os.ReadFile(outputPath)
	if err != nil {
		return "", err
	}
	return string(markdown), nil
}

func (self *Converter) run(ctx context.Context, args []string) error {
	runCtx, cancel := context.WithTimeout(ctx, self.settings.Timeout)
	defer cancel()

	glog.V(2).Infof("[convert]pandoc %s\n", strings.Join(args, " "))
	command := exec.CommandContext(runCtx, self.settings.PandocPath, args...)
	output, err := command.CombinedOutput()
	if err != nil {
		message := strings.TrimSpace(string(output))
		if message == "" {
			return fmt.Errorf("pandoc: %w", err)
		}
		return fmt.Errorf("pandoc: %s", message)
	}
	return nil
}
