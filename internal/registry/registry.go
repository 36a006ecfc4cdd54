// Package registry maps a file's extension to the converter that handles it.
// The table is fixed at construction and shared read-only by every handler.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dharsanguruparan/ConvertDrop/internal/failure"
)

// Processor names.
const (
	DocxToPdf     = "DocxToPdf"
	DocToPdf      = "DocToPdf"
	TextToPdf     = "TextToPdf"
	ImageToPng    = "ImageToPng"
	JsonValidator = "JsonValidator"
	XmlValidator  = "XmlValidator"
	Unknown       = "Unknown"
)

// ErrUnsupportedType matches every UnsupportedTypeError.
var ErrUnsupportedType = errors.New("unsupported file type")

// UnsupportedTypeError reports an extension or format no converter handles.
type UnsupportedTypeError struct {
	Extension string
	Detail    string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("unsupported file type %q: %s", e.Extension, e.Detail)
	}
	return fmt.Sprintf("unsupported file type %q", e.Extension)
}

// Is makes errors.Is(err, ErrUnsupportedType) hold.
func (e *UnsupportedTypeError) Is(target error) bool { return target == ErrUnsupportedType }

// ErrorKind classifies the error as non-retriable.
func (e *UnsupportedTypeError) ErrorKind() string { return string(failure.KindUnsupportedType) }

// FileContext is the input handed to a converter.
type FileContext struct {
	CorrelationID string
	FileName      string
	ContentType   string
	Body          io.Reader
}

// Outcome is a converter's output.
type Outcome struct {
	FileName      string
	ContentType   string
	Body          []byte
	ProcessorType string
}

// Converter turns one input file into its canonical output.
type Converter interface {
	Convert(ctx context.Context, fc FileContext) (*Outcome, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, fc FileContext) (*Outcome, error)

// Convert calls f.
func (f ConverterFunc) Convert(ctx context.Context, fc FileContext) (*Outcome, error) {
	return f(ctx, fc)
}

// Converters supplies one implementation per processor.
type Converters struct {
	Docx  Converter
	Doc   Converter
	Text  Converter
	Image Converter
	JSON  Converter
	XML   Converter
}

type entry struct {
	processor string
	outputExt string
	converter Converter
}

// Registry is the immutable extension table.
type Registry struct {
	byExt map[string]entry
}

// New builds the registry. A nil converter leaves its processor registered;
// dispatching to it fails with a retriable error.
func New(c Converters) *Registry {
	docx := entry{DocxToPdf, ".pdf", c.Docx}
	doc := entry{DocToPdf, ".pdf", c.Doc}
	text := entry{TextToPdf, ".pdf", c.Text}
	image := entry{ImageToPng, ".png", c.Image}
	return &Registry{byExt: map[string]entry{
		".docx": docx,
		".doc":  doc,
		".txt":  text,
		".jpg":  image,
		".jpeg": image,
		".png":  image,
		".bmp":  image,
		".tiff": image,
		".tif":  image,
		".gif":  image,
		".json": {JsonValidator, ".json", c.JSON},
		".xml":  {XmlValidator, ".xml", c.XML},
	}}
}

// Extension returns the lowercased extension of fileName, including the dot.
func Extension(fileName string) string {
	return strings.ToLower(filepath.Ext(fileName))
}

// IsSupported reports whether fileName's extension maps to a processor.
func (r *Registry) IsSupported(fileName string) bool {
	_, ok := r.byExt[Extension(fileName)]
	return ok
}

// ProcessorType names the processor for fileName, or Unknown.
func (r *Registry) ProcessorType(fileName string) string {
	if e, ok := r.byExt[Extension(fileName)]; ok {
		return e.processor
	}
	return Unknown
}

// ExpectedOutputExtension is the extension the chosen converter produces.
// Unsupported input keeps its own extension.
func (r *Registry) ExpectedOutputExtension(fileName string) string {
	if e, ok := r.byExt[Extension(fileName)]; ok {
		return e.outputExt
	}
	return Extension(fileName)
}

// SupportedExtensions lists every registered extension.
func (r *Registry) SupportedExtensions() []string {
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	return out
}

// Dispatch runs the converter for fc.FileName. Converter errors are returned
// wrapped so that their kind and cause survive.
func (r *Registry) Dispatch(ctx context.Context, fc FileContext) (*Outcome, error) {
	ext := Extension(fc.FileName)
	e, ok := r.byExt[ext]
	if !ok {
		return nil, &UnsupportedTypeError{Extension: ext}
	}
	if e.converter == nil {
		return nil, fmt.Errorf("%s: no converter configured", e.processor)
	}
	out, err := e.converter.Convert(ctx, fc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.processor, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%s: converter returned no output", e.processor)
	}
	out.ProcessorType = e.processor
	return out, nil
}
