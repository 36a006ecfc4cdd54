package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dharsanguruparan/ConvertDrop/internal/registry"
)

// JSON checks that the input is well-formed JSON and passes it through.
type JSON struct{}

// Convert implements registry.Converter.
func (JSON) Convert(_ context.Context, fc registry.FileContext) (*registry.Outcome, error) {
	data, err := io.ReadAll(fc.Body)
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	if !json.Valid(data) {
		var v any
		err := json.Unmarshal(data, &v)
		if err == nil {
			err = errors.New("invalid JSON document")
		}
		return nil, fmt.Errorf("JSON validation failed: %w", err)
	}
	return passThrough(fc.FileName, "application/json", data), nil
}

// XML checks that the input is a well-formed XML document and passes it
// through.
type XML struct{}

// Convert implements registry.Converter.
func (XML) Convert(_ context.Context, fc registry.FileContext) (*registry.Outcome, error) {
	data, err := io.ReadAll(fc.Body)
	if err != nil {
		return nil, fmt.Errorf("read xml: %w", err)
	}
	if err := validateXML(data); err != nil {
		return nil, fmt.Errorf("XML validation failed: %w", err)
	}
	return passThrough(fc.FileName, "application/xml", data), nil
}

func validateXML(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}
	switch {
	case roots == 0:
		return errors.New("document has no root element")
	case roots > 1:
		return fmt.Errorf("document has %d root elements", roots)
	}
	return nil
}

func passThrough(fileName, contentType string, data []byte) *registry.Outcome {
	return &registry.Outcome{
		FileName:    filepath.Base(fileName),
		ContentType: contentType,
		Body:        data,
	}
}
