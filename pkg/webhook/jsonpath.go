package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/PaesslerAG/jsonpath"
)

// fieldPath reads one scalar identifier out of a decoded JSON document.
type fieldPath struct {
	path string
	eval func(context.Context, interface{}) (interface{}, error)
}

func compileFieldPath(path string) (*fieldPath, error) {
	eval, err := jsonpath.New(path)
	if err != nil {
		return nil, fmt.Errorf("jsonpath %q: %w", path, err)
	}
	return &fieldPath{path: path, eval: eval}, nil
}

// Lookup returns "" when the path does not resolve.
func (p *fieldPath) Lookup(doc interface{}) string {
	if p == nil {
		return ""
	}
	value, err := p.eval(context.Background(), doc)
	if err != nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// decodeDocument keeps numbers as json.Number so numeric ids survive intact.
func decodeDocument(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON document")
	}
	return doc, nil
}
