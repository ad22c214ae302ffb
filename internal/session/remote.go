package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/runtime"

	"github.com/tomyan/bidicap/internal/bidi"
)

// ErrUnserializable is returned for remote values that have no Go
// representation.
var ErrUnserializable = errors.New("unserializable remote value")

// decodeRemoteObject turns a remote value representation into a plain Go
// value. Integral numbers become int64 and other numbers float64; objects
// and arrays come back as map[string]any and []any, either by value or
// flattened from their preview. undefined and null decode to nil.
func decodeRemoteObject(obj *runtime.RemoteObject) (any, error) {
	if obj == nil {
		return nil, nil
	}

	if obj.UnserializableValue != "" {
		return parseUnserializable(obj.UnserializableValue.String())
	}

	switch obj.Type {
	case runtime.TypeUndefined:
		return nil, nil
	case runtime.TypeFunction:
		return "function()", nil
	case runtime.TypeSymbol:
		return obj.Description, nil
	}

	if len(obj.Value) > 0 {
		return decodeJSONValue(obj.Value)
	}

	if obj.Type == runtime.TypeObject {
		if obj.Subtype == runtime.SubtypeNull {
			return nil, nil
		}
		if obj.Preview != nil {
			return decodePreview(obj.Preview)
		}
	}

	return obj.Description, nil
}

func parseUnserializable(v string) (any, error) {
	switch v {
	case "-0":
		return math.Copysign(0, -1), nil
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	if strings.HasSuffix(v, "n") {
		n, err := strconv.ParseInt(strings.TrimSuffix(v, "n"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bigint %s: %w", ErrUnserializable, v, err)
		}
		return n, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnserializable, v)
}

// decodeJSONValue unmarshals data keeping integral numbers as int64.
func decodeJSONValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding remote value: %w", err)
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}

// decodePreview flattens an object preview. Arrays keep their order;
// properties that fail to parse are skipped and reported together.
func decodePreview(p *runtime.ObjectPreview) (any, error) {
	var errs []error
	if p.Overflow {
		errs = append(errs, errors.New("object is too large and was parsed partially"))
	}

	if p.Subtype == runtime.SubtypeArray {
		arr := make([]any, 0, len(p.Properties))
		for _, prop := range p.Properties {
			v, err := decodePropertyPreview(prop)
			if err != nil {
				errs = append(errs, fmt.Errorf("parsing array element %s: %w", prop.Name, err))
				continue
			}
			arr = append(arr, v)
		}
		return arr, errors.Join(errs...)
	}

	obj := make(map[string]any, len(p.Properties))
	for _, prop := range p.Properties {
		v, err := decodePropertyPreview(prop)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing object property %q: %w", prop.Name, err))
			continue
		}
		obj[prop.Name] = v
	}
	return obj, errors.Join(errs...)
}

func decodePropertyPreview(p *runtime.PropertyPreview) (any, error) {
	switch p.Type {
	case runtime.TypeAccessor:
		return "accessor", nil
	case runtime.TypeBigint:
		return parseUnserializable(p.Value)
	case runtime.TypeFunction:
		return "function()", nil
	case runtime.TypeString, runtime.TypeSymbol:
		return p.Value, nil
	case runtime.TypeUndefined:
		return nil, nil
	case runtime.TypeNumber:
		switch p.Value {
		case "NaN", "Infinity", "-Infinity", "-0":
			return parseUnserializable(p.Value)
		}
	case runtime.TypeObject:
		if p.Subtype == runtime.SubtypeNull {
			return nil, nil
		}
		if p.ValuePreview != nil {
			return decodePreview(p.ValuePreview)
		}
		return p.Value, nil
	}
	return decodeJSONValue([]byte(p.Value))
}

// evaluationError converts exception details into an *bidi.EvaluationError.
func evaluationError(exc *runtime.ExceptionDetails) error {
	if exc == nil {
		return nil
	}
	e := &bidi.EvaluationError{
		Text:         exc.Text,
		URL:          exc.URL,
		LineNumber:   int(exc.LineNumber),
		ColumnNumber: int(exc.ColumnNumber),
	}
	if exc.Exception != nil {
		e.Exception = exc.Exception.Description
		if e.Exception == "" {
			if v, _ := decodeRemoteObject(exc.Exception); v != nil {
				e.Exception = fmt.Sprintf("%v", v)
			}
		}
	}
	return e
}
