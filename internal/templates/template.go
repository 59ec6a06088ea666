package templates

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/yungbote/rendivia-backend/internal/domain/brand"
)

// Issue is one schema violation, addressed by the JSON path of the field.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Template renders a data-driven composition. Input values passed to
// DurationSeconds, Resolution and BuildProps must come from Validate.
type Template interface {
	ID() string
	Version() string
	Composition() string
	Validate(raw json.RawMessage) (any, []Issue)
	DurationSeconds(input any) float64
	Resolution(input any) string
	BuildProps(input any, b *brand.BrandProfile) map[string]any
}

type definition[T any] struct {
	id          string
	version     string
	composition string
	duration    func(*T) float64
	resolution  func(*T) string
	props       func(*T) map[string]any
}

func (d *definition[T]) ID() string          { return d.id }
func (d *definition[T]) Version() string     { return d.version }
func (d *definition[T]) Composition() string { return d.composition }

func (d *definition[T]) Validate(raw json.RawMessage) (any, []Issue) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, []Issue{{Path: "data", Message: "is required"}}
	}
	in := new(T)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(in); err != nil {
		return nil, []Issue{decodeIssue(err)}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, []Issue{{Path: "data", Message: "must be a single JSON object"}}
	}
	if issues := validateStruct(in); len(issues) > 0 {
		return nil, issues
	}
	return in, nil
}

func (d *definition[T]) input(v any) *T {
	in, ok := v.(*T)
	if !ok || in == nil {
		panic(fmt.Sprintf("templates: %s called with %T, want *%T", d.id, v, *new(T)))
	}
	return in
}

func (d *definition[T]) DurationSeconds(input any) float64 { return d.duration(d.input(input)) }
func (d *definition[T]) Resolution(input any) string       { return d.resolution(d.input(input)) }

func (d *definition[T]) BuildProps(input any, b *brand.BrandProfile) map[string]any {
	props := d.props(d.input(input))
	props["brand"] = brandProps(b)
	props["durationInSeconds"] = d.DurationSeconds(input)
	w, h, _ := ParseResolution(d.Resolution(input))
	props["width"] = w
	props["height"] = h
	return props
}

func brandProps(b *brand.BrandProfile) map[string]any {
	out := map[string]any{
		"name":           "",
		"primaryColor":   "#111827",
		"secondaryColor": "#F9FAFB",
		"fontFamily":     "Inter",
		"logoUrl":        "",
	}
	if b == nil {
		return out
	}
	out["name"] = b.Name
	if b.PrimaryColor != "" {
		out["primaryColor"] = b.PrimaryColor
	}
	if b.SecondaryColor != "" {
		out["secondaryColor"] = b.SecondaryColor
	}
	if b.FontFamily != "" {
		out["fontFamily"] = b.FontFamily
	}
	out["logoUrl"] = b.LogoURL
	return out
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

func validateStruct(v any) []Issue {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Issue{{Path: "data", Message: err.Error()}}
	}
	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, Issue{Path: issuePath(fe.Namespace()), Message: issueMessage(fe)})
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues
}

// issuePath drops the root struct name from a validator namespace.
func issuePath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func issueMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url", "http_url":
		return "must be a valid URL"
	case "oneof":
		return "must be one of: " + strings.Join(strings.Fields(fe.Param()), ", ")
	case "max":
		if fe.Kind() == reflect.Slice {
			return "must have at most " + fe.Param() + " items"
		}
		return "must be at most " + fe.Param() + " characters"
	case "min":
		if fe.Kind() == reflect.Slice {
			return "must have at least " + fe.Param() + " items"
		}
		return "must be at least " + fe.Param() + " characters"
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	case "hexcolor":
		return "must be a hex color"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func decodeIssue(err error) Issue {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		path := typeErr.Field
		if path == "" {
			path = "data"
		}
		return Issue{Path: path, Message: "must be of type " + jsonKind(typeErr.Type)}
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "json: unknown field ") {
		field := strings.Trim(strings.TrimPrefix(msg, "json: unknown field "), `"`)
		return Issue{Path: field, Message: "is not a recognized field"}
	}
	return Issue{Path: "data", Message: "must be a valid JSON object"}
}

func jsonKind(t reflect.Type) string {
	if t == nil {
		return "object"
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Int, reflect.Int32, reflect.Int64, reflect.Float32, reflect.Float64:
		return "number"
	default:
		return "object"
	}
}

// ParseResolution splits "WxH" into positive integer dimensions.
func ParseResolution(res string) (int64, int64, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(res)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q", res)
	}
	var w, h int64
	if _, err := fmt.Sscanf(parts[0]+" "+parts[1], "%d %d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q", res)
	}
	return w, h, nil
}

// Pixels is width*height of res, or 0 when res is malformed.
func Pixels(res string) int64 {
	w, h, err := ParseResolution(res)
	if err != nil {
		return 0
	}
	return w * h
}
