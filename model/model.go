package model

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/r2gencmn/r2gen/api"
	"github.com/r2gencmn/r2gen/ml"
	_ "github.com/r2gencmn/r2gen/ml/backend"
	"github.com/r2gencmn/r2gen/model/input"
)

var ErrUnknownArchitecture = errors.New("unsupported model architecture")

// DefaultBackend is the backend New allocates parameters on.
const DefaultBackend = "dense"

// Model implements a report generation architecture. Forward fuses the
// visual features of an image batch and runs the mode selected in opts.
type Model interface {
	Forward(ctx ml.Context, images ml.Tensor, opts input.ForwardOptions) (input.Result, error)

	Backend() ml.Backend
	Options() api.Options
	Vocabulary() *Vocabulary
}

// Base implements the common fields and methods for all models
type Base struct {
	b     ml.Backend
	opts  api.Options
	vocab *Vocabulary
}

// NewBase is used by tests and callers that build a model without the registry.
func NewBase(b ml.Backend, opts api.Options, vocab *Vocabulary) Base {
	return Base{b: b, opts: opts, vocab: vocab}
}

// Backend returns the underlying backend holding the model parameters
func (m *Base) Backend() ml.Backend {
	return m.b
}

func (m *Base) Options() api.Options {
	return m.opts
}

func (m *Base) Vocabulary() *Vocabulary {
	return m.vocab
}

var models = make(map[string]func(Base) (Model, error))

// Register registers a model constructor for the given architecture
func Register(name string, f func(Base) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// Architectures lists the registered architectures.
func Architectures() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// New validates opts, allocates a backend seeded with opts.Seed and builds
// the architecture opts names.
func New(opts api.Options, params ml.BackendParams) (Model, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	f, ok := models[opts.Architecture]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArchitecture, opts.Architecture)
	}

	vocab, err := LoadVocabulary(opts.VocabPath)
	if err != nil {
		return nil, err
	}

	params.Seed = opts.Seed
	b, err := ml.NewBackend(DefaultBackend, params)
	if err != nil {
		return nil, err
	}

	m, err := f(NewBase(b, opts, vocab))
	if err != nil {
		return nil, err
	}

	slog.Info("model", "architecture", opts.Architecture, "dataset", opts.DatasetName, "vocab", vocab.Size())
	return m, nil
}

// Parameter is a tensor reachable from a model through fields tagged
// with `param`.
type Parameter struct {
	Name   string
	Tensor ml.Tensor
}

// Parameters walks v and returns every ml.Tensor field reachable through
// `param` tags, named by joining the tags with dots. Slice elements are
// named by their index. Untagged and unexported fields are skipped.
func Parameters(v any) []Parameter {
	var params []Parameter
	collectFields(reflect.ValueOf(v), nil, &params)
	return params
}

var tensorType = reflect.TypeOf((*ml.Tensor)(nil)).Elem()

func collectFields(v reflect.Value, tags []Tag, params *[]Parameter) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		if v.Type().Implements(tensorType) {
			break
		}

		v = v.Elem()
	}

	if v.Type().Implements(tensorType) {
		if t, ok := v.Interface().(ml.Tensor); ok && t != nil {
			*params = append(*params, Parameter{Name: joinTags(tags), Tensor: t})
		}

		return
	}

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}

			tag := field.Tag.Get("param")
			if tag == "" || tag == "-" {
				continue
			}

			// make a copy
			tagsCopy := append(tags[:len(tags):len(tags)], ParseTags(tag))
			collectFields(v.Field(i), tagsCopy, params)
		}
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			collectFields(v.Index(i), append(tags[:len(tags):len(tags)], Tag{Name: strconv.Itoa(i)}), params)
		}
	}
}

func joinTags(tags []Tag) string {
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag.Name != "" {
			names = append(names, tag.Name)
		}
	}

	return strings.Join(names, ".")
}

type Tag struct {
	Name string
}

// ParseTags reads the name of a `param` tag. Options after a comma are
// ignored.
func ParseTags(s string) (tag Tag) {
	name, _, _ := strings.Cut(s, ",")
	tag.Name = name
	return
}

// TrainableParameters sums the element counts of params that require
// gradients.
func TrainableParameters(params []Parameter) int {
	var n int
	for _, p := range params {
		if p.Tensor.RequiresGrad() {
			n += ml.Elements(p.Tensor.Shape()...)
		}
	}

	return n
}

// Modules groups params by the first component of their name.
func Modules(params []Parameter) []api.ModuleParameters {
	var modules []api.ModuleParameters
	index := make(map[string]int)
	for _, p := range params {
		name, _, _ := strings.Cut(p.Name, ".")
		i, ok := index[name]
		if !ok {
			i = len(modules)
			index[name] = i
			modules = append(modules, api.ModuleParameters{Name: name})
		}

		n := ml.Elements(p.Tensor.Shape()...)
		modules[i].Count += n
		if p.Tensor.RequiresGrad() {
			modules[i].Trainable += n
		}
	}

	return modules
}

// Describe renders one line per parameter: name, shape and whether it
// requires gradients.
func Describe(name string, params []Parameter) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s(\n", name)
	for _, p := range params {
		shape := make([]string, len(p.Tensor.Shape()))
		for i, d := range p.Tensor.Shape() {
			shape[i] = strconv.Itoa(d)
		}

		fmt.Fprintf(&sb, "  %s: %s [%s]", p.Name, p.Tensor.DType(), strings.Join(shape, ", "))
		if !p.Tensor.RequiresGrad() {
			sb.WriteString(" frozen")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(")")

	return sb.String()
}

// Freeze stops gradient tracking on params.
func Freeze(params []Parameter) {
	for _, p := range params {
		p.Tensor.SetRequiresGrad(false)
	}
}
