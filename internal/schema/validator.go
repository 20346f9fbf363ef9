package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"

	"github.com/roach88/fieldsync/internal/model"
)

// entityField is the top-level struct holding one schema per entity type.
const entityField = "entity"

// Validator checks payloads against compiled CUE schemas.
//
// A cue.Context is not safe for concurrent use, so every evaluation holds mu.
type Validator struct {
	mu    sync.Mutex
	ctx   *cue.Context
	root  cue.Value
	types []string
}

// New returns a Validator with no schemas. It accepts every payload.
func New() *Validator {
	return &Validator{ctx: cuecontext.New()}
}

// Compile builds a Validator from CUE source.
func Compile(src string) (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return newValidator(ctx, root)
}

// Load builds a Validator from the .cue files in dir. An empty dir yields a
// Validator with no schemas.
func Load(dir string) (*Validator, error) {
	if dir == "" {
		return New(), nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema directory: not a directory: %s", dir)
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	root := ctx.BuildInstance(inst)
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", err)
	}
	return newValidator(ctx, root)
}

func newValidator(ctx *cue.Context, root cue.Value) (*Validator, error) {
	v := &Validator{ctx: ctx, root: root}

	entities := root.LookupPath(cue.ParsePath(entityField))
	if !entities.Exists() {
		return v, nil
	}
	if k := entities.IncompleteKind(); k != cue.StructKind {
		return nil, fmt.Errorf("%s must be a struct, got %v", entityField, k)
	}
	iter, err := entities.Fields(cue.Definitions(false))
	if err != nil {
		return nil, fmt.Errorf("iterating %s: %w", entityField, err)
	}
	for iter.Next() {
		v.types = append(v.types, iter.Label())
	}
	sort.Strings(v.types)
	return v, nil
}

// Types returns the entity types that have a schema, sorted.
func (v *Validator) Types() []string {
	out := make([]string, len(v.types))
	copy(out, v.types)
	return out
}

// Validate checks payload for an operation of the given kind. Failures are
// returned as model VALIDATION errors.
func (v *Validator) Validate(entityType string, kind model.Kind, payload model.Record) error {
	if entityType == "" {
		return model.NewValidationError("entity type is required")
	}
	if !kind.Valid() {
		return model.NewValidationError("unknown operation kind %q", kind)
	}
	if kind == model.KindDelete {
		return nil
	}
	if payload == nil {
		return &model.Error{
			Code:       model.ErrCodeValidation,
			Message:    fmt.Sprintf("%s requires a payload", kind),
			EntityType: entityType,
		}
	}

	data, err := payload.Canonical()
	if err != nil {
		return &model.Error{Code: model.ErrCodeValidation, Message: "payload is not serializable", EntityType: entityType, Err: err}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.root.Exists() {
		return nil
	}
	def := v.root.LookupPath(cue.MakePath(cue.Str(entityField), cue.Str(entityType)))
	if !def.Exists() {
		return nil
	}

	val := v.ctx.CompileBytes(data, cue.Filename(entityType+".json"))
	if err := val.Err(); err != nil {
		return &model.Error{Code: model.ErrCodeValidation, Message: "payload is not valid JSON", EntityType: entityType, Err: err}
	}

	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return &model.Error{
			Code:       model.ErrCodeValidation,
			Message:    describe(err),
			EntityType: entityType,
		}
	}
	return nil
}

// describe flattens a CUE error list into one line per problem.
func describe(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return msg
}

// FindCUEFiles walks dir and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
