package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/schema"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	EntityType string
	Kind       string
	Payload    string
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool     `json:"valid"`
	Types []string `json:"types"`

	// Checked is set when a payload was validated.
	Checked string `json:"checked,omitempty"`
}

// RenderText implements textRenderer.
func (r ValidationResult) RenderText(w io.Writer) {
	if len(r.Types) == 0 {
		fmt.Fprintln(w, "No entity schemas found; every payload is accepted.")
	} else {
		fmt.Fprintf(w, "Entity schemas: %s\n", strings.Join(r.Types, ", "))
	}
	if r.Checked != "" {
		fmt.Fprintf(w, "%s %s payload is valid\n", good.Sprint("✓"), r.Checked)
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <schemas-dir>",
		Short: "Check entity schemas and, optionally, a payload",
		Long: `Compile the CUE entity schemas in a directory and list the entity types
they cover. With --type and --payload, also check a payload the way
submit would before it is sent or queued.

Examples:
  fieldsync validate ./schemas
  fieldsync validate ./schemas --type patient --payload '{"name":"Amina","ward":"3"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EntityType, "type", "", "entity type of the payload")
	cmd.Flags().StringVar(&opts.Kind, "kind", string(model.KindCreate), "operation kind (create|update)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "JSON payload to check")
	cmd.MarkFlagsRequiredTogether("type", "payload")

	return cmd
}

func runValidate(opts *ValidateOptions, dir string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	v, err := schema.Load(dir)
	if err != nil {
		return out.Fail("failed to load schemas", err)
	}
	out.VerboseLog("Loaded schemas for %d entity type(s) from %s", len(v.Types()), dir)

	result := ValidationResult{Valid: true, Types: v.Types()}
	if opts.Payload == "" {
		return out.Success(result)
	}

	kind, err := model.ParseKind(opts.Kind)
	if err != nil {
		return out.Fail("invalid --kind", err)
	}
	payload, err := model.DecodeRecord([]byte(opts.Payload))
	if err != nil {
		return out.Fail("invalid --payload", model.NewValidationError("%v", err))
	}
	if err := v.Validate(opts.EntityType, kind, payload); err != nil {
		return out.Fail(fmt.Sprintf("%s payload is invalid", opts.EntityType), err)
	}
	result.Checked = opts.EntityType
	return out.Success(result)
}
