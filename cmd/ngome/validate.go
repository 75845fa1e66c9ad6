package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/sandbox"
)

var (
	validateConfigPath string
	validateCode       string
	validateJSON       bool
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Statically screen a snippet without executing it",
	Long: `Check a Starlark snippet against the security policy without running
it. Validation is pure static analysis, so no workspace, database, or
audit trail is touched.

Exit codes:
  0  snippet would be accepted
  1  snippet could not be read
  2  snippet has policy violations`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	validateCmd.Flags().StringVarP(&validateCode, "code", "c", "", "inline snippet instead of a file")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "print the violation list as JSON")
}

func runValidate(_ *cobra.Command, args []string) error {
	code, err := readValidateSource(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(validateConfigPath)
	if err != nil {
		return err
	}

	engine, err := sandbox.NewEngine(cfg.Policy.SandboxPolicy(), newLogger(cfg))
	if err != nil {
		return err
	}

	violations := engine.Validate(code)

	if validateJSON {
		out := struct {
			Valid      bool                `json:"valid"`
			Violations []sandbox.Violation `json:"violations,omitempty"`
		}{Valid: len(violations) == 0, Violations: violations}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else if len(violations) > 0 {
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "%s: %s\n", v.Kind, v.Message)
		}
	}

	if len(violations) > 0 {
		os.Exit(ExitRefused)
	}
	return nil
}

// readValidateSource resolves the snippet the same way run does, minus
// run's flag state.
func readValidateSource(args []string) (string, error) {
	if validateCode != "" {
		if len(args) > 0 {
			return "", fmt.Errorf("use either -c or a file argument, not both")
		}
		return validateCode, nil
	}
	if len(args) == 0 {
		return "", fmt.Errorf("no snippet given: pass a file, \"-\" for stdin, or -c")
	}
	if args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", args[0], err)
	}
	return string(data), nil
}
