package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/sandbox"
)

// Exit codes for the run and validate commands.
const (
	ExitSuccess  = 0
	ExitFailure  = 1
	ExitRefused  = 2
	ExitDisabled = 3
)

var (
	runConfigPath string
	runCode       string
	runBindings   string
	runDirect     bool
	runJSON       bool
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute a Starlark snippet in the sandbox",
	Long: `Execute a Starlark snippet from a file, stdin ("-"), or the -c flag.
The snippet is screened against the security policy, executed in the
restricted interpreter, and recorded in the audit trail and execution
history like any other submission.

Examples:
  ngome run script.star
  echo 'result = 6 * 7' | ngome run -
  ngome run -c 'print("hello")' --bindings '{"user": "ops"}'

Exit codes:
  0  success
  1  execution failure (runtime error, timeout, memory limit)
  2  refused by the security policy
  3  execution disabled by policy`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVarP(&runCode, "code", "c", "", "inline snippet instead of a file")
	runCmd.Flags().StringVar(&runBindings, "bindings", "", "JSON object exposed to the guest as top-level names")
	runCmd.Flags().BoolVar(&runDirect, "direct", false, "run without sandbox restrictions (trusted code only)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
}

func runRun(_ *cobra.Command, args []string) error {
	code, err := readSource(args)
	if err != nil {
		return err
	}

	bindings, err := parseBindings(runBindings)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	mode := sandbox.Sandboxed
	if runDirect {
		mode = sandbox.Direct
	}

	id, result := sc.Dispatcher.Dispatch(ctx, "cli", sandbox.ExecutionRequest{
		Code:             code,
		InjectedBindings: bindings,
	}, mode)

	// Records are flushed before the process exits below.
	stop()
	sc.Cleanup()

	if runJSON {
		printResultJSON(id.String(), result)
	}

	switch result.Failure {
	case sandbox.FailureNone:
		if !runJSON {
			fmt.Print(result.Stdout)
			if result.ReturnValue != nil {
				fmt.Fprintf(os.Stderr, "[execution_id=%s result=%v duration=%s]\n",
					id, result.ReturnValue, result.Duration)
			} else {
				fmt.Fprintf(os.Stderr, "[execution_id=%s duration=%s]\n", id, result.Duration)
			}
		}
		os.Exit(ExitSuccess)

	case sandbox.FailureViolation:
		if !runJSON {
			fmt.Fprintln(os.Stderr, "Error: refused by security policy")
			for _, v := range result.Violations {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", v.Kind, v.Message)
			}
		}
		os.Exit(ExitRefused)

	case sandbox.FailureDisabled:
		if !runJSON {
			fmt.Fprintln(os.Stderr, "Error: guest code execution is disabled by policy")
		}
		os.Exit(ExitDisabled)

	default:
		if !runJSON {
			fmt.Print(result.Stdout)
			fmt.Fprintf(os.Stderr, "Error: %s (%s)\n", result.Error, result.Failure)
		}
		os.Exit(ExitFailure)
	}

	return nil
}

// readSource resolves the snippet from the -c flag, a file argument, or stdin.
func readSource(args []string) (string, error) {
	if runCode != "" {
		if len(args) > 0 {
			return "", fmt.Errorf("use either -c or a file argument, not both")
		}
		return runCode, nil
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

// parseBindings decodes the --bindings JSON object.
func parseBindings(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var bindings map[string]any
	if err := json.Unmarshal([]byte(raw), &bindings); err != nil {
		return nil, fmt.Errorf("parsing --bindings: %w", err)
	}
	return bindings, nil
}

// printResultJSON writes the full execution result to stdout.
func printResultJSON(id string, result *sandbox.ExecutionResult) {
	out := struct {
		ID string `json:"id"`
		*sandbox.ExecutionResult
	}{ID: id, ExecutionResult: result}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: encoding result: %v\n", err)
		os.Exit(ExitFailure)
	}
	fmt.Println(string(data))
}
