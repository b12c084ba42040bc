package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pitchly-go/internal/gql"
)

// documentFlags are the flags shared by commands that take one operation.
type documentFlags struct {
	query    string
	file     string
	vars     []string
	varsJSON string
}

func (f *documentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.query, "query", "e", "", "operation document")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "read the operation document from a file (\"-\" for stdin)")
	cmd.Flags().StringArrayVar(&f.vars, "var", nil, "variable as name=value; JSON values are decoded (repeatable)")
	cmd.Flags().StringVar(&f.varsJSON, "vars-json", "", "variables as a JSON object")
	cmd.MarkFlagsMutuallyExclusive("query", "file")
}

// operation reads the document and variables and classifies the operation.
func (f *documentFlags) operation(stdin io.Reader) (gql.Operation, error) {
	doc, err := readDocument(f.query, f.file, stdin)
	if err != nil {
		return gql.Operation{}, err
	}

	vars, err := parseVariables(f.vars, f.varsJSON)
	if err != nil {
		return gql.Operation{}, err
	}

	return gql.NewOperation(doc, vars)
}

var (
	queryDoc         documentFlags
	flagNoCache      bool
	flagNetworkOnly  bool
	errEmptyDocument = errors.New("no operation document given (use --query, --file, or stdin)")
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Execute a query or mutation and print its data",
		Long: `Execute a GraphQL query or mutation over HTTP and print the data as JSON.

Query results are cached per user for cache_ttl; mutations are never cached.
Use 'pitchly-go subscribe' for subscriptions.`,
		Args: cobra.NoArgs,
		RunE: runQuery,
	}

	queryDoc.register(cmd)
	cmd.Flags().BoolVar(&flagNoCache, "no-cache", false, "neither read nor write the result cache")
	cmd.Flags().BoolVar(&flagNetworkOnly, "network-only", false, "always query the platform, then update the cache")
	cmd.MarkFlagsMutuallyExclusive("no-cache", "network-only")

	return cmd
}

func runQuery(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	op, err := queryDoc.operation(cmd.InOrStdin())
	if err != nil {
		return err
	}

	if op.Kind == gql.KindSubscription {
		return errors.New("this is a subscription; run it with 'pitchly-go subscribe'")
	}

	sess, err := NewClientSession(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	data, err := sess.Client.Execute(ctx, op, gql.WithCachePolicy(cachePolicy()))
	if err != nil {
		return describeError(err)
	}

	return writeJSON(cmd.OutOrStdout(), data, prettyOutput())
}

func cachePolicy() gql.CachePolicy {
	switch {
	case flagNoCache:
		return gql.NoCache
	case flagNetworkOnly:
		return gql.NetworkOnly
	default:
		return gql.CacheFirst
	}
}

// prettyOutput reports whether JSON results are indented: on a terminal,
// unless --json asks for machine-readable output.
func prettyOutput() bool {
	return !flagJSON && stdoutIsTerminal()
}

// readDocument returns the operation text from --query, --file, or stdin in
// that order of preference.
func readDocument(query, file string, stdin io.Reader) (string, error) {
	var doc string

	switch {
	case query != "":
		doc = query
	case file != "" && file != "-":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading operation file: %w", err)
		}

		doc = string(data)
	case stdin != nil:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading operation from stdin: %w", err)
		}

		doc = string(data)
	}

	if strings.TrimSpace(doc) == "" {
		return "", errEmptyDocument
	}

	return doc, nil
}

// parseVariables merges --vars-json with --var pairs; pairs win. A pair's
// value is decoded as JSON when it parses, so --var n=3 sends a number and
// --var name=Ada sends a string.
func parseVariables(pairs []string, varsJSON string) (map[string]any, error) {
	vars := make(map[string]any)

	if varsJSON != "" {
		if err := json.Unmarshal([]byte(varsJSON), &vars); err != nil {
			return nil, fmt.Errorf("--vars-json must be a JSON object: %w", err)
		}
	}

	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q: want name=value", pair)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}

		vars[name] = value
	}

	if len(vars) == 0 {
		return nil, nil //nolint:nilnil // no variables
	}

	return vars, nil
}

// describeError adds a next step to errors the user can act on.
func describeError(err error) error {
	var gerr *gql.Error
	if !errors.As(err, &gerr) {
		return err
	}

	switch gerr.Kind {
	case gql.AuthError:
		return fmt.Errorf("%w (run 'pitchly-go login' to sign in again)", err)
	case gql.NetworkError:
		if resolvedCfg == nil {
			return err
		}

		return fmt.Errorf("%w (is %s reachable?)", err, resolvedCfg.PlatformOrigin)
	default:
		return err
	}
}
