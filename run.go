package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/pitchly-go/internal/gql"
)

const defaultRunParallel = 4

var (
	flagParallel int
	flagFailFast bool
	runVarsJSON  string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run FILE...",
		Short: "Execute several query or mutation files concurrently",
		Long: `Execute each file's operation concurrently over one client and print a JSON
array with one result per file, in argument order.

All operations share the credential: if several are rejected at once, a
single refresh serves them all.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}

	cmd.Flags().IntVarP(&flagParallel, "parallel", "p", defaultRunParallel, "maximum operations in flight")
	cmd.Flags().BoolVar(&flagFailFast, "fail-fast", false, "stop at the first failed operation")
	cmd.Flags().StringVar(&runVarsJSON, "vars-json", "", "variables (JSON object) passed to every operation")

	return cmd
}

// runResult is one element of the `run` output.
type runResult struct {
	File  string          `json:"file"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *runError       `json:"error,omitempty"`
}

type runError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	vars, err := parseVariables(nil, runVarsJSON)
	if err != nil {
		return err
	}

	sess, err := NewClientSession(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	results, err := executeFiles(ctx, sess.Client, args, vars, flagParallel, flagFailFast, logger)
	if err != nil {
		return err
	}

	if err := encodeJSON(cmd.OutOrStdout(), results, prettyOutput()); err != nil {
		return err
	}

	failed := 0

	for _, r := range results {
		if r.Error != nil {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d operations failed", failed, len(results))
	}

	return nil
}

// executor runs one operation. *gql.Client satisfies it.
type executor interface {
	Execute(ctx context.Context, op gql.Operation, opts ...gql.ExecuteOption) (json.RawMessage, error)
}

// executeFiles runs every file through a bounded errgroup. Operation
// failures are recorded in the results; with failFast the first one cancels
// the rest and is returned.
func executeFiles(
	ctx context.Context,
	client executor,
	files []string,
	vars map[string]any,
	workers int,
	failFast bool,
	logger *slog.Logger,
) ([]runResult, error) {
	if workers < 1 {
		workers = 1
	}

	results := make([]runResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, file := range files {
		g.Go(func() error {
			results[i] = executeFile(gctx, client, file, vars)
			if results[i].Error == nil {
				return nil
			}

			logger.Warn("operation failed",
				slog.String("file", file),
				slog.String("error", results[i].Error.Message),
			)

			if failFast {
				return fmt.Errorf("%s: %s", file, results[i].Error.Message)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func executeFile(ctx context.Context, client executor, file string, vars map[string]any) runResult {
	res := runResult{File: file}

	data, err := os.ReadFile(file)
	if err != nil {
		res.Error = &runError{Kind: "input", Message: err.Error()}
		return res
	}

	op, err := gql.NewOperation(string(data), vars)
	if err != nil {
		res.Error = &runError{Kind: "input", Message: err.Error()}
		return res
	}

	if op.Kind == gql.KindSubscription {
		res.Error = &runError{Kind: "input", Message: "subscriptions cannot be run in a batch"}
		return res
	}

	out, err := client.Execute(ctx, op)
	if err != nil {
		res.Error = toRunError(err)
		return res
	}

	res.Data = out

	return res
}

func toRunError(err error) *runError {
	var gerr *gql.Error
	if errors.As(err, &gerr) {
		return &runError{Kind: gerr.Kind.String(), Code: gerr.Code, Message: gerr.Message}
	}

	return &runError{Kind: "internal", Message: err.Error()}
}
