package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pitchly-go/internal/gql"
)

var (
	subscribeDoc documentFlags
	flagCount    int
)

func newSubscribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Stream subscription events until interrupted",
		Long: `Run a GraphQL subscription over the websocket connection and print each
event as one line of JSON.

The connection is re-established after network failures and the credential
is refreshed when the platform rejects it. A login or logout by another
pitchly-go process re-subscribes under the new identity. Stops on Ctrl-C,
when the platform completes the subscription, or after --count events.`,
		Args: cobra.NoArgs,
		RunE: runSubscribe,
	}

	subscribeDoc.register(cmd)
	cmd.Flags().IntVarP(&flagCount, "count", "n", 0, "stop after this many events (0 = unlimited)")

	return cmd
}

func runSubscribe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	op, err := subscribeDoc.operation(cmd.InOrStdin())
	if err != nil {
		return err
	}

	if op.Kind != gql.KindSubscription {
		return fmt.Errorf("this is a %s; run it with 'pitchly-go query'", op.Kind)
	}

	sess, err := NewClientSession(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.Watch(ctx, logger)

	sub, err := sess.Client.Subscribe(ctx, op)
	if err != nil {
		return describeError(err)
	}
	defer sub.Close()

	return streamEvents(ctx, sub, cmd.OutOrStdout(), flagCount, logger)
}

// streamEvents writes every event as a compact JSON line until the
// subscription ends, ctx is canceled, or limit events were written. Per-event
// errors are logged and streaming continues.
func streamEvents(ctx context.Context, sub *gql.Subscription, w io.Writer, limit int, logger *slog.Logger) error {
	written := 0

	for limit <= 0 || written < limit {
		data, err := sub.Next(ctx)

		var eventErr *gql.EventError

		switch {
		case err == nil:
			if werr := writeJSON(w, data, false); werr != nil {
				return werr
			}

			written++
		case errors.As(err, &eventErr):
			logger.Warn("subscription event failed",
				slog.String("code", eventErr.Err.Code),
				slog.String("error", eventErr.Err.Message),
			)
		case errors.Is(err, io.EOF):
			statusf("Subscription completed after %d events.\n", written)
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return describeError(err)
		}
	}

	return nil
}
