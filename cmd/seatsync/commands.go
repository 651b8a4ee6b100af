package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/auditlog"
	"github.com/MarcoPoloResearchLab/seatsync/internal/billing"
	"github.com/MarcoPoloResearchLab/seatsync/internal/cursors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the driver loop and the operator status surface until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context())
		},
	}
}

func runEngine(ctx context.Context) error {
	app, err := newApplication(applicationOptions{withProcessor: true})
	if err != nil {
		return err
	}
	defer app.close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := app.newRunner(signalCtx)
	if err != nil {
		return err
	}

	var httpServer *http.Server
	if app.config.HTTP.Address != "" {
		if httpServer, err = app.newStatusServer(); err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return runner.Run(groupCtx, app.config.Driver.Interval)
	})

	if httpServer != nil {
		group.Go(func() error {
			app.logger.Info("status server starting", zap.String("address", httpServer.Addr))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	return group.Wait()
}

func newAdvanceCommand() *cobra.Command {
	var untilIdle bool
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Run one driver pass over every cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(applicationOptions{withProcessor: true})
			if err != nil {
				return err
			}
			defer app.close()

			runner, err := app.newRunner(cmd.Context())
			if err != nil {
				return err
			}
			if untilIdle {
				attempted, err := runner.RunUntilIdle(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "attempted %d entries\n", attempted)
				return err
			}
			result, err := runner.Pass(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "pass %s: attempted=%d idle=%d stalled=%d busy=%d failed=%d drained=%d\n",
				result.ID, result.Attempted, result.Idle, result.Stalled, result.Busy, result.Failed, result.Drained)
			return err
		},
	}
	cmd.Flags().BoolVar(&untilIdle, "until-idle", false, "Repeat passes until no cursor has work")
	return cmd
}

func newCursorsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursors",
		Short: "List processor cursors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(applicationOptions{})
			if err != nil {
				return err
			}
			defer app.close()

			list, err := app.cursors.List(cmd.Context())
			if err != nil {
				return err
			}
			return writeCursorTable(cmd.OutOrStdout(), list)
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stalled",
			Short: "List cursors waiting for operator intervention",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := newApplication(applicationOptions{})
				if err != nil {
					return err
				}
				defer app.close()

				list, err := app.cursors.ListStalled(cmd.Context())
				if err != nil {
					return err
				}
				return writeCursorTable(cmd.OutOrStdout(), list)
			},
		},
		newClearStallCommand(cursors.ResolutionRetry, "Retry the entry a stalled cursor is parked at"),
		newClearStallCommand(cursors.ResolutionSkip, "Move a stalled cursor past its parked entry without applying it"),
	)
	return cmd
}

func newClearStallCommand(resolution cursors.Resolution, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(resolution) + " <cursor-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cursorID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || cursorID <= 0 {
				return fmt.Errorf("invalid cursor id %q", args[0])
			}
			app, err := newApplication(applicationOptions{withProcessor: true})
			if err != nil {
				return err
			}
			defer app.close()

			cleared, err := app.processor.ClearStall(cmd.Context(), cursorID, resolution)
			if err != nil {
				return err
			}
			return writeCursorTable(cmd.OutOrStdout(), []cursors.Cursor{cleared})
		},
	}
}

func newResetQuantityCommand() *cobra.Command {
	var realm int64
	var quantity int64
	cmd := &cobra.Command{
		Use:   "reset-quantity",
		Short: "Record an absolute seat count for a realm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			realmID, err := auditlog.NewRealmID(realm)
			if err != nil {
				return err
			}
			if quantity < 0 {
				return fmt.Errorf("quantity must be non-negative")
			}
			extraData, err := json.Marshal(billing.Arguments{Quantity: &quantity})
			if err != nil {
				return err
			}
			payload := string(extraData)

			app, err := newApplication(applicationOptions{})
			if err != nil {
				return err
			}
			defer app.close()

			entry, err := app.entries.Append(cmd.Context(), auditlog.AppendRequest{
				RealmID:               realmID,
				EventType:             auditlog.EventTypeSubscriptionQuantityReset,
				EventTime:             time.Now().UTC(),
				ExtraData:             &payload,
				RequiresBillingUpdate: true,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded entry %d for realm %d\n", entry.ID, entry.RealmID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&realm, "realm", 0, "Realm id")
	cmd.Flags().Int64Var(&quantity, "quantity", 0, "Absolute seat count")
	_ = cmd.MarkFlagRequired("realm")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func newAccountsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage realm billing accounts",
	}

	var realm int64
	var externalID string
	var inactive bool
	link := &cobra.Command{
		Use:   "link",
		Short: "Link a realm to its provider customer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			realmID, err := auditlog.NewRealmID(realm)
			if err != nil {
				return err
			}
			app, err := newApplication(applicationOptions{})
			if err != nil {
				return err
			}
			defer app.close()

			account, err := app.accounts.Upsert(cmd.Context(), realmID, externalID, !inactive)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "realm %d linked to %s (billing relationship: %t)\n",
				account.RealmID, account.ExternalAccountID, account.HasBillingRelationship)
			return nil
		},
	}
	link.Flags().Int64Var(&realm, "realm", 0, "Realm id")
	link.Flags().StringVar(&externalID, "external-id", "", "Provider customer id")
	link.Flags().BoolVar(&inactive, "inactive", false, "Record the account without an active billing relationship")
	_ = link.MarkFlagRequired("realm")
	_ = link.MarkFlagRequired("external-id")

	cmd.AddCommand(link)
	return cmd
}

func newOperatorTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "operator-token",
		Short: "Issue a bearer token for the operator status surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(applicationOptions{})
			if err != nil {
				return err
			}
			defer app.close()

			issuer, err := app.newTokenIssuer()
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueOperatorToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Operator identity recorded in the token")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func writeCursorTable(out io.Writer, list []cursors.Cursor) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tKIND\tREALM\tSTATE\tWATERMARK\tUPDATED")
	for _, cursor := range list {
		realm := "-"
		if realmID, ok := cursor.Realm(); ok {
			realm = strconv.FormatInt(realmID.Int64(), 10)
		}
		watermark := "-"
		if cursor.WatermarkEntryID != nil {
			watermark = strconv.FormatInt(*cursor.WatermarkEntryID, 10)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\n",
			cursor.ID, cursor.Kind(), realm, cursor.State, watermark, cursor.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return writer.Flush()
}
