package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nimburion/leasequeue/pkg/queue"
)

// sweepView is the printed form of a sweep pass.
type sweepView struct {
	TenantID     string     `json:"tenant_id"`
	Kind         queue.Kind `json:"kind"`
	Skipped      bool       `json:"skipped,omitempty"`
	Scanned      int        `json:"scanned"`
	Released     int        `json:"released"`
	DeadLettered int        `json:"dead_lettered"`
	Conflicts    int        `json:"conflicts"`
	Error        string     `json:"error,omitempty"`
}

type listView struct {
	Records []*queue.Record `json:"records"`
	Count   int             `json:"count"`
}

func (a *app) enqueueCommand() *cobra.Command {
	var (
		payload     string
		payloadFile string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <tenant> <kind> <record-id>",
		Short: "Insert a pending record",
		Long: "Insert a pending record. The payload comes from --payload, or from --payload-file " +
			"(\"-\" reads stdin). Enqueueing an existing record id fails with a duplicate error.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := queue.ParseKind(args[1])
			if err != nil {
				return err
			}
			body, err := readPayload(cmd.InOrStdin(), payload, payloadFile, cmd.Flags().Changed("payload"))
			if err != nil {
				return err
			}

			e, err := a.bootstrap(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			q, err := e.openDataQueue(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := q.Enqueue(cmd.Context(), args[0], kind, args[2], body)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "record payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the payload from a file, \"-\" for stdin")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	return setPolicy(cmd, PolicyOnDemand)
}

func (a *app) getCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <tenant> <kind> <record-id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := queue.ParseKind(args[1])
			if err != nil {
				return err
			}
			e, err := a.bootstrap(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			q, err := e.openDataQueue(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := q.Get(cmd.Context(), args[0], kind, args[2])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), rec)
		},
	}
	return setPolicy(cmd, PolicyOnDemand)
}

func (a *app) listCommand() *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list <tenant> <kind>",
		Short: "List records of a tenant and kind in one state, oldest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := queue.ParseKind(args[1])
			if err != nil {
				return err
			}
			parsedState, err := queue.ParseState(state)
			if err != nil {
				return err
			}
			if limit < 1 {
				return errors.New("--limit must be at least 1")
			}
			e, err := a.bootstrap(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			q, err := e.openDataQueue(cmd.Context())
			if err != nil {
				return err
			}
			records, err := q.List(cmd.Context(), args[0], kind, parsedState, limit)
			if err != nil {
				return err
			}
			if records == nil {
				records = []*queue.Record{}
			}
			return a.print(cmd.OutOrStdout(), listView{Records: records, Count: len(records)})
		},
	}
	cmd.Flags().StringVar(&state, "state", string(queue.StateDeadLettered), "record state (pending, leased, completed, dead_lettered)")
	cmd.Flags().IntVar(&limit, "limit", queue.DefaultListLimit, "maximum number of records")
	return setPolicy(cmd, PolicyOnDemand)
}

func readPayload(stdin io.Reader, inline, file string, inlineSet bool) ([]byte, error) {
	switch {
	case inlineSet:
		return []byte(inline), nil
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return data, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return data, nil
	default:
		return nil, nil
	}
}
