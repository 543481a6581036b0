package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hmdriver/message"
	"hmdriver/recorder"
)

func newDevicesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List attached devices and their claims",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			serials, err := e.hdc.ListTargets(ctx)
			if err != nil {
				return err
			}
			owners := map[string]string{}
			if e.reg != nil {
				claims, err := e.reg.Discover(ctx)
				if err != nil {
					return err
				}
				for _, c := range claims {
					owners[c.Serial] = c.Owner
				}
			}
			sort.Strings(serials)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERIAL\tOWNER")
			for _, s := range serials {
				owner := owners[s]
				if owner == "" {
					owner = "-"
				}
				fmt.Fprintf(w, "%s\t%s\n", s, owner)
			}
			return w.Flush()
		},
	}
}

func newInvokeCmd(flags *rootFlags) *cobra.Command {
	var (
		this     string
		captures bool
	)
	cmd := &cobra.Command{
		Use:   "invoke <api> [json-args]",
		Short: "Call one agent API and print the result",
		Example: `  hmctl invoke Driver.getDisplaySize
  hmctl invoke Driver.click '[630, 1360]'
  hmctl invoke --captures captureLayout`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 2 {
				raw = args[1]
			}
			callArgs, err := parseArgs(raw)
			if err != nil {
				return err
			}
			if captures && this != "" {
				return fmt.Errorf("--this cannot be used with --captures")
			}

			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.close()
			d, err := e.acquire(cmd.Context())
			if err != nil {
				return err
			}

			c := d.Client()
			var res message.Result
			switch {
			case captures:
				res, err = c.InvokeCaptures(cmd.Context(), args[0], callArgs...)
			case this != "":
				res, err = c.InvokeOn(cmd.Context(), message.Handle(this), args[0], callArgs...)
			default:
				res, err = c.Invoke(cmd.Context(), args[0], callArgs...)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&this, "this", "", "object handle to call on (default the root driver)")
	cmd.Flags().BoolVar(&captures, "captures", false, "call the capture subsystem")
	return cmd
}

// parseArgs reads a JSON array of call arguments. Numbers keep their text.
func parseArgs(raw string) ([]any, error) {
	if raw == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var args []any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("args must be a JSON array: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("args must be a single JSON array")
	}
	return args, nil
}

func newLayoutCmd(flags *rootFlags) *cobra.Command {
	var indent bool
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Print the UI hierarchy as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.close()
			d, err := e.acquire(cmd.Context())
			if err != nil {
				return err
			}
			tree, err := d.DumpHierarchy(cmd.Context())
			if err != nil {
				return err
			}
			if indent {
				var buf bytes.Buffer
				if err := json.Indent(&buf, []byte(tree), "", "  "); err == nil {
					tree = buf.String()
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), tree)
			return nil
		},
	}
	cmd.Flags().BoolVar(&indent, "indent", true, "pretty print")
	return cmd
}

func newRecordCmd(flags *rootFlags) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "record <dir>",
		Short: "Save screen frames as numbered JPEG files",
		Long:  "Record until --duration elapses or the command is interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration < 0 {
				return fmt.Errorf("--duration must not be negative")
			}
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			// the driver session makes sure the agent is running
			d, err := e.acquire(ctx)
			if err != nil {
				return err
			}
			sink, err := recorder.NewDirSink(dir)
			if err != nil {
				return err
			}
			opts := recorder.DefaultOptions()
			opts.Session = e.cfg.SessionOptions(d.Bridge(), nil)
			r := recorder.New(d.Bridge(), sink, opts)
			if err := r.Start(ctx); err != nil {
				return err
			}

			if duration > 0 {
				timer := time.NewTimer(duration)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-ctx.Done():
				}
			} else {
				<-ctx.Done()
			}
			loc, err := r.Stop()
			fmt.Fprintf(cmd.OutOrStdout(), "%d frames in %s\n", r.Frames(), loc)
			return err
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to record, 0 until interrupted")
	return cmd
}
