package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/bpelrt/internal/engine"
	"github.com/rendis/bpelrt/pkg/schema"
)

func newRunCommand(c *cli) *cobra.Command {
	var (
		inputs   []string
		messages []string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run one process to completion",
		Long: `Run deploys FILE into a throwaway database and drives it to completion.

Without --message the process is started directly with the parts given by
--input. Each --message is delivered in order and its reply printed; the
instance that received the first message is then awaited.`,
		Example: `  # Start a process that needs no inbound message
  bpelrt run examples/counter/counter.yaml

  # Call an operation, then a second one on the same instance
  bpelrt run order.yaml --message 'place={"order":{"id":"o-1","qty":2}}' \
    --message 'client.cancel={"order":{"id":"o-1"}}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			sends, err := parseMessages(messages)
			if err != nil {
				return err
			}

			cfg := c.cfg
			if c.dbPath == "" {
				dir, err := os.MkdirTemp("", "bpelrt-run-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)
				cfg.DBPath = filepath.Join(dir, "run.db")
			}
			return runProcess(cmd.Context(), cmd.OutOrStdout(), c, cfg, args[0], input, sends, timeout)
		},
	}

	cmd.Flags().StringArrayVar(&inputs, "input", nil, "input part as part=value; value is JSON or a plain string (repeatable)")
	cmd.Flags().StringArrayVar(&messages, "message", nil, "message to deliver as [partnerLink.]operation=JSON (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the instance to finish")
	return cmd
}

type send struct {
	partnerLink string
	operation   string
	message     schema.Message
}

// parseInputs turns part=value pairs into a message. Values that are not
// valid JSON are taken as strings.
func parseInputs(pairs []string) (schema.Message, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	msg := make(schema.Message, len(pairs))
	for _, p := range pairs {
		part, raw, ok := strings.Cut(p, "=")
		if !ok || part == "" {
			return nil, fmt.Errorf("--input %q: want part=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		msg[part] = v
	}
	return msg, nil
}

func parseMessages(specs []string) ([]send, error) {
	out := make([]send, 0, len(specs))
	for _, s := range specs {
		target, raw, ok := strings.Cut(s, "=")
		if !ok || target == "" {
			return nil, fmt.Errorf("--message %q: want [partnerLink.]operation=JSON", s)
		}
		var sd send
		if link, op, ok := strings.Cut(target, "."); ok {
			sd.partnerLink, sd.operation = link, op
		} else {
			sd.operation = target
		}
		if err := json.Unmarshal([]byte(raw), &sd.message); err != nil {
			return nil, fmt.Errorf("--message %q: %w", s, err)
		}
		out = append(out, sd)
	}
	return out, nil
}

// inboundLink finds the partner link on which the process offers op.
func inboundLink(proc *schema.Process, op string) (string, error) {
	var found []string
	for _, s := range proc.Scopes() {
		for name, pl := range s.PartnerLinks {
			if _, ok := pl.Operations[op]; ok && pl.HasMyRole() {
				found = append(found, name)
			}
		}
	}
	sort.Strings(found)
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no partner link offers operation %q", op)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("operation %q is offered by %s; name one as link.%s", op, strings.Join(found, ", "), op)
	}
}

func runProcess(ctx context.Context, out io.Writer, c *cli, cfg Config, path string, input schema.Message, sends []send, timeout time.Duration) (err error) {
	a, err := newApp(ctx, cfg, c.logger, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.Background()); err == nil {
			err = cerr
		}
	}()

	f, err := a.deployFile(ctx, path)
	if err != nil {
		return err
	}
	process := f.Process.Name.Local

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var id int64
	if len(sends) == 0 {
		if id, err = a.engine.Start(ctx, process, input); err != nil {
			return err
		}
	}
	for _, sd := range sends {
		if sd.partnerLink == "" {
			if sd.partnerLink, err = inboundLink(f.Process, sd.operation); err != nil {
				return err
			}
		}
		reply, err := deliver(ctx, a.engine, engine.Delivery{
			Process:     process,
			PartnerLink: sd.partnerLink,
			Operation:   sd.operation,
			Message:     sd.message,
		})
		if err != nil {
			return err
		}
		if id == 0 {
			id = reply.InstanceID
		}
		if err := printJSON(out, map[string]any{
			"operation":   sd.partnerLink + "." + sd.operation,
			"instance_id": reply.InstanceID,
			"reply":       reply.Message,
			"fault":       reply.Fault.String(),
		}); err != nil {
			return err
		}
	}

	if _, err := a.engine.Wait(ctx, id); err != nil {
		return fmt.Errorf("instance %d did not finish: %w", id, err)
	}
	return printInstance(ctx, out, a.engine, id)
}

func deliver(ctx context.Context, e *engine.Engine, d engine.Delivery) (engine.Reply, error) {
	x, err := e.Deliver(ctx, d)
	if err != nil {
		return engine.Reply{}, err
	}
	return x.Wait(ctx)
}

// printInstance writes the final status and variables of an instance.
func printInstance(ctx context.Context, out io.Writer, e *engine.Engine, id int64) error {
	info, err := e.Instance(ctx, id)
	if err != nil {
		return err
	}
	vars, err := e.Variables(ctx, id)
	if err != nil {
		return err
	}
	values := make(map[string]json.RawMessage, len(vars))
	for _, v := range vars {
		values[v.Name] = v.Value
	}
	return printJSON(out, struct {
		*engine.InstanceInfo
		Variables map[string]json.RawMessage `json:"variables"`
	}{info, values})
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
