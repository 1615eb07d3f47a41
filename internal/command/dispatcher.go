package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	ErrNoContext        = errors.New("command executed without a command context")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrDuplicateCommand = errors.New("command already registered")
	ErrUnknownCommand   = errors.New("unknown command")
)

// Registrar accepts completed command subtrees.
type Registrar interface {
	Register(cmd *cobra.Command) error
}

// Provider contributes commands.
type Provider interface {
	RegisterCommands(b Builder, r Registrar) error
}

// Dispatcher owns the root of the command tree. cobra trees keep parse state
// between executions, so lines are parsed one at a time. Commands declaring
// flags also run one at a time since their values live in the tree.
type Dispatcher struct {
	mx    sync.Mutex
	root  *cobra.Command
	names map[string]struct{}
}

func NewDispatcher() *Dispatcher {
	root := &cobra.Command{
		Use:           "!",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	return &Dispatcher{root: root, names: map[string]struct{}{}}
}

// Register adds cmd as a top level command.
func (d *Dispatcher) Register(cmd *cobra.Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: nil command", ErrInvalidArgument)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	name := cmd.Name()
	if _, ok := d.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	d.names[name] = struct{}{}
	d.root.AddCommand(cmd)
	return nil
}

// Execute runs line against the command tree. Anything the command printed
// through cobra is sent back as a single reply.
func (d *Dispatcher) Execute(ctx context.Context, line string, cc *Context) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}

	var out bytes.Buffer
	err := d.execute(WithContext(ctx, cc), args, &out)
	if out.Len() > 0 {
		if rerr := cc.Reply(ctx, strings.TrimRight(out.String(), "\n")); rerr != nil {
			return errors.Join(err, rerr)
		}
	}
	return err
}

func (d *Dispatcher) execute(ctx context.Context, args []string, out io.Writer) error {
	d.mx.Lock()
	unlock := sync.OnceFunc(d.mx.Unlock)
	defer unlock()

	leaf, rest, err := d.root.Find(args)
	if err != nil || leaf == d.root {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}
	if !leaf.Runnable() {
		var lines []string
		collectUsage(leaf, &lines)
		slices.Sort(lines)
		_, err := fmt.Fprintln(out, strings.Join(lines, "\n"))
		return err
	}

	if err := leaf.ParseFlags(rest); err != nil {
		resetFlags(leaf)
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	argv := slices.Clone(leaf.Flags().Args())
	if err := leaf.ValidateArgs(argv); err != nil {
		resetFlags(leaf)
		return err
	}

	// the copy carries the context and output of this execution only
	run := *leaf
	run.SetContext(ctx)
	run.SetOut(out)
	run.SetErr(out)
	if leaf.Flags().HasFlags() {
		defer resetFlags(leaf)
	} else {
		unlock()
	}
	if run.RunE != nil {
		return run.RunE(&run, argv)
	}
	run.Run(&run, argv)
	return nil
}

// Usage renders one line per runnable command below the node at path. It
// does not lock, the tree must not change once commands are executed.
func (d *Dispatcher) Usage(path ...string) (string, error) {
	node := d.root
	for _, name := range path {
		next := child(node, name)
		if next == nil {
			return "", fmt.Errorf("%w: %s", ErrUnknownCommand, strings.Join(path, " "))
		}
		node = next
	}
	var lines []string
	collectUsage(node, &lines)
	slices.Sort(lines)
	return strings.Join(lines, "\n"), nil
}

func child(node *cobra.Command, name string) *cobra.Command {
	for _, c := range node.Commands() {
		if c.Name() == name || c.HasAlias(name) {
			return c
		}
	}
	return nil
}

func collectUsage(node *cobra.Command, lines *[]string) {
	if node.Runnable() && node != node.Root() {
		line := strings.TrimPrefix(node.UseLine(), node.Root().Name()+" ")
		if node.Short != "" {
			line += " - " + node.Short
		}
		*lines = append(*lines, "!"+line)
	}
	for _, c := range node.Commands() {
		if c.Hidden {
			continue
		}
		collectUsage(c, lines)
	}
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	cmd.Flags().VisitAll(reset)
}
