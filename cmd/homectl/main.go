// homectl is the operator CLI for a homegate daemon.
//
// Usage:
//
//	homectl [-address url] [-token jwt] <command> [arguments]
//
// Run homectl -h for the command list.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/nerrad567/homegate/internal/api"
)

const defaultAddress = "http://localhost:1456"

// errUsage marks argument errors; the command's usage is printed with it.
var errUsage = errors.New("usage")

type command struct {
	name    string
	args    string
	summary string
	run     func(ctx context.Context, c *client, args []string, out io.Writer) error
}

var commands = []command{
	{"get-info", "<id>", "show a device and its actionner", getInfo},
	{"list-device", "[kind]", "list devices, optionally of one kind (label or id)", listDevice},
	{"register-device", "-name n -kind k -actionner id -id-in-actionner x", "add a device", registerDevice},
	{"register-actionner", "-protocol p -name n -remote addr", "add an actionner", registerActionner},
	{"list-actionners", "", "list actionners", listActionners},
	{"list-protocols", "", "list protocols", listProtocols},
	{"list-kinds", "", "list device kinds", listKinds},
	{"command", "<id> <payload>", "send a command to a device and print the reply", sendCommand},
	{"change-status", "<id> on|off", "switch a device on or off", changeStatus},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one homectl invocation and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("homectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	address := fs.String("address", defaultAddress, "homegate API address")
	token := fs.String("token", os.Getenv("HOMECTL_TOKEN"), "API token (default $HOMECTL_TOKEN)")
	fs.Usage = func() { usage(fs, stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	name := fs.Arg(0)
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "homectl: unknown command %q\n", name)
		fs.Usage()
		return 2
	}

	c, err := newClient(*address, *token)
	if err != nil {
		fmt.Fprintf(stderr, "homectl: %v\n", err)
		return 2
	}

	if err := cmd.run(ctx, c, fs.Args()[1:], stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "homectl: %v\nusage: homectl %s %s\n", err, cmd.name, cmd.args)
			return 2
		}
		fmt.Fprintf(stderr, "homectl: %v\n", err)
		return 1
	}
	return 0
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "usage: homectl [flags] <command> [arguments]")
	fmt.Fprintln(w, "\ncommands:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s %s\t%s\n", c.name, c.args, c.summary)
	}
	tw.Flush()
	fmt.Fprintln(w, "\nflags:")
	fs.PrintDefaults()
}

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: invalid id %q", errUsage, s)
	}
	return uint32(n), nil
}

func wantArgs(args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: expected %d argument(s), got %d", errUsage, n, len(args))
	}
	return nil
}

func getInfo(ctx context.Context, c *client, args []string, out io.Writer) error {
	if err := wantArgs(args, 1); err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	info, err := c.getDevice(ctx, id)
	if err != nil {
		return err
	}

	o, a := info.Object, info.Actionner
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%d\n", o.ID)
	fmt.Fprintf(tw, "name\t%s\n", o.Name)
	fmt.Fprintf(tw, "kind\t%s (%d)\n", o.Kind, o.KindID)
	fmt.Fprintf(tw, "actionner\t%d %s\n", a.ID, a.Name)
	fmt.Fprintf(tw, "protocol\t%s\n", a.Protocol)
	fmt.Fprintf(tw, "remote\t%s\n", a.Remote)
	fmt.Fprintf(tw, "id in actionner\t%s\n", o.IDInActionner)
	return tw.Flush()
}

func listDevice(ctx context.Context, c *client, args []string, out io.Writer) error {
	if len(args) > 1 {
		return fmt.Errorf("%w: at most one kind", errUsage)
	}
	var kindID uint32
	if len(args) == 1 {
		var err error
		if kindID, err = c.resolveKind(ctx, args[0]); err != nil {
			return err
		}
	}
	objects, err := c.listDevices(ctx, kindID)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tACTIONNER\tID IN ACTIONNER")
	for _, o := range objects {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", o.ID, o.Name, o.Kind, o.ActionnerID, o.IDInActionner)
	}
	return tw.Flush()
}

func registerDevice(ctx context.Context, c *client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("register-device", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "device name")
	kind := fs.String("kind", "", "kind label or id")
	actionner := fs.Uint("actionner", 0, "owning actionner id")
	idIn := fs.String("id-in-actionner", "", "address of the device on its actionner")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *kind == "" || *actionner == 0 {
		return fmt.Errorf("%w: -kind and -actionner are required", errUsage)
	}

	req := api.RegisterDeviceRequest{
		Name:          *name,
		ActionnerID:   uint32(*actionner),
		IDInActionner: *idIn,
	}
	if n, err := strconv.ParseUint(*kind, 10, 32); err == nil {
		req.KindID = uint32(n)
	} else {
		req.Kind = *kind
	}

	o, err := c.registerDevice(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "registered device %d (%s, kind %s/%d)\n", o.ID, o.Name, o.Kind, o.KindID)
	return nil
}

func registerActionner(ctx context.Context, c *client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("register-actionner", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	proto := fs.String("protocol", "", "protocol name")
	name := fs.String("name", "", "actionner name")
	remote := fs.String("remote", "", "remote address (protocol dependent)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *proto == "" {
		return fmt.Errorf("%w: -protocol is required", errUsage)
	}

	a, err := c.registerActionner(ctx, api.RegisterActionnerRequest{Protocol: *proto, Name: *name, Remote: *remote})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "registered actionner %d (%s over %s at %s)\n", a.ID, a.Name, a.Protocol, a.Remote)
	return nil
}

func listActionners(ctx context.Context, c *client, args []string, out io.Writer) error {
	if err := wantArgs(args, 0); err != nil {
		return err
	}
	actionners, err := c.listActionners(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPROTOCOL\tREMOTE")
	for _, a := range actionners {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", a.ID, a.Name, a.Protocol, a.Remote)
	}
	return tw.Flush()
}

func listProtocols(ctx context.Context, c *client, args []string, out io.Writer) error {
	if err := wantArgs(args, 0); err != nil {
		return err
	}
	protos, err := c.listProtocols(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCOMMANDS\tDESCRIPTION")
	for _, p := range protos {
		cmds := strings.Join(p.SupportedCommands, ",")
		if cmds == "" {
			cmds = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, cmds, p.Description)
	}
	return tw.Flush()
}

func listKinds(ctx context.Context, c *client, args []string, out io.Writer) error {
	if err := wantArgs(args, 0); err != nil {
		return err
	}
	kinds, err := c.listKinds(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME")
	for _, k := range kinds {
		fmt.Fprintf(tw, "%d\t%s\n", k.ID, k.Name)
	}
	return tw.Flush()
}

func sendCommand(ctx context.Context, c *client, args []string, out io.Writer) error {
	if err := wantArgs(args, 2); err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return doCommand(ctx, c, id, []byte(args[1]), out)
}

func changeStatus(ctx context.Context, c *client, args []string, out io.Writer) error {
	if err := wantArgs(args, 2); err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	status := strings.ToLower(strings.TrimSpace(args[1]))
	if status != "on" && status != "off" {
		return fmt.Errorf("%w: unknown status %q", errUsage, args[1])
	}
	return doCommand(ctx, c, id, []byte(status), out)
}

func doCommand(ctx context.Context, c *client, id uint32, payload []byte, out io.Writer) error {
	resp, err := c.command(ctx, id, payload)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(resp.Reply))
	return nil
}
