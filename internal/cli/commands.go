// Package cli implements the interactive operator console: live session,
// negotiation and transfer tables plus a kick command.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/tether-project/tether/internal/events"
	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/peer"
	"github.com/tether-project/tether/internal/transfer"
	"github.com/tether-project/tether/internal/util"
)

const prompt = "tether> "

// Deps are the runtime components the console inspects.
type Deps struct {
	Registry  *network.Registry
	Peers     *peer.Engine
	Transfers *transfer.Tracker
	Bus       *events.EventBus
	Version   string
}

// CLI provides an interactive command-line interface.
type CLI struct {
	deps    Deps
	in      io.Reader
	out     io.Writer
	started time.Time
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(deps Deps, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		deps:    deps,
		in:      in,
		out:     out,
		started: time.Now(),
	}
}

// Start reads commands until ctx is cancelled, the input ends or quit is entered.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nTether CLI ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Str("component", "cli").Msg("CLI input failed")
		}
	}()

	for {
		fmt.Fprint(c.out, prompt)

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		quit, err := c.execute(ctx, cmd, parts[1:])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		if quit {
			return
		}
	}
}

// execute runs one command and reports whether the console should exit.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions", "ls":
		c.printSessions()
	case "peers":
		c.printPeers(args)
	case "transfers":
		c.printTransfers()
	case "kick":
		return false, c.cmdKick(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down Tether...")
		if c.deps.Bus != nil {
			c.deps.Bus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                     Tether CLI Commands                      ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status             Show runtime counters                    ║")
	fmt.Fprintln(c.out, "║  sessions           List live connections                    ║")
	fmt.Fprintln(c.out, "║  peers [deviceId]   List negotiation records                 ║")
	fmt.Fprintln(c.out, "║  transfers          List tracked transfer sessions           ║")
	fmt.Fprintln(c.out, "║  kick <connId>      Close a connection                       ║")
	fmt.Fprintln(c.out, "║  quit               Shutdown Tether                          ║")
	fmt.Fprintln(c.out, "║  help               Show this help message                   ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	reg := c.deps.Registry
	byTransport := reg.CountByTransport()
	peers := c.deps.Peers.Stats()
	usage := util.GetResourceUsage("")

	fmt.Fprintln(c.out)
	tw := c.newTable("Metric", "Value")
	tw.AppendBulk([][]string{
		{"Version", c.deps.Version},
		{"Uptime", formatDuration(time.Since(c.started))},
		{"Connections", fmt.Sprint(reg.Count())},
		{"  TCP", fmt.Sprint(byTransport[network.TransportTCP])},
		{"  WebSocket", fmt.Sprint(byTransport[network.TransportWebSocket])},
		{"Online users", fmt.Sprint(reg.UserCount())},
		{"Peers pending", fmt.Sprint(peers.Pending)},
		{"Peers accepted", fmt.Sprint(peers.TargetAccepted)},
		{"Peers connected", fmt.Sprint(peers.Connected)},
		{"Transfers", fmt.Sprint(c.deps.Transfers.Count())},
		{"Goroutines", fmt.Sprint(usage.Goroutines)},
		{"Heap", fmt.Sprintf("%d MB", usage.HeapMB)},
	})
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printSessions() {
	conns := c.deps.Registry.All()
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].ConnectedAt().Before(conns[j].ConnectedAt())
	})

	fmt.Fprintln(c.out)
	tw := c.newTable("Connection", "Transport", "Remote", "User", "Session", "Connected", "Idle")
	now := time.Now()
	for _, conn := range conns {
		user, session := "-", "-"
		if id, ok := conn.Identity(); ok {
			user = id.UserName
			if user == "" {
				user = id.UserID
			}
			session = id.SessionID
		}
		tw.Append([]string{
			conn.ID(),
			string(conn.Kind()),
			conn.RemoteIP(),
			user,
			session,
			formatDuration(now.Sub(conn.ConnectedAt())),
			formatDuration(now.Sub(conn.LastActivity())),
		})
	}
	tw.Render()
	fmt.Fprintf(c.out, "%d connection(s)\n\n", len(conns))
}

func (c *CLI) printPeers(args []string) {
	var records []peer.Record
	if len(args) > 0 {
		records = c.deps.Peers.ActiveFor(args[0])
	} else {
		records = c.deps.Peers.All()
	}

	fmt.Fprintln(c.out)
	tw := c.newTable("Request", "Initiator", "Target", "State", "Port", "Reason", "Age")
	now := time.Now()
	for _, rec := range records {
		port := "-"
		if rec.TargetPort > 0 {
			port = fmt.Sprint(rec.TargetPort)
		}
		reason := string(rec.LastReason)
		if reason == "" {
			reason = "-"
		}
		tw.Append([]string{
			rec.RequestID,
			rec.Initiator,
			rec.Target(),
			string(rec.State),
			port,
			reason,
			formatDuration(now.Sub(rec.CreatedAt)),
		})
	}
	tw.Render()
	fmt.Fprintf(c.out, "%d record(s)\n\n", len(records))
}

func (c *CLI) printTransfers() {
	sessions := c.deps.Transfers.All()

	fmt.Fprintln(c.out)
	tw := c.newTable("Transfer", "Sender", "Receiver", "State", "Updated")
	now := time.Now()
	for _, s := range sessions {
		tw.Append([]string{
			s.TransferID,
			s.SenderDeviceID,
			s.ReceiverDeviceID,
			string(s.State),
			formatDuration(now.Sub(s.UpdatedAt)) + " ago",
		})
	}
	tw.Render()
	fmt.Fprintf(c.out, "%d transfer(s)\n\n", len(sessions))
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: kick <connId>")
	}

	conn, ok := c.deps.Registry.Get(args[0])
	if !ok {
		return fmt.Errorf("connection not found: %s", args[0])
	}

	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", args[0], err)
	}

	log.Info().Str("component", "cli").Str("conn_id", args[0]).Msg("connection kicked via CLI")
	fmt.Fprintf(c.out, "Connection %s closed\n", args[0])
	return nil
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
