package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/busybox42/floodmesh/pkg/network"
	"github.com/busybox42/floodmesh/pkg/types"
	"github.com/fatih/color"
)

const sendTimeout = 30 * time.Second

type MessageRecord struct {
	Timestamp time.Time
	Sender    types.Identity
	Recipient types.Identity
	Content   string
	Status    string
}

// Sender originates overlay messages; *server.Server satisfies it.
type Sender interface {
	Send(ctx context.Context, dest types.Identity, payload []byte) (*network.SendReport, error)
}

// Console is the interactive prompt: pick a destination, type a message.
// Deliveries arriving meanwhile are printed between prompts.
type Console struct {
	in  *bufio.Reader
	out io.Writer
	mu  sync.Mutex // guards out and prompt

	self      types.Identity
	neighbors []types.Identity
	publicKey string
	sender    Sender
	prompt    string

	messageHistory []MessageRecord
	historyMu      sync.RWMutex
}

var (
	okColor     = color.New(color.FgGreen)
	badColor    = color.New(color.FgRed, color.Bold)
	pathColor   = color.New(color.FgCyan)
	promptColor = color.New(color.FgYellow)
)

func newConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:             bufio.NewReader(in),
		out:            out,
		messageHistory: make([]MessageRecord, 0),
	}
}

// Attach connects the console to a running node.
func (c *Console) Attach(self types.Identity, neighbors []types.Identity, publicKey string, s Sender) {
	c.self = self
	c.neighbors = neighbors
	c.publicKey = publicKey
	c.sender = s
}

func (c *Console) addToHistory(record MessageRecord) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	c.messageHistory = append(c.messageHistory, record)
}

func (c *Console) History() []MessageRecord {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()
	return append([]MessageRecord(nil), c.messageHistory...)
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) showPrompt(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompt = p
	promptColor.Fprint(c.out, p)
}

// HandleDelivery prints a consumed message and redraws the prompt.
func (c *Console) HandleDelivery(d *network.Delivery) {
	status := "received"
	if !d.SignatureValid {
		status = "received, signature invalid"
	}
	c.addToHistory(MessageRecord{
		Timestamp: d.ReceivedAt,
		Sender:    d.Origin,
		Recipient: d.Destination,
		Content:   string(d.Content),
		Status:    status,
	})

	hops := make([]string, len(d.Path))
	for i, id := range d.Path {
		hops[i] = id.String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\r\n[%s] Message from %s", d.ReceivedAt.Format("15:04:05"), d.Origin)
	if d.Destination.IsBroadcast() {
		fmt.Fprint(c.out, " to everyone")
	}
	fmt.Fprintf(c.out, ": %s\n", d.Content)
	if d.SignatureValid {
		okColor.Fprintln(c.out, "  signature valid")
	} else {
		badColor.Fprintln(c.out, "  SIGNATURE INVALID")
	}
	pathColor.Fprintf(c.out, "  path: %s\n", strings.Join(hops, " -> "))
	if c.prompt != "" {
		promptColor.Fprint(c.out, c.prompt)
	}
}

func (c *Console) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Run reads commands until "exit", end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	c.printf("Node %s\n", c.self)
	c.printf("Neighbors: %s\n", joinIdentities(c.neighbors))
	c.printf("Type a destination (host:port or ALL), or 'help'.\n")

	for ctx.Err() == nil {
		c.showPrompt("destination> ")
		input, err := c.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch strings.ToLower(input) {
		case "":
			continue
		case "exit":
			return nil
		case "help":
			c.printHelp()
			continue
		case "neighbors":
			c.printf("Neighbors: %s\n", joinIdentities(c.neighbors))
			continue
		case "history":
			c.printHistory()
			continue
		case "mykey":
			c.printf("Local Public Key: %s\n", c.publicKey)
			continue
		}

		dest, err := types.ParseIdentity(input)
		if err != nil {
			c.printf("Invalid destination: %v\n", err)
			continue
		}
		if dest == c.self {
			c.printf("That is this node; pick another destination.\n")
			continue
		}

		c.showPrompt("message> ")
		message, err := c.readLine()
		if errors.Is(err, io.EOF) && message == "" {
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if message == "" {
			c.printf("Empty message, nothing sent.\n")
			continue
		}

		c.send(ctx, dest, message)
	}
	return ctx.Err()
}

func (c *Console) send(ctx context.Context, dest types.Identity, message string) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	report, err := c.sender.Send(ctx, dest, []byte(message))

	status := "sent"
	switch {
	case err != nil:
		status = "failed"
		c.printf("Failed to send message: %v\n", err)
	case len(report.Reached) == 0:
		status = "failed"
		c.printf("Message could not be handed to any peer\n")
	default:
		c.printf("Message sent to %d peer(s)", len(report.Reached))
		if len(report.Failed) > 0 {
			c.printf(", %d unreachable", len(report.Failed))
		}
		c.printf("\n")
	}

	c.addToHistory(MessageRecord{
		Timestamp: time.Now(),
		Sender:    c.self,
		Recipient: dest,
		Content:   message,
		Status:    status,
	})
}

func (c *Console) printHistory() {
	history := c.History()
	if len(history) == 0 {
		c.printf("No message history\n")
		return
	}
	for _, record := range history {
		c.printf("[%s] %s -> %s: %s (%s)\n",
			record.Timestamp.Format("15:04:05"),
			record.Sender,
			record.Recipient,
			record.Content,
			record.Status)
	}
}

func (c *Console) printHelp() {
	c.printf("Available commands:\n")
	c.printf("  <host:port>   - Send a message to one node\n")
	c.printf("  ALL           - Send a message to every node\n")
	c.printf("  neighbors     - List direct neighbors\n")
	c.printf("  history       - Show message history\n")
	c.printf("  mykey         - Show this node's public key\n")
	c.printf("  help          - Show this help message\n")
	c.printf("  exit          - Exit the application\n")
}

func joinIdentities(ids []types.Identity) string {
	if len(ids) == 0 {
		return "(none)"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
