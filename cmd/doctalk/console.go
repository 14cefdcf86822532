package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/lexiqai/doctalk/internal/client"
	"github.com/lexiqai/doctalk/internal/docstore"
	"github.com/lexiqai/doctalk/internal/ingestion"
	"github.com/lexiqai/doctalk/internal/session"
	"github.com/lexiqai/doctalk/internal/transcript"
)

const helpText = `commands:
  /start                   start talking (connects if needed)
  /stop                    stop the microphone
  /upload <path> [--ocr]   upload a PDF
  /delete <name>           delete an uploaded document
  /docs                    list documents
  /status                  show connection state
  /reconnect               reconnect with a fresh retry budget
  /quit                    exit`

var errUnknownCommand = errors.New("unknown command")

type command struct {
	name string
	arg  string
	ocr  bool
}

// parseCommand reads one console line.
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}

	cmd := command{name: strings.ToLower(fields[0])}
	rest := fields[1:]

	switch cmd.name {
	case "/start", "/stop", "/docs", "/status", "/reconnect", "/quit", "/exit", "/help":
		return cmd, nil

	case "/upload":
		var parts []string
		for _, f := range rest {
			if f == "--ocr" {
				cmd.ocr = true
				continue
			}
			parts = append(parts, f)
		}
		cmd.arg = strings.Join(parts, " ")
		if cmd.arg == "" {
			return command{}, fmt.Errorf("usage: /upload <path> [--ocr]")
		}
		return cmd, nil

	case "/delete":
		cmd.arg = strings.Join(rest, " ")
		if cmd.arg == "" {
			return command{}, fmt.Errorf("usage: /delete <name>")
		}
		return cmd, nil

	default:
		return command{}, fmt.Errorf("%w %q (try /help)", errUnknownCommand, fields[0])
	}
}

// consoleClient is the part of client.Client the console drives.
type consoleClient interface {
	StartRecording(ctx context.Context) error
	StopRecording()
	Upload(ctx context.Context, req ingestion.UploadRequest) error
	Delete(ctx context.Context, filename string) error
	Documents() []docstore.Document
	RefreshDocuments(ctx context.Context) error
	Reconnect(ctx context.Context) error
	State() session.State
	Ready() bool
	Recording() bool
	UserID() (string, bool)
}

type console struct {
	client   consoleClient
	out      io.Writer
	ocr      bool
	readFile func(string) ([]byte, error)
}

func newConsole(c consoleClient, out io.Writer, ocr bool) *console {
	return &console{client: c, out: out, ocr: ocr, readFile: os.ReadFile}
}

// run reads commands until /quit, end of input, or ctx is cancelled.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	fmt.Fprintln(c.out, "doctalk ready. Type /help for commands.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read command: %w", err)
					}
				default:
				}
				return nil
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Fprintf(c.out, "! %v\n", err)
				continue
			}
			if cmd.name == "" {
				continue
			}
			quit, err := c.execute(ctx, cmd)
			if err != nil {
				fmt.Fprintf(c.out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (c *console) execute(ctx context.Context, cmd command) (bool, error) {
	switch cmd.name {
	case "/start":
		if err := c.client.StartRecording(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "* listening")

	case "/stop":
		c.client.StopRecording()
		fmt.Fprintln(c.out, "* microphone off")

	case "/upload":
		data, err := c.readFile(cmd.arg)
		if err != nil {
			return false, fmt.Errorf("upload: %w", err)
		}
		req := ingestion.UploadRequest{
			Filename: filepath.Base(cmd.arg),
			Data:     data,
			OCR:      cmd.ocr || c.ocr,
		}
		if err := c.client.Upload(ctx, req); err != nil {
			return false, fmt.Errorf("upload: %w", err)
		}
		fmt.Fprintf(c.out, "* uploading %s\n", req.Filename)

	case "/delete":
		if err := c.client.Delete(ctx, cmd.arg); err != nil {
			return false, fmt.Errorf("delete: %w", err)
		}
		fmt.Fprintf(c.out, "* deleting %s\n", cmd.arg)

	case "/docs":
		if err := c.client.RefreshDocuments(ctx); err != nil {
			fmt.Fprintf(c.out, "! showing cached listing: %v\n", err)
		}
		writeDocuments(c.out, c.client.Documents())

	case "/status":
		user, ok := c.client.UserID()
		if !ok {
			user = "(none)"
		}
		fmt.Fprintf(c.out, "state=%s ready=%t recording=%t user=%s\n",
			c.client.State(), c.client.Ready(), c.client.Recording(), user)

	case "/reconnect":
		if err := c.client.Reconnect(ctx); err != nil {
			return false, fmt.Errorf("reconnect: %w", err)
		}

	case "/help":
		fmt.Fprintln(c.out, helpText)

	case "/quit", "/exit":
		return true, nil
	}
	return false, nil
}

func writeDocuments(out io.Writer, docs []docstore.Document) {
	if len(docs) == 0 {
		fmt.Fprintln(out, "no documents")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tLOCATION")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", d.Filename, d.Size, d.StoragePath)
	}
	tw.Flush()
}

// presentEvents prints client events until the channel closes.
func presentEvents(events <-chan client.Event, out io.Writer) {
	for ev := range events {
		if line := formatEvent(ev); line != "" {
			fmt.Fprintln(out, line)
		}
	}
}

func formatEvent(ev client.Event) string {
	switch ev.Type {
	case client.EventState:
		return fmt.Sprintf("* session %s", ev.State)
	case client.EventWarning:
		return fmt.Sprintf("! %v", ev.Err)
	case client.EventDeviceError:
		return fmt.Sprintf("! microphone: %v", ev.Err)
	case client.EventFatal:
		return fmt.Sprintf("!! %v (use /reconnect)", ev.Err)
	case client.EventIngestion:
		return formatOutcome(ev.Outcome)
	case client.EventTranscript:
		return formatEntry(ev.Entry)
	}
	return ""
}

func formatOutcome(o ingestion.Outcome) string {
	switch o.Status {
	case ingestion.StatusConfirmed:
		return fmt.Sprintf("* %s %s: confirmed", o.Action, o.Filename)
	case ingestion.StatusReconciled:
		listed := "not listed"
		if o.Listed {
			listed = "listed"
		}
		return fmt.Sprintf("* %s %s: no acknowledgement, store says %s", o.Action, o.Filename, listed)
	default:
		return fmt.Sprintf("! %s %s failed: %v", o.Action, o.Filename, o.Err)
	}
}

func formatEntry(e transcript.Entry) string {
	switch {
	case e.Role == transcript.RoleAssistant:
		return "assistant> " + e.Text
	case e.Tool:
		return "query> " + e.Text
	default:
		return string(e.Role) + "> " + e.Text
	}
}
