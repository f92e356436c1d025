package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// ConfirmRequest carries everything a confirmation prompt shows the user.
type ConfirmRequest struct {
	Operation Operation
	Context   OperationContext
	Risk      RiskAssessment
}

// Answer is the user's verdict on a confirmation prompt.
type Answer string

const (
	AnswerApproved  Answer = "approved"
	AnswerDenied    Answer = "denied"
	AnswerCancelled Answer = "cancelled"
)

// Confirmer presents an operation to the user and collects a verdict. The
// implementation must observe ctx: on deadline or cancellation it returns
// promptly, and the manager treats the outcome as a denial.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (Answer, error)
}

// StdinConfirmer prompts on a terminal. It accepts y (approve), n (deny),
// s (show full operation detail and ask again), and q (cancel, treated as
// deny). Unrecognised input reprompts. EOF, a broken stream, or an expired
// context all deny.
type StdinConfirmer struct {
	in  io.Reader
	out io.Writer
}

// NewStdinConfirmer returns a confirmer reading from os.Stdin and writing to
// os.Stdout.
func NewStdinConfirmer() *StdinConfirmer {
	return &StdinConfirmer{in: os.Stdin, out: os.Stdout}
}

// NewConfirmerIO returns a confirmer over explicit streams, for tests and
// embedding in other frontends.
func NewConfirmerIO(in io.Reader, out io.Writer) *StdinConfirmer {
	return &StdinConfirmer{in: in, out: out}
}

// Confirm implements Confirmer.
func (c *StdinConfirmer) Confirm(ctx context.Context, req ConfirmRequest) (Answer, error) {
	c.printSummary(req)

	// The reader goroutine may outlive this call when the context expires
	// while a read is blocked on a terminal; it exits at the next line or EOF.
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
		close(lines)
	}()

	for {
		fmt.Fprint(c.out, "Approve this operation? [y/n/s/q]: ")

		select {
		case <-ctx.Done():
			return AnswerDenied, fmt.Errorf("approval: confirmation timed out: %w", ctx.Err())

		case err := <-errs:
			return AnswerDenied, fmt.Errorf("approval: confirmation stream: %w", err)

		case line, ok := <-lines:
			if !ok {
				return AnswerDenied, fmt.Errorf("approval: confirmation stream closed")
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return AnswerApproved, nil
			case "n", "no":
				return AnswerDenied, nil
			case "q", "quit":
				return AnswerCancelled, nil
			case "s", "show":
				c.printDetail(req)
			default:
				fmt.Fprintln(c.out, "Please answer y (approve), n (deny), s (show detail) or q (cancel).")
			}
		}
	}
}

func (c *StdinConfirmer) printSummary(req ConfirmRequest) {
	fmt.Fprintf(c.out, "\nOperation requires approval:\n")
	fmt.Fprintf(c.out, "  %-12s %s\n", "type:", req.Operation.Type)
	fmt.Fprintf(c.out, "  %-12s %s\n", "target:", req.Operation.Target)
	if req.Operation.Description != "" {
		fmt.Fprintf(c.out, "  %-12s %s\n", "description:", req.Operation.Description)
	}
	fmt.Fprintf(c.out, "  %-12s %s (score %d)\n", "risk:", req.Risk.Level, req.Risk.Score)
	for _, f := range req.Risk.Factors {
		fmt.Fprintf(c.out, "    - [%d] %s\n", f.Severity, f.Description)
	}
}

func (c *StdinConfirmer) printDetail(req ConfirmRequest) {
	fmt.Fprintf(c.out, "\nFull operation detail:\n")
	fmt.Fprintf(c.out, "  %-16s %s\n", "sandbox mode:", req.Context.SandboxMode)
	fmt.Fprintf(c.out, "  %-16s %s\n", "workspace root:", req.Context.WorkspaceRoot)
	if req.Context.UserIntent != "" {
		fmt.Fprintf(c.out, "  %-16s %s\n", "user intent:", req.Context.UserIntent)
	}
	if req.Context.SessionID != "" {
		fmt.Fprintf(c.out, "  %-16s %s\n", "session:", req.Context.SessionID)
	}
	for k, v := range req.Operation.Metadata {
		fmt.Fprintf(c.out, "  metadata.%-7s %v\n", k+":", v)
	}
	if len(req.Risk.Recommendations) > 0 {
		fmt.Fprintln(c.out, "  recommendations:")
		for _, r := range req.Risk.Recommendations {
			fmt.Fprintf(c.out, "    - %s\n", r)
		}
	}
}
