package approval

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

type Result struct {
	Approved   bool
	UserAction string
}

// Prompt describes what the operator is asked to confirm.
type Prompt struct {
	Title   string
	Details []string
}

func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Ask confirms on the controlling terminal. Without a terminal the answer
// is always no.
func Ask(p Prompt) Result {
	if !IsInteractive() {
		return Result{
			Approved:   false,
			UserAction: "auto_deny_non_interactive",
		}
	}
	return Confirm(os.Stdin, os.Stderr, p)
}

// Confirm prints p to out and reads y/n answers from in until one is valid.
func Confirm(in io.Reader, out io.Writer, p Prompt) Result {
	fmt.Fprintln(out, "")
	fmt.Fprintf(out, "%s\n", p.Title)
	for _, d := range p.Details {
		fmt.Fprintf(out, "  %s\n", d)
	}
	fmt.Fprintln(out, "")

	reader := bufio.NewReader(in)

	for {
		fmt.Fprint(out, "Proceed? [y/n]: ")
		input, err := reader.ReadString('\n')
		if err != nil && input == "" {
			return Result{
				Approved:   false,
				UserAction: "error_reading_input",
			}
		}

		input = strings.TrimSpace(strings.ToLower(input))

		switch input {
		case "y", "yes":
			return Result{
				Approved:   true,
				UserAction: "confirm",
			}
		case "n", "no":
			return Result{
				Approved:   false,
				UserAction: "decline",
			}
		default:
			if err != nil {
				return Result{Approved: false, UserAction: "error_reading_input"}
			}
			fmt.Fprintln(out, "Invalid input. Please enter 'y' or 'n'.")
		}
	}
}
