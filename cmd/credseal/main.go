package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ericfisherdev/credseal/internal/domain/model"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(report(os.Stderr, err))
	}
}

// report prints a failed command's error and returns the exit code. Pipeline
// failures print only their kind; the detail goes to the debug log.
func report(w io.Writer, err error) int {
	if kind := model.KindOf(err); kind != "" {
		fmt.Fprintf(w, "credseal: %s\n", kind)
		slog.Debug("command failed", "error", err)
		return 1
	}
	fmt.Fprintf(w, "credseal: %v\n", err)
	return 1
}
