// Command fieldvm compiles and evaluates field scripts from the command
// line. Scripts are written in the pkg/script Lisp dialect and produce a
// node graph with declared outputs.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/procgraph/fieldvm"
)

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:           "fieldvm",
		Short:         "Compile and evaluate procedural field expressions",
		Version:       fieldvm.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(dumpCmd())
	rootCmd.AddCommand(opsCmd())
	rootCmd.AddCommand(benchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// logger returns a debug logger when --verbose is set, else nil so the
// libraries stay silent.
func logger() *slog.Logger {
	if !verbose {
		return nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
