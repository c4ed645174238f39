package main

import (
	"fmt"
	"os"

	"github.com/gonuts/commander"
)

// #region main

func main() {
	app := &commander.Command{
		UsageLine: "aligntrain",
		Short:     "distributed averaged perceptron training for word alignment",
		Subcommands: []*commander.Command{
			trainCmd(),
			alignCmd(),
			extractCmd(),
			inspectCmd(),
		},
	}
	if err := app.Dispatch(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main
