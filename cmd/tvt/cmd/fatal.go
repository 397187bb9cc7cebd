package cmd

import (
	"fmt"
	"log"
	"os"
)

var (
	// globals used to patch over calls to os.Exit() during test

	logFatalln = log.Fatalln
	osExit     = os.Exit

	// infoLogger prints expected command output to os.Stdout
	infoLogger = log.New(os.Stdout, "", 0)
)

func init() {
	log.SetFlags(0)
}

func wrapFatalln(msg string, err error) {
	if err == nil {
		logFatalln(msg)
	} else {
		logFatalln(fmt.Errorf(msg+": %w", err))
	}
}
