// Command vinegar runs the Vinegar network boot server: HTTP and TFTP
// listeners backed by one or more configured data sources (spec.md §6
// "CLI"). Following the teacher's cmd/mount.go pattern, flags are
// registered in init() and the command body lives in RunE.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vinegar-boot/vinegar/internal/config"
	"github.com/vinegar-boot/vinegar/internal/server"
	"github.com/vinegar-boot/vinegar/internal/verr"
)

var configFile string

func init() {
	serverCmd.Flags().StringVar(&configFile, "config-file", "/etc/vinegar/vinegar.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(serverCmd)
}

var rootCmd = &cobra.Command{
	Use:   "vinegar",
	Short: "Vinegar network boot server",
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the HTTP and TFTP listeners",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(configFile)
	},
}

func runServer(configFile string) error {
	logger := log.New(os.Stderr, "vinegar: ", log.LstdFlags)

	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Printf("configuration error: %v", err)
		return exitError{code: 1, err: err}
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		var cfgErr *verr.ConfigError
		if errors.As(err, &cfgErr) {
			logger.Printf("configuration error: %v", err)
			return exitError{code: 1, err: err}
		}
		logger.Printf("startup error: %v", err)
		return exitError{code: 2, err: err}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Printf("runtime error: %v", err)
			return exitError{code: 3, err: err}
		}
		return nil
	case s := <-sig:
		logger.Printf("received %v, shutting down", s)
		if err := srv.Shutdown(); err != nil {
			logger.Printf("shutdown error: %v", err)
			return exitError{code: 3, err: err}
		}
		<-done
		return nil
	}
}

// exitError carries the process exit code spec.md §6 assigns to each
// error taxonomy category through to main without cobra's default
// error-printing behavior double-logging it.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if ex, ok := err.(exitError); ok {
			ee = ex
		} else {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, ee.Error())
		os.Exit(ee.code)
	}
}
