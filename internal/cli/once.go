package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"perp-spike-alerts/internal/service"
)

// Exit codes for single-shot runs so cron/systemd can distinguish
// failure classes.
const (
	exitFetch    = 2
	exitDispatch = 3
	exitStorage  = 4
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Execute exactly one poll cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		err := getApp().Once(cmd.Context())
		if err == nil {
			return nil
		}

		var cycleErr *service.CycleError
		if errors.As(err, &cycleErr) {
			fmt.Fprintln(os.Stderr, cycleErr)
			switch cycleErr.Class {
			case service.ClassFetch:
				os.Exit(exitFetch)
			case service.ClassDispatch:
				os.Exit(exitDispatch)
			case service.ClassStorage:
				os.Exit(exitStorage)
			}
		}
		return err
	},
}
