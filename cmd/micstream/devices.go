package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available input devices",
	Long:  `List all input-capable audio devices with their stable IDs. The default device is marked with an asterisk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := newBackend()
		if err != nil {
			return err
		}
		defer backend.Close()

		devices, err := backend.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		if len(devices) == 0 {
			fmt.Println("No input devices found.")
			return nil
		}

		for _, d := range devices {
			marker := " "
			if d.Default {
				marker = "*"
			}
			fmt.Printf("%s %-40s %s\n", marker, d.Name, d.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
