package cli

import (
	"fmt"

	"github.com/fmueller/whisperd/internal/platform"
	"github.com/spf13/cobra"
)

func newDevicesCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Show the compute device the server would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			info := platform.DetectDevice(cmd.Context(), app.cfg.ForceCPU, app.probe)

			fmt.Fprintf(out, "device: %s (%s)\n", info.Device, info.Device.Precision())
			if info.Forced {
				fmt.Fprintln(out, "cpu forced by FORCE_CPU")
			}
			if len(info.GPUs) == 0 && !info.Forced {
				fmt.Fprintln(out, "no CUDA device detected")
			}
			for i, gpu := range info.GPUs {
				fmt.Fprintf(out, "gpu %d: %s, driver %s, %s\n", i, gpu.Name, gpu.DriverVersion, gpu.MemoryTotal)
			}

			host, err := platform.DescribeHost(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "host: unavailable (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "cpu: %s, %d logical cores\n", host.CPUModel, host.LogicalCores)
			fmt.Fprintf(out, "memory: %.1f GiB\n", float64(host.MemoryTotal)/(1<<30))
			return nil
		},
	}
	cmd.Flags().BoolVar(&app.forceCPU, "force-cpu", app.forceCPU, "Report as if FORCE_CPU were set")
	return cmd
}
