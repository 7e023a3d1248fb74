// Command kernelsim drives the kernel core's packages through the
// end-to-end scenarios that exercise the buddy allocator, the memory
// capability's lazy/cow page states, channel rendezvous and call/reply,
// map_many's transactional rollback, and userspace ASLR placement --
// without any real hardware, since none of those packages touch a real
// MMU or CR3.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kernel/klog"
)

func main() {
	var verbose bool

	root := &cobra.Command{
		Use:   "kernelsim",
		Short: "run end-to-end scenarios against the kernel core packages",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				klog.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	for _, sc := range scenarios {
		sc := sc
		root.AddCommand(&cobra.Command{
			Use:   sc.name,
			Short: sc.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOne(sc)
			},
		})
	}
	root.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "run every scenario and report a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAll()
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runOne(sc scenario) error {
	if err := sc.run(); err != nil {
		fmt.Printf("FAIL %-4s %-50s %v\n", sc.name, sc.short, err)
		return err
	}
	fmt.Printf("PASS %-4s %-50s\n", sc.name, sc.short)
	return nil
}

func runAll() error {
	failed := 0
	for _, sc := range scenarios {
		if err := runOne(sc); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(scenarios))
	}
	return nil
}
