package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"portalbridge/internal/core/proxy"
)

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Discover and validate egress proxies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, cfg, needs{})
		if err != nil {
			return err
		}
		defer rt.Close()

		pool, err := newPool(cfg, rt.redis)
		if err != nil {
			return err
		}
		cands, err := pool.Check(ctx)
		if err != nil {
			return err
		}
		formatCandidates(os.Stdout, cands)
		for _, c := range cands {
			if c.Status == proxy.StatusValid {
				return nil
			}
		}
		return errors.New("no valid proxy found")
	},
}

func init() {
	rootCmd.AddCommand(proxiesCmd)
}
