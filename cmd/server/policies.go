package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/policy"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Inspect or synchronise cache policies",
}

var policiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the effective policy of every configured cache name",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		var registry *policy.Registry
		var names []string

		configured, err := cfg.Cache.Policies()
		if err != nil {
			return err
		}
		names = slices.Collect(maps.Keys(configured))

		if cfg.Cache.PolicySource == "postgres" {
			pool, err := connectPostgres(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			stored, err := policy.NewPostgresSource(pool).List(ctx)
			if err != nil {
				return err
			}
			for _, p := range stored {
				names = append(names, p.CacheName)
			}
			registry, err = newRegistry(cfg, pool, log)
			if err != nil {
				return err
			}
		} else {
			registry = policy.NewRegistry(cfg.Cache.Defaults, policy.StaticSource(configured), log)
		}

		slices.Sort(names)
		return printPolicies(ctx, cmd.OutOrStdout(), registry, slices.Compact(names))
	},
}

var policiesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upsert the policies from the config file into the cache_policies table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		configured, err := cfg.Cache.Policies()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		pool, err := connectPostgres(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		src := policy.NewPostgresSource(pool)
		for _, name := range slices.Sorted(maps.Keys(configured)) {
			if err := src.Upsert(ctx, configured[name]); err != nil {
				return err
			}
			log.Info("policy synced", "cache_name", name)
		}
		return nil
	},
}

func init() {
	policiesCmd.AddCommand(policiesListCmd, policiesSyncCmd)
}

func printPolicies(ctx context.Context, out io.Writer, registry *policy.Registry, names []string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLOCAL\tLOCAL_TTL\tCAPACITY\tEXPIRE\tREMOTE\tREMOTE_TTL\tIGNORE_EXC\tNULLS\tPRELOAD")
	for _, name := range names {
		p, err := registry.Resolve(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%d\t%s\t%t\t%s\t%t\t%t\t%s\n",
			p.CacheName, p.FirstCacheEnabled, p.LocalTTL, p.LocalCapacity, p.LocalExpireMode,
			p.SecondaryCacheEnabled, p.RemoteTTL, p.IgnoreException, p.AllowNullValue, p.PreloadThreshold)
	}
	return w.Flush()
}
