// Package main provides the nornicrules CLI entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/nornicrules/pkg/config"
	"github.com/orneryd/nornicrules/pkg/nornicdb"
	"github.com/orneryd/nornicrules/pkg/ruledef"
	"github.com/orneryd/nornicrules/pkg/server"
	"github.com/orneryd/nornicrules/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nornicrules",
		Short: "nornicrules - rule materialization for embedded graphs",
		Long: `nornicrules keeps rule membership as real graph edges.

Every class gets an anchor node hanging off the store's root. A node that
satisfies a rule is connected to its class anchor by an edge named after the
rule, inside the same transaction that changed it. Membership queries become
one-hop traversals.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "YAML config file (environment variables still override)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (default ./data)")
	rootCmd.PersistentFlags().Bool("in-memory", false, "Use non-persistent storage")
	rootCmd.PersistentFlags().String("rules", "", "Rule definition file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nornicrules v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "describe [rules.yaml]",
		Short: "Validate a rule definition file and print its classes and rules",
		Args:  cobra.ExactArgs(1),
		RunE:  runDescribe,
	})

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Load rules, import an export and materialize memberships",
		RunE:  runApply,
	}
	applyCmd.Flags().String("import", "", "Neo4j JSON export (file, or directory with nodes.json/relationships.json)")
	applyCmd.Flags().String("export", "", "Write the resulting graph, anchors included, to this JSON file")
	rootCmd.AddCommand(applyCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "members [class] [rule]",
		Short: "List the members of a rule",
		Args:  cobra.ExactArgs(2),
		RunE:  runMembers,
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve rule memberships and metrics over HTTP",
		Long: `Open the database, load the rules and serve the HTTP API until
interrupted. Imports posted to /import are materialized like any other write.`,
		RunE: runServe,
	}
	serveCmd.Flags().String("address", "127.0.0.1", "Bind address")
	serveCmd.Flags().Int("http-port", 7480, "HTTP API port")
	rootCmd.AddCommand(serveCmd)

	return rootCmd
}

// loadConfig builds the configuration from --config, the environment and the
// persistent flags, in increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.LoadFromEnv()
	}

	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if inMemory, _ := cmd.Flags().GetBool("in-memory"); inMemory {
		cfg.Storage.Engine = config.EngineMemory
	}
	if cmd.Flags().Changed("rules") {
		cfg.Rules.File, _ = cmd.Flags().GetString("rules")
	}
	return cfg, cfg.Validate()
}

func openDB(cmd *cobra.Command) (*nornicdb.DB, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Rules.File == "" {
		return nil, nil, fmt.Errorf("no rule file: use --rules or NORNICRULES_RULES_FILE")
	}

	db, err := nornicdb.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Start(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, cfg, nil
}

func runDescribe(cmd *cobra.Command, args []string) error {
	defs, err := ruledef.Load(args[0])
	if err != nil {
		return err
	}
	return ruledef.Describe(cmd.OutOrStdout(), defs)
}

func runApply(cmd *cobra.Command, args []string) error {
	importPath, _ := cmd.Flags().GetString("import")
	exportPath, _ := cmd.Flags().GetString("export")

	db, cfg, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	if importPath != "" {
		result, err := db.LoadFromExport(importPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Imported %d nodes, %d relationships\n", result.NodesLoaded, result.EdgesLoaded)
	}

	if err := printMemberships(out, db); err != nil {
		return err
	}

	if exportPath != "" {
		if err := db.Export(exportPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "Exported graph to %s\n", exportPath)
	}

	if cfg.Storage.Engine != config.EngineMemory && !cfg.Storage.InMemory {
		fmt.Fprintf(out, "Data directory: %s\n", cfg.Storage.DataDir)
	}
	return nil
}

func printMemberships(out io.Writer, db *nornicdb.DB) error {
	for _, reg := range db.Rules().Registries() {
		for _, rule := range reg.RuleNames() {
			members, err := db.Members(reg.Name(), rule)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s.%s: %d\n", reg.Name(), rule, len(members))
			for _, m := range members {
				fmt.Fprintf(out, "  %s\n", m.ID)
			}
		}
	}
	return nil
}

func runMembers(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	members, err := db.Members(args[0], args[1])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, m := range members {
		fmt.Fprintln(out, nodeLine(m))
	}
	return nil
}

func nodeLine(n *storage.Node) string {
	name, ok := n.Properties["name"]
	if !ok {
		return string(n.ID)
	}
	return fmt.Sprintf("%s\t%v", n.ID, name)
}

func runServe(cmd *cobra.Command, args []string) error {
	db, cfg, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	serverConfig := server.DefaultConfig()
	serverConfig.Address, _ = cmd.Flags().GetString("address")
	serverConfig.Port, _ = cmd.Flags().GetInt("http-port")

	srv, err := server.New(db, serverConfig)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Serving %s on http://%s\n", cfg, srv.Addr())
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Fprintln(out, "Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
