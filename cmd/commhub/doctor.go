package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"commhub/internal/config"
	"commhub/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your commhub installation",
		Long: `Verifies that the configuration, store, listen address and providers
are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("commhub doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'commhub init' to create a default configuration.\n")
				return fmt.Errorf("config not found")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return err
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Store opens and is migrated
			if err := checkStore(cfg.Store.DSN); err != nil {
				printFail("Store", err.Error())
				failed++
			} else {
				printPass("Store", redactDSN(cfg.Store.DSN))
				passed++
			}

			// 4. Providers
			ids := make([]string, 0, len(cfg.Providers))
			for id, pc := range cfg.Providers {
				if pc.Enabled {
					ids = append(ids, id)
				}
			}
			sort.Strings(ids)
			for _, id := range ids {
				pc := cfg.Providers[id]
				switch {
				case pc.Signature.Kind == config.SignatureKindNone:
					printWarn("Provider: "+id, "signature verification disabled")
					warned++
				case cfg.WebhookURL(id) == "" && pc.Signature.Kind == "twilio":
					printFail("Provider: "+id, "twilio needs webhookUrl or server.publicUrl")
					failed++
				default:
					printPass("Provider: "+id, pc.Type+", "+pc.Signature.Kind+" signatures")
					passed++
				}
			}
			if len(ids) == 0 {
				printWarn("Providers", "no providers enabled")
				warned++
			}

			// 5. Listen address
			if err := checkAddr(cfg.Server.Addr()); err != nil {
				printWarn("Listen address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
				warned++
			} else {
				printPass("Listen address", cfg.Server.Addr()+" available")
				passed++
			}

			// 6. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running commhub.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\ncommhub should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! commhub is ready to run.\n")
			}
			return nil
		},
	}
}

// checkStore opens the store, which runs pending migrations, and reads the
// schema version of SQL backends.
func checkStore(dsn string) error {
	st, err := store.Open(dsn, logger)
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer st.Close()

	sqlStore, ok := st.(*store.SQLStore)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.SchemaVersion(ctx, sqlStore.DB()); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
