package cmd

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/arcthur/brewva/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("brewva doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (using defaults, file not found)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	} else {
		fmt.Println("  Config valid: yes")
	}

	fmt.Println()
	fmt.Println("  Telegram:")
	if cfg.Telegram.Token == "" {
		fmt.Println("    Token:       (not configured)")
	} else {
		fmt.Println("    Token:       configured")
	}
	checkWebhookReachability(cfg)

	fmt.Println()
	fmt.Println("  Postgres audit mirror:")
	if !cfg.IsAuditEnabled() {
		fmt.Println("    disabled (BREWVA_AUDIT_POSTGRES_DSN not set)")
	} else {
		checkPostgres(cfg.Database.PostgresDSN)
	}

	fmt.Println()
	ws := config.ExpandHome(cfg.Workspace)
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND — created on first run)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkWebhookReachability(cfg *config.Config) {
	if !cfg.Ingress.Enabled {
		fmt.Println("    Ingress:     disabled (polling fallback only)")
		return
	}
	addr := fmt.Sprintf("http://%s:%d%s", cfg.Ingress.Host, cfg.Ingress.Port, cfg.Ingress.Path)
	fmt.Printf("    Ingress:     %s", addr)
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/", cfg.Ingress.Host, cfg.Ingress.Port))
	if err != nil {
		fmt.Printf(" (UNREACHABLE: %s)\n", err)
		return
	}
	resp.Body.Close()
	fmt.Println(" (listener reachable)")
}

func checkPostgres(dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    Connect:     FAILED (%s)\n", err)
		return
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fmt.Printf("    Connect:     FAILED (%s)\n", err)
		return
	}
	fmt.Println("    Connect:     OK")

	var exists bool
	err = db.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'turn_wal_audit')`).Scan(&exists)
	if err != nil {
		fmt.Printf("    Schema:      CHECK FAILED (%s)\n", err)
		return
	}
	if exists {
		fmt.Println("    Schema:      up to date (run: brewva migrate version for detail)")
	} else {
		fmt.Println("    Schema:      NOT MIGRATED — run: brewva migrate up")
	}
}
