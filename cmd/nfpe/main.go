// Command nfpe runs the NFP-e issuing service for rural producers in Mato
// Grosso and its operational subcommands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fazendabrasil/gonfpe/internal/adapters/signing"
	"fazendabrasil/gonfpe/internal/infrastructure/config"
	"fazendabrasil/gonfpe/internal/infrastructure/database"
	"fazendabrasil/gonfpe/internal/infrastructure/logger"
	"fazendabrasil/gonfpe/internal/infrastructure/secrets"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nfpe: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nfpe",
		Short:         "Emissor de NFP-e para produtores rurais (SEFAZ-MT)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newMigrateCmd(),
		newCertCmd(),
		newSefazCmd(),
		newERPCmd(),
	)
	return root
}

// withApp loads the configuration, wires the application and calls fn with
// a context cancelled on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.App.Name, cfg.Log.Level, cfg.App.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func newServeCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Inicia a API HTTP e o processamento em segundo plano",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := checkServeMode(a.cfg.Lifecycle.Queue, noWorkers); err != nil {
					return err
				}
				a.log.Info("starting service",
					"version", a.cfg.App.Version,
					"environment", a.cfg.App.Environment,
					"sefaz_environment", a.cfg.Sefaz.Environment,
					"store", a.cfg.Lifecycle.Store,
					"queue", a.cfg.Lifecycle.Queue,
					"workers", !noWorkers,
				)
				return a.serve(ctx, true, !noWorkers)
			})
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve only the API; documents are processed by separate worker instances")
	return cmd
}

// checkServeMode rejects an API-only process on the in-process queue, where
// no worker would ever consume what the API enqueues.
func checkServeMode(queue string, noWorkers bool) error {
	if noWorkers && queue == "memory" {
		return errors.New("--no-workers requires LIFECYCLE_QUEUE=redis; the memory queue is only drained by workers in the same process")
	}
	return nil
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Processa documentos pendentes sem expor a API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				a.log.Info("starting worker", "workers", a.cfg.Lifecycle.Workers, "queue", a.cfg.Lifecycle.Queue)
				return a.serve(ctx, false, true)
			})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Aplica as migrações do banco de dados",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logger.New(cfg.App.Name, cfg.Log.Level, cfg.App.Environment)

			pool, err := database.NewPool(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()
			return database.RunMigrations(cmd.Context(), pool, log)
		},
	}
}

func newCertCmd() *cobra.Command {
	cert := &cobra.Command{
		Use:   "cert",
		Short: "Operações com certificados A1",
	}

	var secretName string
	inspect := &cobra.Command{
		Use:   "inspect <arquivo.pfx>",
		Short: "Mostra titular, validade e alertas de um certificado",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			password, err := secrets.New(cfg.Secrets.EnvPrefix, cfg.Secrets.Dir).Get(cmd.Context(), secretName)
			if err != nil {
				return fmt.Errorf("certificate password %q: %w", secretName, err)
			}
			c, err := signing.LoadFile(args[0], password)
			if err != nil {
				return err
			}
			return printJSON(cmd, c.Inspect(time.Now(), cfg.Signing.ExpiryWarning))
		},
	}
	inspect.Flags().StringVar(&secretName, "secret", "", "nome do segredo com a senha do certificado")
	_ = inspect.MarkFlagRequired("secret")
	cert.AddCommand(inspect)
	return cert
}

func newSefazCmd() *cobra.Command {
	sefazCmd := &cobra.Command{
		Use:   "sefaz",
		Short: "Consultas aos web services da SEFAZ-MT",
	}

	var farmID string
	status := &cobra.Command{
		Use:   "status",
		Short: "Consulta o status do serviço de autorização (consStatServ)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				resp, err := a.lifecycle.ServiceStatus(ctx, farmID)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"codigo_status":    resp.Code,
					"mensagem":         resp.Message,
					"data_recebimento": resp.ReceivedAt,
				})
			})
		},
	}
	status.Flags().StringVar(&farmID, "farm", "", "fazenda cujo certificado será usado (padrão: a primeira cadastrada)")
	sefazCmd.AddCommand(status)
	return sefazCmd
}

func newERPCmd() *cobra.Command {
	erpCmd := &cobra.Command{
		Use:   "erp",
		Short: "Integração com o ERP",
	}
	erpCmd.AddCommand(&cobra.Command{
		Use:   "import",
		Short: "Importa uma vez as movimentações pendentes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if a.imports == nil {
					return fmt.Errorf("erp integration disabled (ERP_ENABLED=false)")
				}
				stats, err := a.imports.Import(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	})
	return erpCmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
