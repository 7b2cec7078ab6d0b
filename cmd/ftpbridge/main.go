// Command ftpbridge runs the broker-to-FTP bridge service and manages its
// peripheral registry.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/ftpbridge"
	"github.com/opd-ai/ftpbridge/config"
	"github.com/opd-ai/ftpbridge/registry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ftpbridge",
		Short:         "Message-driven FTP/FTPS transfer bridge",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newPeripheralsCmd(&configPath))
	root.AddCommand(newHistoryCmd(&configPath))
	return root
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume command queues and execute transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			svc, err := ftpbridge.NewService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := svc.Run(ctx); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"function": "serve",
			}).Info("Bridge service stopped")
			return nil
		},
	}
}

func newPeripheralsCmd(configPath *string) *cobra.Command {
	peripherals := &cobra.Command{
		Use:   "peripherals",
		Short: "Manage the peripheral registry",
	}

	peripherals.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the registered peripherals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*configPath, func(store *registry.Store) error {
				summaries, err := store.List()
				if err != nil {
					return err
				}
				for _, s := range summaries {
					scheme := "ftp"
					if s.UseTLS {
						scheme = "ftps"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s://%s:%d\n", s.Index, s.Name, scheme, s.Host, s.Port)
				}
				return nil
			})
		},
	})

	var p registry.Peripheral
	add := &cobra.Command{
		Use:   "add",
		Short: "Register or update a peripheral",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*configPath, func(store *registry.Store) error {
				if err := store.Upsert(p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "peripheral %d registered\n", p.Index)
				return nil
			})
		},
	}
	add.Flags().IntVar(&p.Index, "index", 0, "peripheral index (queue suffix)")
	add.Flags().StringVar(&p.Name, "name", "", "display name")
	add.Flags().StringVar(&p.Host, "host", "", "FTP server host")
	add.Flags().IntVar(&p.Port, "port", 21, "FTP server port")
	add.Flags().StringVar(&p.User, "user", "anonymous", "login user")
	add.Flags().StringVar(&p.Password, "password", "", "login password")
	add.Flags().BoolVar(&p.UseTLS, "tls", false, "use explicit FTPS")
	add.MarkFlagRequired("index")
	add.MarkFlagRequired("host")
	peripherals.AddCommand(add)

	peripherals.AddCommand(&cobra.Command{
		Use:   "remove <index>",
		Short: "Remove a peripheral",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid index %q", args[0])
			}
			return withStore(*configPath, func(store *registry.Store) error {
				return store.Delete(index)
			})
		},
	})

	return peripherals
}

func newHistoryCmd(configPath *string) *cobra.Command {
	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "Print recent operation outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*configPath, func(store *registry.Store) error {
				ops, err := store.RecentOperations(limit)
				if err != nil {
					return err
				}
				for _, op := range ops {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
						op.CreatedAt.Format("2006-01-02 15:04:05"), op.Type, op.Status, op.Details)
				}
				return nil
			})
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records to print")
	return history
}

// withStore opens the registry named by the configuration for one command.
func withStore(configPath string, fn func(*registry.Store) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := registry.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
