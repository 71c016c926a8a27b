package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/heroku/actas"
	"github.com/heroku/actas/internal/audit"
	"github.com/heroku/actas/storage"
	"github.com/heroku/actas/storage/disk"
	"github.com/heroku/actas/storage/memory"
	sqlstorage "github.com/heroku/actas/storage/sql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
}

type storageFlags struct {
	kind string
	path string
	dsn  string
}

func (f *storageFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.kind, "storage", "memory", "User storage: memory, disk or postgres")
	cmd.PersistentFlags().StringVar(&f.path, "db-path", "actas.db", "Database file for disk storage")
	cmd.PersistentFlags().StringVar(&f.dsn, "db-url", os.Getenv("DATABASE_URL"), "Connection URL for postgres storage")
}

// open returns the configured storage, and a func to release it.
func (f *storageFlags) open(ctx context.Context) (storage.Users, func() error, error) {
	switch f.kind {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "disk":
		s, err := disk.New(f.path, 0600)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "Error opening %s", f.path)
		}
		return s, s.Close, nil
	case "postgres":
		if f.dsn == "" {
			return nil, nil, errors.New("--db-url is required for postgres storage")
		}
		db, err := sql.Open("postgres", f.dsn)
		if err != nil {
			return nil, nil, errors.Wrap(err, "Error opening database")
		}
		s, err := sqlstorage.New(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage %q", f.kind)
	}
}

func newRootCmd() *cobra.Command {
	sf := &storageFlags{}
	root := &cobra.Command{
		Use:          "actas",
		Short:        "Log in through an OAuth2 provider, and impersonate users",
		SilenceUsage: true,
	}
	sf.register(root)
	root.AddCommand(newServeCmd(sf), newUsersCmd(sf))
	return root
}

func newServeCmd(sf *storageFlags) *cobra.Command {
	var (
		configPath               string
		addr                     string
		debug                    bool
		sessionAuthenticationKey string
		sessionEncryptionKey     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			if debug {
				logger.SetLevel(logrus.DebugLevel)
			}
			ctx := cmd.Context()

			cfg, err := actas.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Session.AuthenticationKey == "" {
				cfg.Session.AuthenticationKey = sessionAuthenticationKey
			}
			if cfg.Session.EncryptionKey == "" {
				cfg.Session.EncryptionKey = sessionEncryptionKey
			}

			users, closeFn, err := sf.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			opts := []actas.Option{actas.WithLogger(logger)}
			if al, ok := users.(storage.AuditLog); ok {
				opts = append(opts, actas.WithListener("store", audit.StoreListener(al)))
			}

			a, err := actas.NewApp(ctx, cfg, users, opts...)
			if err != nil {
				return errors.Wrap(err, "Error creating app")
			}

			logger.WithFields(logrus.Fields{"addr": addr, "storage": sf.kind}).Info("Listening")
			srv := &http.Server{
				Addr:    addr,
				Handler: a,
			}
			return srv.ListenAndServe()
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "actas.yaml", "Path to the YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "localhost:5556", "Address to listen on")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&sessionAuthenticationKey, "session-auth-key", mustGenRandB64(64), "Session authentication key, 64-byte, base64-encoded. Used when the config has none.")
	cmd.Flags().StringVar(&sessionEncryptionKey, "session-encrypt-key", mustGenRandB64(32), "Session encryption key, 32-byte, base64-encoded. Used when the config has none.")
	return cmd
}

func newUsersCmd(sf *storageFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage local users",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			users, closeFn, err := sf.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			all, err := users.List(cmd.Context())
			if err != nil {
				return err
			}
			return printUsers(cmd.OutOrStdout(), all)
		},
	}

	var staff, superuser bool
	setPrivileges := &cobra.Command{
		Use:   "set-privileges USER_ID",
		Short: "Set the staff and superuser flags of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid user id %q", args[0])
			}

			users, closeFn, err := sf.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			if err := users.SetPrivileges(cmd.Context(), id, staff, superuser); err != nil {
				if storage.IsNotFoundErr(err) {
					return fmt.Errorf("user %d doesn't exist", id)
				}
				return err
			}
			u, err := users.GetByID(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printUsers(cmd.OutOrStdout(), []*storage.User{u})
		},
	}
	setPrivileges.Flags().BoolVar(&staff, "staff", false, "Staff users can impersonate and use the admin")
	setPrivileges.Flags().BoolVar(&superuser, "superuser", false, "Superusers can impersonate anyone")

	cmd.AddCommand(list, setPrivileges)
	return cmd
}

func printUsers(w io.Writer, users []*storage.User) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tEMAIL\tSTAFF\tSUPERUSER\tACTIVE")
	for _, u := range users {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\t%t\n", u.ID, u.Username, u.Email, u.IsStaff, u.IsSuperuser, u.IsActive)
	}
	return tw.Flush()
}

func mustGenRandB64(len int) string {
	b := make([]byte, len)
	_, err := rand.Read(b)
	if err != nil {
		log.Fatalf("Error fetching %d random bytes [%+v]", len, err)
	}
	return base64.StdEncoding.EncodeToString(b)
}
