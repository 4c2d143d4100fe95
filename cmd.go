package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sonekEtcd/client"
	"sonekEtcd/util/logutil"
)

const Version = "0.2.0"

var (
	rootCmd = &cobra.Command{
		Use:   "sonek",
		Short: "etcd v3 compatible key-value server and client",
		Long: fmt.Sprintf(`sonek (v%s)

A single node etcd v3 compatible key-value server and a client for it.
Flags can also be set through SONEK_<flag> environment variables, or in
.env / .env.local files.`, Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sonek",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sonek v%s\n", Version)
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the sonek server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	putCmd = &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Put the given key into the store",
		Args:  cobra.ExactArgs(2),
		RunE:  withSession(runPut),
	}

	getCmd = &cobra.Command{
		Use:   "get <key> [range_end]",
		Short: "Get the key or the keys in [key, range_end)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  withSession(runGet),
	}

	delCmd = &cobra.Command{
		Use:   "del <key> [range_end]",
		Short: "Remove the key or the keys in [key, range_end)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  withSession(runDel),
	}

	watchCmd = &cobra.Command{
		Use:   "watch <key>",
		Short: "Print the changes of the key until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  withSession(runWatch),
	}

	membersCmd = &cobra.Command{
		Use:   "members",
		Short: "List the cluster members",
		Args:  cobra.NoArgs,
		RunE:  withSession(runMembers),
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(versionCmd, serveCmd, putCmd, getCmd, delCmd, watchCmd, membersCmd)

	pf := rootCmd.PersistentFlags()
	pf.String("endpoint", "http://127.0.0.1:2379", "server address (host:port, http(s)://host:port, unix://path)")
	pf.Duration("dial-timeout", client.DefaultDialTimeout, "dial timeout for client connections")
	pf.Duration("command-timeout", 5*time.Second, "timeout for short running requests")
	pf.String("client-config", "", "YAML client configuration file, overrides the connection flags")
	pf.String("log-level", logutil.DefaultZapLoggerConfig.Level.String(), "log level (debug, info, warn, error)")

	f := serveCmd.Flags()
	f.String("config", "", "YAML server configuration file (e.g. "+fileName+")")
	f.String("name", DefaultName, "human-readable name of this member")
	f.String("data-dir", DefaultDataDir, "directory of the bbolt database, empty keeps data in memory")
	f.String("host", DefaultHost, "address to listen on for client requests")
	f.String("port", DefaultPort, "port to listen on for client requests")
	f.String("metrics-addr", "", "address to serve /metrics on, disabled when empty")
	f.String("env", logutil.EnvDevelopment, "environment [dev, product]")

	putCmd.Flags().Bool("prev-kv", false, "print the previous value")
}

// initConfig loads .env files and binds environment variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("sonek")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	cfg, err := ConfigFromFile(viper.GetString("config"))
	if err != nil {
		return err
	}
	// flags and env win over the file
	overrides := map[string]*string{
		"name":         &cfg.Name,
		"data-dir":     &cfg.Dir,
		"host":         &cfg.Host,
		"port":         &cfg.Port,
		"metrics-addr": &cfg.MetricsAddr,
		"env":          &cfg.Env,
		"log-level":    &cfg.LogLevel,
	}
	for key, dst := range overrides {
		if viper.IsSet(key) {
			*dst = viper.GetString(key)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return startServer(ctx, cfg)
}

// withSession connects before running fn and closes the session afterwards.
func withSession(fn func(cmd *cobra.Command, s *client.Session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		cfg, err := clientConfig()
		if err != nil {
			return err
		}
		s, err := client.New(*cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, s, args)
	}
}

func clientConfig() (*client.Config, error) {
	var cfg *client.Config
	if path := viper.GetString("client-config"); path != "" {
		var err error
		if cfg, err = client.ConfigFromFile(path); err != nil {
			return nil, err
		}
	} else {
		cfg = &client.Config{
			Endpoint:    viper.GetString("endpoint"),
			DialTimeout: viper.GetDuration("dial-timeout"),
		}
	}
	lcfg, err := logutil.NewConfig(logutil.EnvDevelopment, viper.GetString("log-level"), "")
	if err != nil {
		return nil, err
	}
	if cfg.Logger, err = lcfg.Build(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func commandCtx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), viper.GetDuration("command-timeout"))
}

func runPut(cmd *cobra.Command, s *client.Session, args []string) error {
	ctx, cancel := commandCtx(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	if !viper.GetBool("prev-kv") {
		if err := s.Range(args[0]).Put(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
		return nil
	}
	prev, existed, err := s.Range(args[0]).Swap(ctx, args[1])
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "OK")
	if existed {
		fmt.Fprintf(out, "%s\n%s\n", args[0], prev)
	}
	return nil
}

func runGet(cmd *cobra.Command, s *client.Session, args []string) error {
	ctx, cancel := commandCtx(cmd)
	defer cancel()

	kvs, err := s.Range(args[0], args[1:]...).Get(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(kvs))
	for k := range kvs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := cmd.OutOrStdout()
	for _, k := range keys {
		fmt.Fprintf(out, "%s\n%s\n", k, kvs[k])
	}
	return nil
}

func runDel(cmd *cobra.Command, s *client.Session, args []string) error {
	ctx, cancel := commandCtx(cmd)
	defer cancel()

	if err := s.Range(args[0], args[1:]...).Delete(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "OK")
	return nil
}

func runWatch(cmd *cobra.Command, s *client.Session, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := s.Watch(ctx, args[0])
	if err != nil {
		return err
	}
	defer w.Close()

	out := cmd.OutOrStdout()
	for {
		resp, err := w.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		for _, ev := range resp.Events {
			fmt.Fprintf(out, "%s\n%s\n%s\n", ev.Type, ev.Kv.Key, ev.Kv.Value)
		}
	}
}

func runMembers(cmd *cobra.Command, s *client.Session, _ []string) error {
	ctx, cancel := commandCtx(cmd)
	defer cancel()

	members, err := s.Cluster().Members(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"ID", "Name", "Peer Addrs", "Client Addrs", "Is Learner"})
	for _, m := range members {
		table.Append([]string{
			fmt.Sprintf("%x", m.ID),
			m.Name,
			strings.Join(m.PeerURLs, ","),
			strings.Join(m.ClientURLs, ","),
			strconv.FormatBool(m.IsLearner),
		})
	}
	table.Render()
	return nil
}
