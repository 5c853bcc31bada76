package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap-incubator/tinytablet/kv/config"
	"github.com/pingcap-incubator/tinytablet/kv/consensus"
	"github.com/pingcap-incubator/tinytablet/kv/server"
	"github.com/pingcap-incubator/tinytablet/kv/tablet/peer"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	configPath string
	dataDir    string
	storeAddr  string
	statusAddr string
	nodeID     uint64
)

var (
	gitHash = "None"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "tablet-server",
		Short:        "Serve one replica of a tablet",
		RunE:         runServer,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory")
	rootCmd.PersistentFlags().StringVar(&storeAddr, "addr", "", "grpc listen address")
	rootCmd.PersistentFlags().StringVar(&statusAddr, "status-addr", "", "http listen address")
	rootCmd.PersistentFlags().Uint64Var(&nodeID, "node-id", 0, "raft id of this node")
	rootCmd.AddCommand(newStacksCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	conf := config.NewDefaultConfig()
	if configPath != "" {
		if err := conf.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	applyFlags(cmd.Flags(), conf)
	return conf, nil
}

// applyFlags overrides the file config with the flags given on the command line.
func applyFlags(flags *pflag.FlagSet, conf *config.Config) {
	if flags.Changed("data-dir") {
		conf.DataDir = dataDir
	}
	if flags.Changed("addr") {
		conf.StoreAddr = storeAddr
	}
	if flags.Changed("status-addr") {
		conf.StatusAddr = statusAddr
	}
	if flags.Changed("node-id") {
		conf.NodeID = nodeID
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := conf.SetupLogger(); err != nil {
		return err
	}
	log.ReplaceGlobals(conf.GetZapLogger(), conf.GetZapLogProperties())
	log.Info("starting tablet server", zap.String("gitHash", gitHash), zap.Reflect("config", conf))
	if err := conf.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(conf.DataDir, 0755); err != nil {
		return errors.Trace(err)
	}

	var transport consensus.Transport
	if len(conf.Peers) > 1 {
		addrs, err := conf.ParsePeerAddrs()
		if err != nil {
			return err
		}
		transport = server.NewHTTPTransport(addrs)
	}
	p, err := peer.NewTabletPeer(conf, transport)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handleSignal(cancel)
	return server.NewServer(conf, p).Run(ctx)
}

func handleSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.Info("got signal to exit", zap.Stringer("signal", sig))
		cancel()
	}()
}

// newStacksCommand prints the goroutine stacks of a running server, or the stack of one of its
// workers.
func newStacksCommand() *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:   "stacks",
		Short: "Print the goroutine stacks of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			url := "http://" + conf.StatusAddr + "/debug/stacks"
			if worker != "" {
				url += "/" + worker
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return errors.Trace(err)
			}
			defer resp.Body.Close()
			body, err := ioutil.ReadAll(resp.Body)
			if err != nil {
				return errors.Trace(err)
			}
			fmt.Print(string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "name of the worker to ask, e.g. prepare-1")
	return cmd
}
