package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hkwi/ofpipe/ofctl"
	"github.com/hkwi/ofpipe/ofp4sw"
	"github.com/hkwi/ofpipe/oxm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the installed flows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sw, err := buildSwitch(cfg)
		if err != nil {
			return err
		}
		defer sw.Close()

		out := cmd.OutOrStdout()
		for _, st := range sw.Pipeline().GroupStats(ofp4sw.OFPG_ALL) {
			fmt.Fprintln(out, ofctl.FormatGroup(st))
		}
		flows, err := sw.Pipeline().FlowStats(ofp4sw.AllFlows())
		if err != nil {
			return err
		}
		for _, st := range flows {
			fmt.Fprintln(out, ofctl.FormatFlow(st))
		}
		return nil
	},
}

// attachPcapPorts attaches a pcap writing port for each configured port.
// The returned function closes the files.
func attachPcapPorts(sw *ofp4sw.Switch, ports []portConfig, dir string) (func() error, error) {
	var files []*os.File
	closeAll := func() error {
		var err error
		for _, f := range files {
			err = multierr.Append(err, f.Close())
		}
		files = nil
		return err
	}
	for _, pc := range ports {
		name := pc.Pcap
		if name == "" {
			name = pc.Name + ".pcap"
		}
		if dir != "" && !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		f, err := os.Create(name)
		if err != nil {
			closeAll()
			return nil, errors.WithStack(err)
		}
		files = append(files, f)
		port, err := ofp4sw.NewPcapPort(pc.Name, f)
		if err != nil {
			closeAll()
			return nil, err
		}
		number := pc.Number
		if number == 0 {
			number = oxm.OFPP_ANY
		}
		if _, err := sw.Attach(port, number); err != nil {
			closeAll()
			return nil, err
		}
	}
	return closeAll, nil
}

var replayFlags struct {
	inPort uint32
	outDir string
}

var replayCmd = &cobra.Command{
	Use:   "replay <pcap>",
	Short: "Run the frames of a pcap file through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sw, err := buildSwitch(cfg)
		if err != nil {
			return err
		}
		defer sw.Close()
		closePorts, err := attachPcapPorts(sw, cfg.Ports, replayFlags.outDir)
		if err != nil {
			return err
		}
		defer closePorts()

		in, err := os.Open(args[0])
		if err != nil {
			return errors.WithStack(err)
		}
		defer in.Close()

		frames := make(chan ofp4sw.Ingress, cfg.Workers)
		var eg errgroup.Group
		eg.Go(func() error {
			defer close(frames)
			return ofp4sw.ReadPcap(in, replayFlags.inPort, frames)
		})
		count := sw.ReceiveAll(frames, cfg.Workers)
		if err := eg.Wait(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "frames=%d drops=%d\n", count, sw.Drops())
		for _, st := range sw.PortStats() {
			fmt.Fprintf(out, "port=%d,name=%s,rx=%d,tx=%d,tx_dropped=%d\n",
				st.PortNo, st.Name, st.RxPackets, st.TxPackets, st.TxDropped)
		}
		for _, st := range sw.Pipeline().TableStats() {
			if st.LookupCount > 0 {
				fmt.Fprintf(out, "table=%d,active=%d,lookup=%d,matched=%d\n",
					st.TableId, st.ActiveCount, st.LookupCount, st.MatchedCount)
			}
		}
		return closePorts()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve metrics and expire flow entries until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sw, err := buildSwitch(cfg)
		if err != nil {
			return err
		}
		reg := ofp4sw.NewRegistry()
		if err := reg.Add(sw); err != nil {
			return err
		}
		defer reg.Close()

		promReg := prometheus.NewRegistry()
		promReg.MustRegister(ofp4sw.NewCollector(reg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			expirer := &ofp4sw.Expirer{
				Registry: reg,
				Interval: cfg.ExpireInterval,
				Log:      log.WithField("component", "expirer"),
			}
			if err := expirer.Run(ctx); err != context.Canceled {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			return server.Shutdown(context.Background())
		})
		return eg.Wait()
	},
}

func init() {
	replayCmd.Flags().Uint32Var(&replayFlags.inPort, "in-port", 1, "port the frames arrive on")
	replayCmd.Flags().StringVar(&replayFlags.outDir, "out-dir", "", "directory of the egress pcap files")
	rootCmd.AddCommand(checkCmd, replayCmd, runCmd)
}
