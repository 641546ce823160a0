package simulate

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dStripe/cmd/util"
	"github.com/ValentinKolb/dStripe/lib/sim"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	SimulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Run a randomized lock workload with fault injection",
		Long:  `Run a randomized workload of concurrent range locks against in-memory targets, inject target faults while it runs and audit the lock hierarchy of every client afterwards. The configuration can be set via command line flags or environment variables. The format of the environment variables is DSTRIPE_<flag> (e.g. DSTRIPE_CLIENTS=4)`,
		RunE:  run,
	}
)

func init() {
	util.SetupClientFlags(SimulateCmd)
	util.SetupSimFlags(SimulateCmd)

	key := "duration"
	SimulateCmd.PersistentFlags().Int(key, 0, util.WrapString("Stop after this many seconds (0 for no limit, required when ops is 0 unless interrupted)"))

	key = "dump"
	SimulateCmd.PersistentFlags().Bool(key, false, util.WrapString("Print the lock tables of all clients after the run"))

	key = "stats"
	SimulateCmd.PersistentFlags().Bool(key, false, util.WrapString("Print the statistics of every client after the run"))
}

func run(cmd *cobra.Command, _ []string) error {
	cc, err := util.GetClientConfig()
	if err != nil {
		return err
	}
	sc, err := util.GetSimConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprint(out, cc.String())
	_, _ = fmt.Fprint(out, sc.String())
	_, _ = fmt.Fprintln(out)

	s, err := sim.New(sc, cc)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if secs := viper.GetInt("duration"); secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	res, runErr := s.Run(ctx)
	_, _ = fmt.Fprint(out, res.String())

	if viper.GetBool("stats") {
		for _, c := range s.Clients() {
			_, _ = fmt.Fprintf(out, "\nCLIENT %s\n", c.Name())
			c.Stats().Write(out)
		}
	}
	if viper.GetBool("dump") {
		_, _ = fmt.Fprintln(out)
		s.Dump(out)
	}
	if runErr != nil {
		return fmt.Errorf("lock hierarchy check failed: %w", runErr)
	}
	return nil
}
