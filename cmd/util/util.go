package util

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dStripe/lib/common"
	"github.com/ValentinKolb/dStripe/lib/stripe"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and makes viper read DSTRIPE_<flag> variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dstripe")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Client flags
// --------------------------------------------------------------------------

// SetupClientFlags adds the flags of common.ClientConfig to a command
func SetupClientFlags(cmd *cobra.Command) {
	d := common.DefaultClientConfig()

	key := "name"
	cmd.PersistentFlags().String(key, d.Name, WrapString("Name of the client, used as lock owner at the targets"))

	key = "targets"
	cmd.PersistentFlags().Int(key, d.Targets, WrapString("Number of storage targets the stripes are distributed over"))

	key = "target-capacity"
	cmd.PersistentFlags().Int(key, d.TargetCapacity, WrapString("Number of grants a target keeps before it evicts the least recently used one"))

	key = "grow-to-eof"
	cmd.PersistentFlags().Bool(key, d.GrowToEOF, WrapString("Whether targets grow new grants up to the next conflicting grant"))

	key = "workers"
	cmd.PersistentFlags().Int(key, d.Workers, WrapString("Number of goroutines processing target events per client"))

	key = "max-locks"
	cmd.PersistentFlags().Int(key, d.MaxLocks, WrapString("Maximum number of locks per client (0 for unlimited)"))

	key = "weigh-policy"
	cmd.PersistentFlags().String(key, d.WeighPolicy, WrapString("How the weight of a stripe lock is derived from its file locks (first, sum)"))

	key = "lock-timeout"
	cmd.PersistentFlags().Int(key, d.LockTimeoutMillis, WrapString("Timeout of a lock request in milliseconds (0 for none)"))

	key = "lock-retries"
	cmd.PersistentFlags().Int(key, d.LockRetries, WrapString("How many times a lock request is retried when its stripe locks are lost while it is assembled"))
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() (common.ClientConfig, error) {
	conf := common.ClientConfig{
		Name:              viper.GetString("name"),
		Targets:           viper.GetInt("targets"),
		TargetCapacity:    viper.GetInt("target-capacity"),
		GrowToEOF:         viper.GetBool("grow-to-eof"),
		Workers:           viper.GetInt("workers"),
		MaxLocks:          viper.GetInt("max-locks"),
		WeighPolicy:       viper.GetString("weigh-policy"),
		LockTimeoutMillis: viper.GetInt("lock-timeout"),
		LockRetries:       viper.GetInt("lock-retries"),
		LogLevel:          viper.GetString("log-level"),
	}
	return conf, conf.Validate()
}

// --------------------------------------------------------------------------
// Workload flags
// --------------------------------------------------------------------------

// SetupLayoutFlags adds the stripe layout flags to a command
func SetupLayoutFlags(cmd *cobra.Command) {
	d := common.DefaultSimConfig()

	key := "stripe-count"
	cmd.PersistentFlags().Uint32(key, d.StripeCount, WrapString("Number of stripes of a file"))

	key = "stripe-size"
	cmd.PersistentFlags().Uint64(key, d.StripeSize, WrapString("Size of a stripe unit in pages"))
}

// GetLayout reads the stripe layout from viper
func GetLayout() (stripe.Layout, error) {
	l := stripe.Layout{
		Count: viper.GetUint32("stripe-count"),
		Size:  viper.GetUint64("stripe-size"),
	}
	return l, l.Validate()
}

// SetupSimFlags adds the flags of common.SimConfig to a command
func SetupSimFlags(cmd *cobra.Command) {
	d := common.DefaultSimConfig()
	SetupLayoutFlags(cmd)

	key := "files"
	cmd.PersistentFlags().Int(key, d.Files, WrapString("Number of striped files"))

	key = "file-pages"
	cmd.PersistentFlags().Uint64(key, d.FilePages, WrapString("Size of a file in pages, requests start within it"))

	key = "clients"
	cmd.PersistentFlags().Int(key, d.Clients, WrapString("Number of clients competing for the files"))

	key = "goroutines"
	cmd.PersistentFlags().Int(key, d.Goroutines, WrapString("Number of goroutines issuing requests per client"))

	key = "ops"
	cmd.PersistentFlags().Int(key, d.Ops, WrapString("Number of requests per goroutine (0 to run until interrupted)"))

	key = "max-pages"
	cmd.PersistentFlags().Uint64(key, d.MaxPages, WrapString("Maximum size of a request in pages"))

	key = "write-ratio"
	cmd.PersistentFlags().Float64(key, d.WriteRatio, WrapString("Share of write requests"))

	key = "fault-ratio"
	cmd.PersistentFlags().Float64(key, d.FaultRatio, WrapString("Share of requests that inject a target fault (revoke, modify or fail a random grant)"))

	key = "seed"
	cmd.PersistentFlags().Int64(key, d.Seed, WrapString("Seed of the random workload"))
}

// GetSimConfig reads the workload configuration from viper
func GetSimConfig() (common.SimConfig, error) {
	conf := common.SimConfig{
		Files:       viper.GetInt("files"),
		StripeCount: viper.GetUint32("stripe-count"),
		StripeSize:  viper.GetUint64("stripe-size"),
		FilePages:   viper.GetUint64("file-pages"),
		Clients:     viper.GetInt("clients"),
		Goroutines:  viper.GetInt("goroutines"),
		Ops:         viper.GetInt("ops"),
		MaxPages:    viper.GetUint64("max-pages"),
		WriteRatio:  viper.GetFloat64("write-ratio"),
		FaultRatio:  viper.GetFloat64("fault-ratio"),
		Seed:        viper.GetInt64("seed"),
	}
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	if _, err := GetLayout(); err != nil {
		return conf, err
	}
	return conf, nil
}

// InitLogging sets up the loggers with the configured log level
func InitLogging() error {
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	return nil
}
