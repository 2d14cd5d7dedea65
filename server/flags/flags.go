package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"
	Listen    = "listen"
	Data      = "data"
	Providers = "providers"
	URL       = "url"
	Tunnel    = "tunnel"

	ReapInterval    = "reap-interval"
	FailedRetention = "failed-retention"

	DisconnectTimeout    = "disconnect-timeout"
	SchedulePollInterval = "schedule-poll-interval"
	SchedulePollAttempts = "schedule-poll-attempts"
	ConnectPollInterval  = "connect-poll-interval"
	ClientRetries        = "client-retries"
	ClientRetryDelay     = "client-retry-delay"
)

func init() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// Server
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(Listen, ":25380", "listening address of the HTTP API")
	flags.String(Data, "/var/lib/nomadcloud", "data directory (node database, secrets)")
	flags.String(Providers, "/etc/nomadcloud/providers.yaml", "provider definitions, reloaded on change")
	flags.String(URL, "", "orchestrator URL handed to agents")
	flags.String(Tunnel, "", "tunnel handed to agents")

	// Orchestrator
	flags.Duration(ReapInterval, 10*time.Second, "how often node retention is checked")
	flags.Duration(FailedRetention, 10*time.Minute, "how long failed nodes stay listed")

	// Providers
	flags.Duration(DisconnectTimeout, 5*time.Second, "how long to wait for an agent to disconnect before removing its job")
	flags.Duration(SchedulePollInterval, 6*time.Second, "interval between job status checks")
	flags.Int(SchedulePollAttempts, 100, "number of job status checks before waiting for the agent anyway")
	flags.Duration(ConnectPollInterval, time.Second, "interval between agent connection checks")
	flags.Uint(ClientRetries, 3, "attempts for each Nomad API request")
	flags.Duration(ClientRetryDelay, 500*time.Millisecond, "delay between attempts of a Nomad API request")

	// Init
	if err := flags.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("nomadcloud")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
