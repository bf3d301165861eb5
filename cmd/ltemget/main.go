// ltemget fetches a URL through an LTEm-series cellular modem's HTTP
// engine, streaming the response body to stdout.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"dqx0.com/go/ltem"
	"dqx0.com/go/ltem/atcmd"
	"dqx0.com/go/ltem/internal/obs"
	"dqx0.com/go/ltem/modemhttp"
)

var (
	device      string
	baud        int
	cntxt       uint8
	timeout     time.Duration
	postBody    string
	withHeaders bool
	verbose     bool
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "ltemget <host-url> [relative-path]",
	Short: "Fetch a URL through an LTEm modem's HTTP engine",
	Long: `ltemget opens the modem's serial command channel, submits an HTTP
GET (or POST with --data) to the remote host and streams the response
body to stdout. The host URL must carry an http:// or https:// prefix.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&device, "device", "D", "/dev/ttyUSB0", "serial device of the modem")
	rootCmd.Flags().IntVarP(&baud, "baud", "b", 115200, "serial baud rate")
	rootCmd.Flags().Uint8Var(&cntxt, "context", 1, "modem data context slot")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 45*time.Second, "per-wait timeout")
	rootCmd.Flags().StringVarP(&postBody, "data", "d", "", "POST body (GET when empty)")
	rootCmd.Flags().BoolVar(&withHeaders, "response-headers", false, "include response headers in the page")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "serve prometheus metrics on this address while running")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !verbose {
		zl = zl.Level(zerolog.InfoLevel)
	}
	logger := obs.ZerologLogger{L: zl}

	var meter obs.Meter = obs.NopMeter{}
	if metricsAddr != "" {
		promReg := prometheus.NewRegistry()
		meter = obs.NewPromMeter(promReg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				zl.Warn().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}
	ch := atcmd.New(port, atcmd.WithLogger(logger), atcmd.WithMeter(meter))
	ch.Start()
	defer ch.Close()

	reg := ltem.NewStreamRegistry()
	x, err := modemhttp.NewExchange(reg, ch, ltem.DataContext(cntxt),
		func(_ ltem.DataContext, data []byte, _ bool) {
			os.Stdout.Write(data)
		},
		modemhttp.WithTimeout(timeout), modemhttp.WithLogger(logger),
		modemhttp.WithMeter(meter))
	if err != nil {
		return err
	}
	defer x.Close()

	relative := "/"
	if len(args) == 2 {
		relative = args[1]
	}
	if err := x.SetConnection(args[0], 0); err != nil {
		return err
	}

	var status ltem.ResultCode
	if postBody != "" {
		status, err = x.Post(relative, []byte(postBody), withHeaders)
	} else {
		status, err = x.Get(relative, withHeaders)
	}
	if err != nil {
		return fmt.Errorf("request failed (%s): %w", status, err)
	}
	zl.Info().Int("status", int(status)).Int("length", x.PageSize()).Msg("request complete")

	if status, err = x.ReadPage(); err != nil {
		return fmt.Errorf("read page (%s): %w", status, err)
	}
	return nil
}
