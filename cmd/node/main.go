// Command node drives one custody participant, one ceremony step per
// invocation. It is a thin shim over the core packages: flags and
// environment are merged into configuration, the node is wired up, the
// requested operation runs, and the outcome is logged. Retry policy across
// phases ("try dkg-distribute again later") belongs to the operator, not
// this binary.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/threshold-custody/core/internal/config"
	"github.com/threshold-custody/core/internal/metrics"
	"github.com/threshold-custody/core/internal/obslog"
	"github.com/threshold-custody/core/pkg/custodyerr"
	"github.com/threshold-custody/core/pkg/dkg"
	"github.com/threshold-custody/core/pkg/node"
	"github.com/threshold-custody/core/pkg/signing"
)

// Exit codes per error kind, so scripted operators can branch on failure
// without parsing text.
var exitCodes = []struct {
	err  error
	code int
}{
	{custodyerr.ErrNonceReuseAttempted, 10},
	{custodyerr.ErrSecretExtractionForbidden, 11},
	{custodyerr.ErrDKGVerificationFailed, 12},
	{custodyerr.ErrSignatureVerificationFailed, 13},
	{custodyerr.ErrParticipantMismatch, 14},
	{custodyerr.ErrNotApproved, 15},
	{custodyerr.ErrTransientTransport, 16},
	{custodyerr.ErrStateCorruption, 17},
	{custodyerr.ErrRequestIDCollision, 18},
	{custodyerr.ErrCounterExhausted, 19},
}

func exitFor(err error) error {
	if err == nil {
		return nil
	}
	for _, m := range exitCodes {
		if errors.Is(err, m.err) {
			return cli.Exit(err.Error(), m.code)
		}
	}
	return cli.Exit(err.Error(), 1)
}

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		// cli.Exit errors are already printed by the framework.
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "node",
		Usage: "asynchronous threshold custody participant",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: "data", Usage: "local state and transport working copy", EnvVars: []string{"CUSTODY_DATA_DIR"}},
			&cli.StringFlag{Name: "node-id", Usage: "identity on the board", EnvVars: []string{"CUSTODY_NODE_ID"}},
			&cli.IntFlag{Name: "threshold", Usage: "DKG threshold t", EnvVars: []string{"CUSTODY_THRESHOLD"}},
			&cli.IntFlag{Name: "total", Usage: "DKG total n", EnvVars: []string{"CUSTODY_TOTAL"}},
			&cli.StringFlag{Name: "operation-mode", Usage: "production or demo", EnvVars: []string{"CUSTODY_OPERATION_MODE"}},
			&cli.StringFlag{Name: "pin", Usage: "secret module PIN", EnvVars: []string{"CUSTODY_SECRET_MODULE_PIN"}},
			&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn, error", EnvVars: []string{"CUSTODY_LOG_LEVEL"}},
			&cli.StringFlag{Name: "metrics-addr", Usage: "listen address for /metrics; empty disables", EnvVars: []string{"CUSTODY_METRICS_ADDR"}},
		},
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "create the identity keypair and nonce seed, post the identity",
				Action: withNode(func(n *node.Node, c *cli.Context) error {
					created, err := n.Init()
					if err != nil {
						return err
					}
					if created {
						logger(c, n).Info().Msg("node initialized, identity posted")
					} else {
						logger(c, n).Info().Msg("node already initialized")
					}
					return nil
				}),
			},
			{
				Name:  "dkg-start",
				Usage: "phase 1: commit to a fresh polynomial",
				Flags: []cli.Flag{roundFlag()},
				Action: withNode(func(n *node.Node, c *cli.Context) error {
					outcome, err := n.DKG.Start(c.String("round-id"), c.Int("threshold"), c.Int("total"))
					if err != nil {
						return err
					}
					logDKG(c, n, "dkg-start", outcome)
					return nil
				}),
			},
			{
				Name:  "dkg-distribute",
				Usage: "phase 2: encrypt and post per-recipient shares",
				Flags: []cli.Flag{roundFlag()},
				Action: withNode(func(n *node.Node, c *cli.Context) error {
					outcome, err := n.DKG.Distribute(c.String("round-id"))
					if err != nil {
						return err
					}
					logDKG(c, n, "dkg-distribute", outcome)
					return nil
				}),
			},
			{
				Name:  "dkg-finalize",
				Usage: "phase 3: verify received shares and store the final share",
				Flags: []cli.Flag{roundFlag()},
				Action: withNode(func(n *node.Node, c *cli.Context) error {
					outcome, err := n.DKG.Finalize(c.String("round-id"))
					if err != nil {
						return err
					}
					logDKG(c, n, "dkg-finalize", outcome)
					return nil
				}),
			},
			{
				Name:  "sign-request",
				Usage: "post a new signing request",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "message", Required: true, Usage: "message to sign"},
					&cli.StringFlag{Name: "request-id", Usage: "explicit request id; generated if empty"},
				},
				Action: withNode(func(n *node.Node, c *cli.Context) error {
					requestID := c.String("request-id")
					if requestID == "" {
						var err error
						if requestID, err = signing.NewRequestID(); err != nil {
							return err
						}
					}
					req, err := n.Signing.Request(requestID, []byte(c.String("message")), c.Int("threshold"))
					if err != nil {
						return err
					}
					logger(c, n).Info().
						Str("request_id", req.RequestID).
						Str("message_digest", req.MessageDigestHex).
						Msg("signing request posted")
					return nil
				}),
			},
			{
				Name:  "sign-approve",
				Usage: "derive and commit this node's nonce for a request",
				Flags: []cli.Flag{requestFlag()},
				Action: withNode(func(n *node.Node, c *cli.Context) error {
					derivation, err := n.Signing.Approve(c.String("request-id"))
					if err != nil {
						return err
					}
					logger(c, n).Info().
						Str("request_id", c.String("request-id")).
						Uint64("counter", derivation.Counter).
						Str("R", derivation.RHex).
						Msg("nonce committed")
					return nil
				}),
			},
			{
				Name:  "sign-finalize",
				Usage: "post this node's partial signature and combine if possible",
				Flags: []cli.Flag{requestFlag()},
				Action: withNode(func(n *node.Node, c *cli.Context) error {
					outcome, err := n.Signing.Finalize(c.String("request-id"))
					if errors.Is(err, custodyerr.ErrNotInSession) {
						// Clean no-op: this node's commitment goes unused.
						logger(c, n).Info().
							Str("request_id", c.String("request-id")).
							Msg("not in the locked session; nothing to do")
						return nil
					}
					if err != nil {
						return err
					}
					logger(c, n).Info().
						Str("request_id", c.String("request-id")).
						Str("outcome", string(outcome)).
						Msg("sign-finalize complete")
					return nil
				}),
			},
			{
				Name:  "status",
				Usage: "print this node's view of rounds, requests, and bookkeeping",
				Action: withNode(func(n *node.Node, c *cli.Context) error {
					st, err := n.Status()
					if err != nil {
						return err
					}
					fmt.Printf("node:             %s (%s)\n", st.NodeID, st.Mode)
					fmt.Printf("initialized:      %v\n", st.Initialized)
					fmt.Printf("identity posted:  %v\n", st.IdentityPosted)
					fmt.Printf("nonce counter:    %d\n", st.NonceCounter)
					fmt.Printf("local nonces:     %d (module records: %d)\n", st.LocalNonces, st.ModuleDerivations)
					for roundID, round := range st.Rounds {
						active := ""
						if roundID == st.ActiveRound {
							active = " (active)"
						}
						fmt.Printf("round %s%s: phase=%s %d-of-%d", roundID, active, round.Phase, round.Threshold, round.Total)
						if round.GroupPublicKeyHex != "" {
							fmt.Printf(" Y=%s", round.GroupPublicKeyHex)
						}
						fmt.Println()
					}
					return nil
				}),
			},
			{
				Name:  "audit",
				Usage: "cross-check local nonce bookkeeping against the secret module",
				Action: withNode(func(n *node.Node, c *cli.Context) error {
					report, err := n.Audit()
					if report != nil {
						fmt.Printf("counter: %d, local records: %d, module records: %d\n",
							report.Counter, report.LocalRecords, report.ModuleRecords)
						for _, mismatch := range report.Mismatches {
							fmt.Printf("MISMATCH: %s\n", mismatch)
						}
					}
					if err != nil {
						return err
					}
					fmt.Println("nonce bookkeeping is consistent")
					return nil
				}),
			},
		},
	}
}

func roundFlag() cli.Flag {
	return &cli.StringFlag{Name: "round-id", Required: true, Usage: "DKG round identifier"}
}

func requestFlag() cli.Flag {
	return &cli.StringFlag{Name: "request-id", Required: true, Usage: "signing request identifier"}
}

// withNode loads configuration, wires the node, runs the operation, and
// releases everything, translating errors to exit codes.
func withNode(fn func(*node.Node, *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return exitFor(err)
		}
		rec, cleanup := startMetrics(cfg)
		defer cleanup()

		n, err := node.New(cfg, rec)
		if err != nil {
			return exitFor(err)
		}
		defer n.Close()
		return exitFor(fn(n, c))
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	v := viper.New()
	// CLI flags take highest priority; only explicitly set flags are bound.
	bind := map[string]string{
		"node-id":        "node_id",
		"threshold":      "threshold",
		"total":          "total",
		"operation-mode": "operation_mode",
		"pin":            "secret_module_pin",
		"log-level":      "log_level",
		"metrics-addr":   "metrics_addr",
	}
	for flag, key := range bind {
		if c.IsSet(flag) {
			v.Set(key, c.Value(flag))
		}
	}
	return config.Load(v, c.String("data-dir"))
}

func logger(c *cli.Context, n *node.Node) *zerolog.Logger {
	l := obslog.New(os.Stderr, c.String("log-level"), n.ID)
	return &l
}

func logDKG(c *cli.Context, n *node.Node, step string, outcome dkg.Outcome) {
	logger(c, n).Info().
		Str("round_id", c.String("round-id")).
		Str("outcome", string(outcome)).
		Msg(step)
}

// startMetrics optionally serves /metrics; an empty address disables it and
// leaves the recorder nil, which every core package treats as a no-op.
func startMetrics(cfg *config.Config) (*metrics.Recorder, func()) {
	if cfg.MetricsAddr == "" {
		return nil, func() {}
	}
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg)}
	go srv.ListenAndServe()
	return rec, func() { srv.Close() }
}
