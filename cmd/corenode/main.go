package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshplane/core/pkg/bootstrap"
	"github.com/meshplane/core/pkg/consensus"
	"github.com/meshplane/core/pkg/events"
	"github.com/meshplane/core/pkg/identity"
	"github.com/meshplane/core/pkg/log"
	"github.com/meshplane/core/pkg/membership"
	"github.com/meshplane/core/pkg/metrics"
	"github.com/meshplane/core/pkg/registry"
	"github.com/meshplane/core/pkg/security"
	"github.com/meshplane/core/pkg/transport"
	"github.com/meshplane/core/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "corenode",
	Short:   "Run a node of the peer-to-peer compute mesh's consensus and transport plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("corenode version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./data", "directory for identity, CA, replicated log, and registry state")
	rootCmd.PersistentFlags().String("listen", "[::]:7946", "QUIC listen address (IPv6)")
	rootCmd.PersistentFlags().Duration("election-timeout", 150*time.Millisecond, "base election timeout T (actual timeout randomizes within [T, 2T])")
	rootCmd.PersistentFlags().Duration("heartbeat-interval", 50*time.Millisecond, "membership heartbeat interval")
	rootCmd.PersistentFlags().Duration("idle-timeout", 30*time.Second, "transport connection idle timeout")
	rootCmd.PersistentFlags().Duration("keepalive-interval", 10*time.Second, "transport keep-alive interval")
	rootCmd.PersistentFlags().Duration("cert-rotation-interval", security.RotationGrace()*24, "how often a node rotates its own leaf certificate")
	rootCmd.PersistentFlags().Uint8("pow-difficulty", 16, "proof-of-work leading-zero-bit difficulty required of every proof")
	rootCmd.PersistentFlags().Uint64("pot-min-delay-steps", 1000, "minimum sequential hash-chain length required of every proof-of-time")
	rootCmd.PersistentFlags().String("metrics-addr", "127.0.0.1:9090", "address the Prometheus scrape endpoint binds to")
	rootCmd.PersistentFlags().Int("cluster-size", 1, "number of voting members expected, for majority-confirmation quorum math (update and restart as the cluster grows)")

	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().String("join-listen", "", "if set, also run a provisioning listener on this address so other nodes can join this one (plain, token-gated; see --join-token-ttl)")
	rootCmd.PersistentFlags().Duration("join-token-ttl", 10*time.Minute, "how long a freshly generated join token stays redeemable")
	rootCmd.PersistentFlags().String("advertise-addr", "", "QUIC address handed to joining nodes (defaults to --listen, which is wrong for a wildcard listen address like [::]:7946)")

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(joinCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// sharedFlags collects the persistent flag values every run subcommand needs.
type sharedFlags struct {
	dataDir           string
	listen            string
	electionTimeout   time.Duration
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	keepAlive         time.Duration
	difficulty        uint8
	minDelaySteps     uint64
	metricsAddr       string
	clusterSize       int
	joinListen        string
	joinTokenTTL      time.Duration
	certRotation      time.Duration
	advertiseAddr     string
}

func readSharedFlags(cmd *cobra.Command) sharedFlags {
	f := cmd.Flags()
	sf := sharedFlags{}
	sf.dataDir, _ = f.GetString("data-dir")
	sf.listen, _ = f.GetString("listen")
	sf.electionTimeout, _ = f.GetDuration("election-timeout")
	sf.heartbeatInterval, _ = f.GetDuration("heartbeat-interval")
	sf.idleTimeout, _ = f.GetDuration("idle-timeout")
	sf.keepAlive, _ = f.GetDuration("keepalive-interval")
	difficulty, _ := f.GetUint8("pow-difficulty")
	sf.difficulty = difficulty
	sf.minDelaySteps, _ = f.GetUint64("pot-min-delay-steps")
	sf.metricsAddr, _ = f.GetString("metrics-addr")
	sf.clusterSize, _ = f.GetInt("cluster-size")
	sf.joinListen, _ = f.GetString("join-listen")
	sf.joinTokenTTL, _ = f.GetDuration("join-token-ttl")
	sf.certRotation, _ = f.GetDuration("cert-rotation-interval")
	sf.advertiseAddr, _ = f.GetString("advertise-addr")
	if sf.advertiseAddr == "" {
		sf.advertiseAddr = sf.listen
	}
	return sf
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Form a brand-new single-node cluster as its first member",
	RunE: func(cmd *cobra.Command, args []string) error {
		sf := readSharedFlags(cmd)
		clusterID, _ := cmd.Flags().GetString("cluster-id")
		if clusterID == "" {
			return fmt.Errorf("--cluster-id is required")
		}
		if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)); err != nil {
			return err
		}

		id, err := identity.LoadOrGenerate(sf.dataDir)
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}

		ca := security.NewCertAuthority()
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initialize certificate authority: %w", err)
		}
		cert, key, err := ca.Bootstrap(id.NodeId().String(), 0)
		if err != nil {
			return fmt.Errorf("self-sign bootstrap certificate: %w", err)
		}

		return run(sf, id, ca, cert, key, []types.NodeId{id.NodeId()}, nil)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing cluster via a provisioning token issued by a current member",
	RunE: func(cmd *cobra.Command, args []string) error {
		sf := readSharedFlags(cmd)
		clusterID, _ := cmd.Flags().GetString("cluster-id")
		joinAddr, _ := cmd.Flags().GetString("join-addr")
		token, _ := cmd.Flags().GetString("token")
		if clusterID == "" || joinAddr == "" || token == "" {
			return fmt.Errorf("--cluster-id, --join-addr, and --token are all required")
		}
		if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)); err != nil {
			return err
		}

		id, err := identity.LoadOrGenerate(sf.dataDir)
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}

		result, err := bootstrap.RequestJoin(joinAddr, token, id.NodeId())
		if err != nil {
			return fmt.Errorf("join: %w", err)
		}

		ca := security.NewCertAuthority()
		if err := ca.SetRootCert(result.RootCertDER); err != nil {
			return fmt.Errorf("install root certificate: %w", err)
		}
		if err := ca.ApplyCertIssued(result.AdmitterCert); err != nil {
			return fmt.Errorf("record admitter's certificate: %w", err)
		}
		if err := ca.ApplyCertIssued(result.Cert); err != nil {
			return fmt.Errorf("record issued certificate: %w", err)
		}

		return run(sf, id, ca, result.Cert, result.Key, nil, &dialTarget{addr: result.QUICAddr, nodeID: result.AdmitterID})
	},
}

// dialTarget is the admitting node's mTLS endpoint, dialed once this node's
// own transport is listening. pkg/transport has no auto-dial: AddVoter on
// the admitter's side only makes this node reachable for raft traffic once
// some connection exists between the two, and the admitter can't be the
// one to initiate it since it doesn't know this node's transport address.
type dialTarget struct {
	addr   string
	nodeID string
}

func init() {
	bootstrapCmd.Flags().String("cluster-id", "", "cluster identifier the at-rest encryption key is derived from (required)")
	joinCmd.Flags().String("cluster-id", "", "cluster identifier the at-rest encryption key is derived from (required)")
	joinCmd.Flags().String("join-addr", "", "address of an existing member's provisioning listener (required)")
	joinCmd.Flags().String("token", "", "single-use join token obtained out of band from an existing member (required)")
}

// run wires every subsystem together and blocks until interrupted. voters
// is non-nil only for the very first node, which bootstraps the Raft
// configuration with itself as the sole member. dial is non-nil only for a
// joining node: the admitting node's address to connect out to, since it
// was already admitted as a voter server-side but is otherwise unreachable
// until this node dials in.
func run(sf sharedFlags, id *identity.Identity, ca *security.CertAuthority, cert *types.Certificate, key *rsa.PrivateKey, voters []types.NodeId, dial *dialTarget) error {
	tlsConfig, err := ca.NodeTLSConfig(cert, key)
	if err != nil {
		return fmt.Errorf("build tls config: %w", err)
	}

	xport := transport.New(id.NodeId(), tlsConfig, ca, transport.Config{
		IdleTimeout:       sf.idleTimeout,
		KeepAliveInterval: sf.keepAlive,
		GracePeriod:       sf.idleTimeout,
	})
	if err := xport.Listen(sf.listen); err != nil {
		return fmt.Errorf("listen on %s: %w", sf.listen, err)
	}
	defer xport.Shutdown()

	if dial != nil {
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 30*time.Second)
		peerID, err := xport.Connect(dialCtx, dial.addr, dial.nodeID)
		dialCancel()
		if err != nil {
			return fmt.Errorf("connect to admitting node at %s: %w", dial.addr, err)
		}
		log.WithComponent("corenode").Info().Str("peer", peerID.String()).Str("addr", dial.addr).
			Msg("connected to admitting node")
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	node, err := consensus.New(consensus.Config{
		NodeID:              id.NodeId(),
		DataDir:             sf.dataDir,
		ElectionTimeoutBase: sf.electionTimeout,
		HeartbeatTimeout:    sf.electionTimeout,
		ApplyTimeout:        5 * time.Second,
		RPCTimeout:          2 * time.Second,
	}, xport, ca)
	if err != nil {
		return fmt.Errorf("start consensus node: %w", err)
	}
	ca.SetProposer(node)

	reg, err := registry.Open(sf.dataDir, sf.difficulty, sf.minDelaySteps, broker)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()
	reg.SetProposer(node)
	reg.RegisterHandlers(node.FSM())
	node.FSM().RegisterSnapshotProvider("registry", reg)

	remediation := membership.NewRemediation(node, reg, node)
	ledger := membership.NewLedger(sf.clusterSize, broker, remediation.OnConfirmed)
	ledger.RegisterHandler(node.FSM())
	node.FSM().RegisterSnapshotProvider("membership", ledger)

	monitor := membership.NewMonitor(id.NodeId(), membership.Config{
		HeartbeatInterval: sf.heartbeatInterval,
		FailureThreshold:  3,
	}, xport, broker)
	monitor.Wire(node)
	monitor.RegisterWith(node.Dispatcher())
	for _, v := range voters {
		monitor.Track(v)
	}

	sweeper := registry.NewSweeper(reg, node, 30*time.Second)

	collector := metrics.NewCollector(node, reg, monitor)
	collector.Start()
	defer collector.Stop()

	metricsSrv := &http.Server{Addr: sf.metricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("corenode").Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	defer metricsSrv.Close()

	if voters != nil {
		if err := node.Bootstrap(voters); err != nil {
			return fmt.Errorf("bootstrap raft configuration: %w", err)
		}
	}

	if sf.joinListen != "" {
		tokens := bootstrap.NewTokenManager()
		joinSrv := bootstrap.NewServer(tokens, ca, node, id.NodeId(), sf.advertiseAddr, cert)
		if err := joinSrv.Serve(sf.joinListen); err != nil {
			return fmt.Errorf("start join listener: %w", err)
		}
		defer joinSrv.Close()

		jt, err := tokens.Generate(sf.joinTokenTTL)
		if err != nil {
			return fmt.Errorf("generate join token: %w", err)
		}
		log.WithComponent("corenode").Info().
			Str("join_addr", sf.joinListen).
			Str("token", jt.Token).
			Time("expires_at", jt.ExpiresAt).
			Msg("join token issued; redeem with `corenode join --join-addr <join_addr> --token <token>`")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.StartTransport(ctx)

	monitor.Start()
	defer monitor.Stop()
	sweeper.Start()
	defer sweeper.Stop()

	rotationStop := make(chan struct{})
	defer close(rotationStop)
	go runRotation(ca, id, cert, sf.certRotation, rotationStop)

	log.WithComponent("corenode").Info().Str("node_id", id.NodeId().String()).Str("listen", sf.listen).Msg("node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.WithComponent("corenode").Info().Msg("shutting down")
	return nil
}

// runRotation periodically checks the node's own leaf certificate and
// rotates it once within security.RotationGrace() of expiry, scheduling the
// superseded serial's revocation after the grace period. It does not
// currently push the rotated certificate into the already-listening
// transport's tls.Config; a full cycle still requires a
// process restart to pick up the new leaf, which stays well inside the
// grace window for any reasonable rotation interval.
func runRotation(ca *security.CertAuthority, id *identity.Identity, cert *types.Certificate, interval time.Duration, stop <-chan struct{}) {
	current := cert
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !security.NeedsRotation(current, time.Now()) {
				continue
			}
			newCert, _, err := ca.Rotate(id.NodeId().String())
			if err != nil {
				log.WithComponent("corenode").Warn().Err(err).Msg("certificate rotation failed, retrying next tick")
				continue
			}
			oldSerial := current.Serial
			current = newCert
			log.WithComponent("corenode").Info().Uint64("new_serial", newCert.Serial).Uint64("old_serial", oldSerial).
				Msg("certificate rotated")
			time.AfterFunc(security.RotationGrace(), func() {
				if err := ca.Revoke(oldSerial, "superseded by rotation"); err != nil {
					log.WithComponent("corenode").Warn().Err(err).Uint64("serial", oldSerial).Msg("revoke superseded certificate failed")
				}
			})
		}
	}
}
