// Command sidecard is the operator tool for the agentmesh sidecar: it runs
// an interactive demo pipeline and provides audit ledger verification,
// export, statistics, and manifest checking.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agentmesh-labs/sidecar/pkg/admission"
	"github.com/agentmesh-labs/sidecar/pkg/config"
	"github.com/agentmesh-labs/sidecar/pkg/ledger"
	"github.com/agentmesh-labs/sidecar/pkg/manifest"
	"github.com/agentmesh-labs/sidecar/pkg/observability"
	"github.com/agentmesh-labs/sidecar/pkg/policy"
	"github.com/agentmesh-labs/sidecar/pkg/sidecar"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	var err error
	switch os.Args[1] {
	case "verify":
		err = runVerify(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "check-manifest":
		err = runCheckManifest(os.Args[2:])
	case "demo":
		err = runDemo(cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sidecard: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sidecard <command>

commands:
  verify <ledger.db>          verify the audit chain and report the first divergence
  export <ledger.db>          print the full audit chain as JSON
  stats <ledger.db>           print ledger statistics
  check-manifest <file>       validate a capability manifest (JSON or YAML)
  demo                        run sample requests through the full pipeline`)
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func openLedger(args []string) (*ledger.Ledger, *ledger.SQLiteStore, error) {
	if len(args) < 1 {
		return nil, nil, fmt.Errorf("ledger path required")
	}
	store, err := ledger.OpenSQLiteStore(args[0])
	if err != nil {
		return nil, nil, err
	}
	l, err := ledger.Restore(store)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return l, store, nil
}

func runVerify(args []string) error {
	l, store, err := openLedger(args)
	if err != nil {
		// Restore already verifies; surface the offending trace id.
		if ie, ok := err.(*ledger.IntegrityError); ok {
			return fmt.Errorf("INTEGRITY VIOLATION at trace %s: %s", ie.TraceID, ie.Reason)
		}
		return err
	}
	defer store.Close()

	fmt.Printf("chain OK: %d entries, head %s\n", l.Length(), l.Head())
	return nil
}

func runExport(args []string) error {
	l, store, err := openLedger(args)
	if err != nil {
		return err
	}
	defer store.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(l.Export())
}

func runStats(args []string) error {
	l, store, err := openLedger(args)
	if err != nil {
		return err
	}
	defer store.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(l.Statistics())
}

func runCheckManifest(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("manifest path required")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	m, err := manifest.ParseJSON(raw)
	if err != nil {
		// Fall back to YAML manifests.
		m, err = manifest.ParseYAML(raw)
		if err != nil {
			return err
		}
	}

	fmt.Printf("manifest OK: agent=%s trust=%s score=%.1f\n",
		m.AgentID, m.TrustLevel, policy.TrustScore(m))
	return nil
}

// runDemo wires the full pipeline around an echo executor and pushes three
// requests through it: a clean allow, a warn without override, and a
// content-safety block.
func runDemo(cfg *config.Config) error {
	ctx := context.Background()
	log := slog.Default().With("component", "demo")

	engine := policy.NewEngine()
	if cfg.ProfilePath != "" {
		profile, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return err
		}
		if err := profile.Apply(engine); err != nil {
			return err
		}
		log.Info("profile applied", "name", profile.Name, "rules", engine.Rules().Len())
	}

	auditLog := ledger.New()
	if cfg.LedgerPath != "" {
		store, err := ledger.OpenSQLiteStore(cfg.LedgerPath)
		if err != nil {
			return err
		}
		defer store.Close()
		auditLog, err = ledger.Restore(store)
		if err != nil {
			return err
		}
	}

	echo := sidecar.ExecutorFunc(func(ctx context.Context, req *sidecar.Request) (any, error) {
		return map[string]any{"echo": req.Action}, nil
	})

	o := sidecar.New(echo).
		WithEngine(engine).
		WithLedger(auditLog).
		WithRateStore(admission.NewMemoryRateStore()).
		WithExecTimeout(time.Duration(cfg.DefaultTimeout) * time.Millisecond)

	if cfg.RedisAddr != "" {
		o.WithSlotStore(admission.NewRedisSlotStore(cfg.RedisAddr, "", 0))
		log.Info("distributed slots enabled", "addr", cfg.RedisAddr)
	}
	if cfg.TelemetryOn {
		provider, err := observability.New(ctx, &observability.Config{
			ServiceName:  "agentmesh-sidecar",
			OTLPEndpoint: cfg.OTLPEndpoint,
			SampleRate:   1.0,
			BatchTimeout: 5 * time.Second,
			Enabled:      true,
			Insecure:     true,
		})
		if err != nil {
			return err
		}
		defer provider.Shutdown(ctx)
		o.WithTelemetry(provider)
	}

	trusted := &manifest.CapabilityManifest{
		AgentID:     "demo-trusted",
		IATPVersion: "1.0.0",
		TrustLevel:  manifest.TrustTrusted,
		Capabilities: manifest.CapabilitySet{
			Reversibility:    manifest.ReversibilityFull,
			Idempotent:       true,
			ConcurrencyLimit: 4,
		},
		Privacy: manifest.PrivacyContract{Retention: manifest.RetentionEphemeral},
	}

	standard := &manifest.CapabilityManifest{
		AgentID:     "demo-standard",
		IATPVersion: "1.0.0",
		TrustLevel:  manifest.TrustStandard,
		Capabilities: manifest.CapabilitySet{
			Reversibility:    manifest.ReversibilityPartial,
			ConcurrencyLimit: 2,
		},
		Privacy: manifest.PrivacyContract{Retention: manifest.RetentionTemporary},
	}

	archiver := &manifest.CapabilityManifest{
		AgentID:     "demo-archiver",
		IATPVersion: "1.0.0",
		TrustLevel:  manifest.TrustVerifiedPartner,
		Capabilities: manifest.CapabilitySet{
			Reversibility:    manifest.ReversibilityFull,
			Idempotent:       true,
			ConcurrencyLimit: 2,
		},
		Privacy: manifest.PrivacyContract{Retention: manifest.RetentionPermanent},
	}

	requests := []*sidecar.Request{
		{Manifest: trusted, Action: "lookup", Params: map[string]any{"sku": "A-100"}},
		{Manifest: standard, Action: "purchase", Params: map[string]any{"qty": 3}},
		{Manifest: archiver, Action: "archive", Params: map[string]any{"card": "4532015112830366"}},
	}

	for _, req := range requests {
		resp, err := o.Handle(ctx, req)
		if err != nil {
			log.Warn("request denied", "agent", req.AgentID, "action", req.Action, "error", err)
		}
		if resp != nil {
			out, _ := json.Marshal(resp)
			fmt.Println(string(out))
		}
	}

	ok, offender := o.Ledger().Verify()
	fmt.Printf("audit chain verified=%v entries=%d offender=%q\n", ok, o.Ledger().Length(), offender)
	return nil
}
