// Copyright 2025 CAP Agent Project
//
// cmd/capagent is a thin CLI wiring the CAP Agent packages into runnable
// verbs: generating and rotating keys, registering an already-signed
// manifest/proof pair, verifying a manifest/proof/registry combination,
// and serving /metrics.
//
// Argument parsing for individual supply-chain data sources (supplier
// lists, UBO registers, policy documents) is out of scope here — those are
// expected to arrive as already-canonicalized JSON from an external
// collaborator, per the boundary spec.md draws around this core. This
// file only wires the pipeline stages together, the way the teacher's
// main.go wires its validator node and HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/capagent/cap-agent/audit"
	"github.com/capagent/cap-agent/blobstore"
	"github.com/capagent/cap-agent/bundle"
	"github.com/capagent/cap-agent/config"
	"github.com/capagent/cap-agent/keystore"
	"github.com/capagent/cap-agent/manifest"
	"github.com/capagent/cap-agent/metrics"
	"github.com/capagent/cap-agent/proof"
	"github.com/capagent/cap-agent/registry"
	"github.com/capagent/cap-agent/registry/flatfile"
	"github.com/capagent/cap-agent/registry/sqlstore"
	"github.com/capagent/cap-agent/verifier"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) < 2 {
		printHelp()
		os.Exit(2)
	}

	verb := os.Args[1]
	args := os.Args[2:]

	switch verb {
	case "keygen":
		runKeygen(args)
	case "rotate":
		runRotate(args)
	case "register":
		runRegister(args)
	case "verify":
		runVerify(args)
	case "serve":
		runServe(args)
	case "help", "-h", "--help":
		printHelp()
	default:
		log.Printf("unknown command %q", verb)
		printHelp()
		os.Exit(2)
	}
}

func printHelp() {
	fmt.Fprintln(os.Stderr, `capagent <command> [flags]

Commands:
  keygen    -owner NAME            generate a new signing key
  rotate    -owner NAME            rotate a signing key, recording an attestation
  register  -manifest FILE -proof FILE   register a manifest+proof pair
  verify    -manifest FILE -proof FILE   run the fixed-order verification pipeline
  serve     -addr :8080            expose /metrics for scraping
  help                             show this message`)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(os.Getenv("CAPAGENT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	return cfg
}

func openRegistry(cfg *config.Config) registry.Store {
	switch cfg.RegistryBackend {
	case config.RegistryBackendSQL:
		store, err := sqlstore.Open(cfg.RegistryPath, sqlstore.WithLogger(
			log.New(log.Writer(), "[Registry] ", log.LstdFlags),
		))
		if err != nil {
			log.Fatalf("open sql registry: %v", err)
		}
		return store
	default:
		store, err := flatfile.Open(cfg.RegistryPath)
		if err != nil {
			log.Fatalf("open flatfile registry: %v", err)
		}
		return store
	}
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	owner := fs.String("owner", "", "key owner name")
	fs.Parse(args)
	if *owner == "" {
		log.Fatal("keygen: -owner is required")
	}

	cfg := loadConfig()
	ks, err := keystore.NewStore(cfg.KeyStoreRoot)
	if err != nil {
		log.Fatalf("open keystore: %v", err)
	}
	version, err := ks.Generate(*owner)
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	log.Printf("generated key %s v%d kid=%s", *owner, version.Version, version.KID)
}

func runRotate(args []string) {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	owner := fs.String("owner", "", "key owner name")
	fs.Parse(args)
	if *owner == "" {
		log.Fatal("rotate: -owner is required")
	}

	cfg := loadConfig()
	ks, err := keystore.NewStore(cfg.KeyStoreRoot)
	if err != nil {
		log.Fatalf("open keystore: %v", err)
	}
	version, attestation, err := ks.Rotate(*owner)
	if err != nil {
		log.Fatalf("rotate key: %v", err)
	}
	log.Printf("rotated %s to v%d kid=%s predecessor=%s",
		*owner, version.Version, version.KID, attestation.SignerKID)
}

func runRegister(args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "path to a signed manifest JSON file")
	proofPath := fs.String("proof", "", "path to a proof artifact JSON file")
	backend := fs.String("backend", "mock", "proof backend name the artifact was produced by")
	fs.Parse(args)
	if *manifestPath == "" || *proofPath == "" {
		log.Fatal("register: -manifest and -proof are required")
	}

	cfg := loadConfig()
	manifestBytes, err := os.ReadFile(*manifestPath)
	if err != nil {
		log.Fatalf("read manifest: %v", err)
	}
	proofBytes, err := os.ReadFile(*proofPath)
	if err != nil {
		log.Fatalf("read proof: %v", err)
	}

	m, err := manifest.FromJSON(manifestBytes)
	if err != nil {
		log.Fatalf("parse manifest: %v", err)
	}
	var artifact proof.Artifact
	if err := json.Unmarshal(proofBytes, &artifact); err != nil {
		log.Fatalf("parse proof artifact: %v", err)
	}
	manifestHash, err := m.Hash()
	if err != nil {
		log.Fatalf("hash manifest: %v", err)
	}
	proofHash, err := artifact.Hash()
	if err != nil {
		log.Fatalf("hash proof artifact: %v", err)
	}

	blobs, err := blobstore.New(cfg.BlobStoreRoot, blobstore.WithLogger(
		log.New(log.Writer(), "[BlobStore] ", log.LstdFlags),
	))
	if err != nil {
		log.Fatalf("open blobstore: %v", err)
	}
	manifestBlobID, err := blobs.Put(blobstore.MediaManifest, manifestBytes)
	if err != nil {
		log.Fatalf("store manifest blob: %v", err)
	}
	proofBlobID, err := blobs.Put(blobstore.MediaProof, proofBytes)
	if err != nil {
		log.Fatalf("store proof blob: %v", err)
	}

	reg := openRegistry(cfg)
	defer reg.Close()

	entry := registry.Entry{
		ID:             uuid.NewString(),
		ManifestHash:   manifestHash,
		ProofHash:      proofHash,
		BackendName:    *backend,
		ManifestBlobID: manifestBlobID,
		ProofBlobID:    proofBlobID,
		RegisteredAt:   time.Now().UTC(),
	}
	if err := reg.Put(entry); err != nil {
		log.Fatalf("register entry: %v", err)
	}
	log.Printf("registered manifest=%s proof=%s backend=%s", entry.ManifestHash, entry.ProofHash, *backend)
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "path to a manifest JSON file")
	proofPath := fs.String("proof", "", "path to a proof artifact JSON file")
	bundleDir := fs.String("bundle", "", "path to a bundle directory instead of -manifest/-proof")
	fs.Parse(args)

	cfg := loadConfig()
	rec := recorderFor(cfg)

	var manifestBytes, proofBytes []byte
	if *bundleDir != "" {
		if err := bundle.VerifyIntegrity(*bundleDir); err != nil {
			log.Fatalf("bundle integrity check failed: %v", err)
		}
		files, err := bundle.Read(*bundleDir)
		if err != nil {
			log.Fatalf("read bundle: %v", err)
		}
		manifestBytes = files["manifest.json"]
		proofBytes = files["proof.json"]
	} else if *manifestPath != "" && *proofPath != "" {
		var err error
		manifestBytes, err = os.ReadFile(*manifestPath)
		if err != nil {
			log.Fatalf("read manifest: %v", err)
		}
		proofBytes, err = os.ReadFile(*proofPath)
		if err != nil {
			log.Fatalf("read proof: %v", err)
		}
	} else {
		log.Fatal("verify: either -bundle or both -manifest and -proof are required")
	}

	m, err := manifest.FromJSON(manifestBytes)
	if err != nil {
		log.Fatalf("parse manifest: %v", err)
	}
	var artifact proof.Artifact
	if err := json.Unmarshal(proofBytes, &artifact); err != nil {
		log.Fatalf("parse proof artifact: %v", err)
	}

	ks, err := keystore.NewStore(cfg.KeyStoreRoot)
	if err != nil {
		log.Fatalf("open keystore: %v", err)
	}
	trusted := map[string][]byte{}
	for _, sig := range m.Signatures {
		pub, _, err := ks.ResolveAnyKID(sig.KID)
		if err != nil {
			continue
		}
		trusted[sig.KID] = pub
	}

	reg := openRegistry(cfg)
	defer reg.Close()

	auditStore := audit.NewJSONLStore(cfg.AuditLogPath)

	v := verifier.New(verifier.WithLogger(log.New(log.Writer(), "[Verifier] ", log.LstdFlags)))
	report := v.Verify(verifier.Input{
		Manifest:          m,
		ProofArtifact:     artifact,
		TrustedSignerKeys: trusted,
		ProofRegistry:     proof.NewRegistry(),
		AuditStore:        auditStore,
		RegistryStore:     reg,
	})

	rec.IncVerification(string(report.Status))
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if report.Status != verifier.StatusVerified {
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "listen address for the metrics endpoint")
	fs.Parse(args)

	reg := prometheus.NewRegistry()
	if _, err := metrics.NewPrometheusRecorder(reg); err != nil {
		log.Fatalf("register metrics: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		log.Printf("capagent metrics listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func recorderFor(cfg *config.Config) metrics.Recorder {
	return metrics.NoOp{}
}

