// Package server wires the backend together: the SQLite store, the profile
// revision engine, the shop catalog, the XMPP presence server, the party
// registry, and the HTTP API in front of them.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/atlasfall/breakwater/pkg/database"
	"github.com/atlasfall/breakwater/pkg/party"
	"github.com/atlasfall/breakwater/pkg/profile"
	"github.com/atlasfall/breakwater/pkg/xmpp"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(os.Stdout, "DEBUG: ", log.LstdFlags)
)

// SetLoggers overrides the package loggers. Tests use this to silence
// output.
func SetLoggers(errLogger, dbgLogger *log.Logger) {
	if errLogger != nil {
		errorLog = errLogger
	}
	if dbgLogger != nil {
		debugLog = dbgLogger
	}
}

// Server is the composed backend process.
type Server struct {
	config TOMLConfig

	db       *database.DB
	tokens   *TokenService
	catalog  *profile.StaticCatalog
	engine   *profile.Engine
	parties  *party.Registry
	presence *xmpp.Server
	metrics  *Metrics

	httpListener    net.Listener
	httpServer      *http.Server
	metricsListener net.Listener
	metricsServer   *http.Server
}

// New builds a server from config without binding any port.
func New(config TOMLConfig) (*Server, error) {
	dbPath, err := ExpandPath(config.Server.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("database path: %w", err)
	}
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return build(config, db)
}

// NewWithDB builds a server around an existing database handle. Tests use
// this with an in-memory database.
func NewWithDB(config TOMLConfig, db *database.DB) (*Server, error) {
	return build(config, db)
}

func build(config TOMLConfig, db *database.DB) (*Server, error) {
	s := &Server{
		config: config,
		db:     db,
		tokens: NewTokenService(config.Auth.JWTSecret, time.Duration(config.Auth.TokenTTLMinutes)*time.Minute),
	}

	catalog, err := loadCatalog(config.Shop.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	s.catalog = catalog

	tlsConfig, err := loadXMPPTLS(config.XMPP)
	if err != nil {
		return nil, fmt.Errorf("xmpp tls: %w", err)
	}

	s.parties = party.NewRegistry(nil)
	s.presence = xmpp.NewServer(xmpp.Options{
		Domain:   config.XMPP.Domain,
		Verifier: NewSessionVerifier(s.tokens, db),
		Friends:  db,
		Parties:  s.parties,
		TLS:      tlsConfig,
	})
	s.parties.SetNotifier(s.presence)

	s.metrics = NewMetrics(
		func() float64 { return float64(s.presence.Sessions().Count()) },
		func() float64 { return float64(s.parties.Count()) },
	)

	s.engine = profile.NewEngine(profile.Options{
		Store:    profile.NewSQLStore(db),
		Catalog:  catalog,
		Friends:  db,
		Receipts: db,
		Notifier: giftNotifier{s},
	})

	return s, nil
}

// giftNotifier bridges the profile engine to the presence server and
// counts deliveries along the way.
type giftNotifier struct{ s *Server }

func (n giftNotifier) NotifyAccount(accountID string, payload map[string]any) {
	n.s.metrics.GiftsDelivered.Inc()
	n.s.presence.NotifyAccount(accountID, payload)
}

// Start binds the XMPP, API, and metrics listeners and begins serving.
func (s *Server) Start() error {
	if err := s.presence.Start(fmt.Sprintf(":%d", s.config.XMPP.TCPPort)); err != nil {
		return fmt.Errorf("xmpp listener: %w", err)
	}
	debugLog.Printf("XMPP listening on %s (domain %s)", s.presence.Addr(), s.config.XMPP.Domain)

	httpLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.HTTPPort))
	if err != nil {
		return fmt.Errorf("http listener: %w", err)
	}
	s.httpListener = httpLn
	s.httpServer = &http.Server{Handler: s.apiHandler()}
	go func() {
		if err := s.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("http server: %v", err)
		}
	}()
	debugLog.Printf("HTTP API listening on %s", httpLn.Addr())

	// Internal only - never expose publicly
	metricsLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.MetricsPort))
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	s.metricsListener = metricsLn
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", s.metrics.Handler())
	metricsMux.HandleFunc("/health", s.healthHandler)
	s.metricsServer = &http.Server{Handler: metricsMux}
	go func() {
		if err := s.metricsServer.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("metrics server: %v", err)
		}
	}()
	debugLog.Printf("Metrics listening on %s (/metrics, /health) - INTERNAL ONLY", metricsLn.Addr())

	return nil
}

// Stop shuts everything down in dependency order.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}
	s.presence.Stop()
	if err := s.db.Close(); err != nil {
		errorLog.Printf("closing database: %v", err)
	}
}

// HTTPAddr returns the bound API address ("" before Start).
func (s *Server) HTTPAddr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// XMPPAddr returns the bound XMPP address ("" before Start).
func (s *Server) XMPPAddr() string {
	return s.presence.Addr()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.presence.Sessions().Count(),
		"parties":  s.parties.Count(),
	})
}

// defaultOffers is the built-in storefront used when no catalog file is
// configured.
func defaultOffers() []*profile.Offer {
	return []*profile.Offer{
		{
			OfferID:    "v2:/breakwater/offer/renegade",
			DevName:    "Renegade Raider",
			FinalPrice: 1200,
			Grants:     []profile.Grant{{TemplateID: "AthenaCharacter:CID_028_Renegade", Quantity: 1}},
		},
		{
			OfferID:    "v2:/breakwater/offer/raiders-revenge",
			DevName:    "Raider's Revenge",
			FinalPrice: 1500,
			Grants:     []profile.Grant{{TemplateID: "AthenaPickaxe:Pickaxe_Lockjaw", Quantity: 1}},
		},
		{
			OfferID:    "v2:/breakwater/offer/floss",
			DevName:    "Floss",
			FinalPrice: 500,
			Grants:     []profile.Grant{{TemplateID: "AthenaDance:EID_Floss", Quantity: 1}},
		},
		{
			OfferID:    "v2:/breakwater/offer/mako",
			DevName:    "Mako",
			FinalPrice: 800,
			Grants:     []profile.Grant{{TemplateID: "AthenaGlider:Glider_ID_001_Mako", Quantity: 1}},
		},
	}
}

// loadXMPPTLS builds the starttls config from the cert/key paths, or nil
// when neither is set.
func loadXMPPTLS(section XMPPSection) (*tls.Config, error) {
	if section.TLSCertPath == "" && section.TLSKeyPath == "" {
		return nil, nil
	}
	certPath, err := ExpandPath(section.TLSCertPath)
	if err != nil {
		return nil, err
	}
	keyPath, err := ExpandPath(section.TLSKeyPath)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// loadCatalog reads the offer file, or falls back to the default shop.
func loadCatalog(path string) (*profile.StaticCatalog, error) {
	if path == "" {
		return profile.NewStaticCatalog(defaultOffers()...), nil
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(expanded)
	if err != nil {
		return nil, err
	}
	var offers []*profile.Offer
	if err := json.Unmarshal(raw, &offers); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	return profile.NewStaticCatalog(offers...), nil
}
