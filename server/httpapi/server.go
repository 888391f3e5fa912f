// Package httpapi serves the authenticated admin API: account state
// control, rule/list/policy management, retention preview and execution,
// trash restore, and audit queries. Every mailbox-touching call goes
// through the processor or the scheduler so API requests obey the same
// per-account serialization as scheduled work.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/consts"
	"github.com/mailfold/mailfold/db"
	"github.com/mailfold/mailfold/logger"
	"github.com/mailfold/mailfold/server/classifier"
	"github.com/mailfold/mailfold/server/processor"
	"github.com/mailfold/mailfold/server/retention"
	"github.com/mailfold/mailfold/server/ruleengine"
)

// Store is the persistence surface the API reads and writes.
// *db.Database satisfies it.
type Store interface {
	CreateRule(ctx context.Context, rule *ruleengine.Rule) error
	UpdateRule(ctx context.Context, rule *ruleengine.Rule) error
	DeleteRule(ctx context.Context, id string) error
	SetRuleActive(ctx context.Context, id string, active bool) error
	GetRule(ctx context.Context, id string) (*ruleengine.Rule, error)
	ListRules(ctx context.Context) ([]*ruleengine.Rule, error)
	ListRulesForAccount(ctx context.Context, account string) ([]*ruleengine.Rule, error)

	CreateList(ctx context.Context, account, name, kind string) (*db.List, error)
	DeleteList(ctx context.Context, account, listName string) error
	ListLists(ctx context.Context, account string) ([]*db.List, error)
	GetListEntries(ctx context.Context, account, listName string) ([]db.ListEntry, error)

	CreatePolicy(ctx context.Context, policy *db.RetentionPolicy) error
	UpdatePolicy(ctx context.Context, policy *db.RetentionPolicy) error
	DeletePolicy(ctx context.Context, id string) error
	SetPolicyActive(ctx context.Context, id string, active bool) error
	GetPolicy(ctx context.Context, id string) (*db.RetentionPolicy, error)
	ListPolicies(ctx context.Context) ([]*db.RetentionPolicy, error)

	ListAuditRecords(ctx context.Context, filter db.AuditFilter) ([]*db.AuditRecord, error)
	GetAuditRecordByAuditID(ctx context.Context, auditID string) (*db.AuditRecord, error)

	ListLiveTrashEntries(ctx context.Context, account string) ([]*db.TrashEntry, error)
}

// AccountManager is the processor surface the API drives.
type AccountManager interface {
	Start(email string, mode consts.ProcessingMode) error
	Stop(email string) error
	Restart(email string) error
	TriggerBatch(ctx context.Context, email string, limit int) (*classifier.BatchResult, error)
	State(email string) (processor.Status, error)
	States() map[string]processor.Status
}

// RetentionService answers read-only and restore calls directly on the
// engine. Live executions go through the RetentionRunner instead.
type RetentionService interface {
	Preview(ctx context.Context, scope retention.Scope, asOf time.Time) (*retention.PreviewResult, error)
	Restore(ctx context.Context, account string, uids []uint32, targetFolder string) (int, error)
}

// RetentionRunner serializes manual retention executions against
// scheduled ones. The scheduler satisfies it.
type RetentionRunner interface {
	RunRetentionNow(ctx context.Context, scope retention.Scope, dryRun bool) ([]*db.AuditRecord, error)
}

// ListService is the warm list index. Mutations must go through it so
// sender_in_list lookups see admin changes immediately.
type ListService interface {
	Add(ctx context.Context, account, listName, address string) error
	Remove(ctx context.Context, account, listName, address string) error
	Drop(account, listName string)
}

// Dependencies bundles the services the API exposes.
type Dependencies struct {
	Store     Store
	Lists     ListService
	Processor AccountManager
	Retention RetentionService
	Runner    RetentionRunner
	Evaluator *ruleengine.Engine
}

// Server is the admin HTTP API server.
type Server struct {
	addr         string
	apiKey       string
	apiKeyBcrypt string
	allowedHosts []string
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string

	store     Store
	lists     ListService
	processor AccountManager
	retention RetentionService
	runner    RetentionRunner
	evaluator *ruleengine.Engine

	minRetentionDays int
	defaultTrashDays int

	server *http.Server
}

// New creates the API server. Either an API key or its bcrypt hash is
// required; the hash wins when both are configured.
func New(deps Dependencies, cfg config.APIConfig, retCfg config.RetentionConfig) (*Server, error) {
	if cfg.APIKey == "" && cfg.APIKeyBcrypt == "" {
		return nil, fmt.Errorf("api_key or api_key_bcrypt is required for the admin API")
	}
	if cfg.APIKeyBcrypt != "" {
		if _, err := bcrypt.Cost([]byte(cfg.APIKeyBcrypt)); err != nil {
			return nil, fmt.Errorf("api_key_bcrypt is not a bcrypt hash: %w", err)
		}
	}
	if cfg.TLS && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}
	if deps.Store == nil || deps.Processor == nil {
		return nil, fmt.Errorf("admin API requires a store and a processor")
	}

	return &Server{
		addr:             cfg.Addr,
		apiKey:           cfg.APIKey,
		apiKeyBcrypt:     cfg.APIKeyBcrypt,
		allowedHosts:     cfg.AllowedHosts,
		tls:              cfg.TLS,
		tlsCertFile:      cfg.TLSCertFile,
		tlsKeyFile:       cfg.TLSKeyFile,
		store:            deps.Store,
		lists:            deps.Lists,
		processor:        deps.Processor,
		retention:        deps.Retention,
		runner:           deps.Runner,
		evaluator:        deps.Evaluator,
		minRetentionDays: retCfg.MinRetentionDays,
		defaultTrashDays: retCfg.DefaultTrashRetentionDays,
	}, nil
}

// Start runs the API server until the context is canceled. Construction
// and listen errors go to errChan.
func Start(ctx context.Context, deps Dependencies, cfg config.APIConfig, retCfg config.RetentionConfig, errChan chan error) {
	server, err := New(deps, cfg, retCfg)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}

	protocol := "HTTP"
	if cfg.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: starting", "protocol", protocol, "addr", cfg.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP API: shutdown failed", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Router builds the route table with the middleware chain applied.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Account processing routes
	v1.HandleFunc("/accounts/states", s.handleAccountStates).Methods("GET")
	v1.HandleFunc("/accounts/{email}/state", s.handleAccountState).Methods("GET")
	v1.HandleFunc("/accounts/{email}/start", s.handleStartAccount).Methods("POST")
	v1.HandleFunc("/accounts/{email}/stop", s.handleStopAccount).Methods("POST")
	v1.HandleFunc("/accounts/{email}/restart", s.handleRestartAccount).Methods("POST")
	v1.HandleFunc("/accounts/{email}/classify", s.handleClassifyBatch).Methods("POST")

	// Trash routes
	v1.HandleFunc("/accounts/{email}/trash", s.handleListTrash).Methods("GET")
	v1.HandleFunc("/accounts/{email}/trash/restore", s.handleRestoreFromTrash).Methods("POST")

	// Rule management routes
	v1.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	v1.HandleFunc("/rules", s.handleListRules).Methods("GET")
	v1.HandleFunc("/rules/test", s.handleTestRules).Methods("POST")
	v1.HandleFunc("/rules/{id}", s.handleGetRule).Methods("GET")
	v1.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods("PUT")
	v1.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods("DELETE")
	v1.HandleFunc("/rules/{id}/activate", s.handleActivateRule).Methods("POST")
	v1.HandleFunc("/rules/{id}/deactivate", s.handleDeactivateRule).Methods("POST")

	// List management routes
	v1.HandleFunc("/accounts/{email}/lists", s.handleCreateList).Methods("POST")
	v1.HandleFunc("/accounts/{email}/lists", s.handleListLists).Methods("GET")
	v1.HandleFunc("/accounts/{email}/lists/{list}", s.handleGetList).Methods("GET")
	v1.HandleFunc("/accounts/{email}/lists/{list}", s.handleDeleteList).Methods("DELETE")
	v1.HandleFunc("/accounts/{email}/lists/{list}/entries", s.handleAddListEntry).Methods("POST")
	v1.HandleFunc("/accounts/{email}/lists/{list}/entries/{address}", s.handleRemoveListEntry).Methods("DELETE")

	// Retention policy routes
	v1.HandleFunc("/policies", s.handleCreatePolicy).Methods("POST")
	v1.HandleFunc("/policies", s.handleListPolicies).Methods("GET")
	v1.HandleFunc("/policies/{id}", s.handleGetPolicy).Methods("GET")
	v1.HandleFunc("/policies/{id}", s.handleUpdatePolicy).Methods("PUT")
	v1.HandleFunc("/policies/{id}", s.handleDeletePolicy).Methods("DELETE")
	v1.HandleFunc("/policies/{id}/activate", s.handleActivatePolicy).Methods("POST")
	v1.HandleFunc("/policies/{id}/deactivate", s.handleDeactivatePolicy).Methods("POST")

	// Retention execution routes
	v1.HandleFunc("/retention/preview", s.handlePreviewRetention).Methods("POST")
	v1.HandleFunc("/retention/execute", s.handleExecuteRetention).Methods("POST")

	// Audit trail routes
	v1.HandleFunc("/audit", s.handleListAudit).Methods("GET")
	v1.HandleFunc("/audit/{audit_id}", s.handleGetAudit).Methods("GET")

	return router
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if !s.keyMatches(parts[1]) {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) keyMatches(token string) bool {
	if s.apiKeyBcrypt != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.apiKeyBcrypt), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) == 1
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Request/response types

// RuleJSON is the wire form of a classification rule. Active defaults to
// true when omitted on create and update.
type RuleJSON struct {
	ID          string          `json:"id,omitempty"`
	Account     string          `json:"account,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Priority    int             `json:"priority"`
	Active      *bool           `json:"active,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Conditions  []ConditionJSON `json:"conditions"`
	Actions     []ActionJSON    `json:"actions"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
}

type ConditionJSON struct {
	Kind          string `json:"kind"`
	Value         string `json:"value"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
}

type ActionJSON struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
}

func (r *RuleJSON) toRule() *ruleengine.Rule {
	rule := &ruleengine.Rule{
		ID:          r.ID,
		Account:     strings.ToLower(r.Account),
		Name:        r.Name,
		Description: r.Description,
		Priority:    r.Priority,
		Active:      r.Active == nil || *r.Active,
		Mode:        ruleengine.ConditionMode(r.Mode),
	}
	if rule.Mode == "" {
		rule.Mode = ruleengine.ModeAnd
	}
	for _, c := range r.Conditions {
		rule.Conditions = append(rule.Conditions, ruleengine.Condition{
			Kind:          ruleengine.ConditionKind(c.Kind),
			Value:         c.Value,
			CaseSensitive: c.CaseSensitive,
		})
	}
	for _, a := range r.Actions {
		rule.Actions = append(rule.Actions, ruleengine.Action{
			Kind:  ruleengine.ActionKind(a.Kind),
			Value: a.Value,
		})
	}
	return rule
}

func fromRule(rule *ruleengine.Rule) *RuleJSON {
	active := rule.Active
	out := &RuleJSON{
		ID:          rule.ID,
		Account:     rule.Account,
		Name:        rule.Name,
		Description: rule.Description,
		Priority:    rule.Priority,
		Active:      &active,
		Mode:        string(rule.Mode),
		Conditions:  []ConditionJSON{},
		Actions:     []ActionJSON{},
	}
	if !rule.CreatedAt.IsZero() {
		created := rule.CreatedAt
		updated := rule.UpdatedAt
		out.CreatedAt = &created
		out.UpdatedAt = &updated
	}
	for _, c := range rule.Conditions {
		out.Conditions = append(out.Conditions, ConditionJSON{
			Kind:          string(c.Kind),
			Value:         c.Value,
			CaseSensitive: c.CaseSensitive,
		})
	}
	for _, a := range rule.Actions {
		out.Actions = append(out.Actions, ActionJSON{Kind: string(a.Kind), Value: a.Value})
	}
	return out
}

func rulesJSON(rules []*ruleengine.Rule) []*RuleJSON {
	out := make([]*RuleJSON, 0, len(rules))
	for _, rule := range rules {
		out = append(out, fromRule(rule))
	}
	return out
}

type startAccountRequest struct {
	Mode string `json:"mode,omitempty"`
}

type classifyRequest struct {
	Limit int `json:"limit,omitempty"`
}

type restoreRequest struct {
	UIDs         []uint32 `json:"uids"`
	TargetFolder string   `json:"target_folder,omitempty"`
}

type createListRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

type listEntryRequest struct {
	Address string `json:"address"`
}

// policyRequest names the scope the way operators think about it: a
// folder name or a rule id, exactly one of the two.
type policyRequest struct {
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	Account            string `json:"account,omitempty"`
	Folder             string `json:"folder,omitempty"`
	RuleID             string `json:"rule_id,omitempty"`
	RetentionDays      int    `json:"retention_days"`
	TrashRetentionDays int    `json:"trash_retention_days,omitempty"`
	SkipTrash          bool   `json:"skip_trash,omitempty"`
	Active             *bool  `json:"active,omitempty"`
}

type retentionScopeRequest struct {
	PolicyID string `json:"policy_id,omitempty"`
	Account  string `json:"account,omitempty"`
	AsOf     string `json:"as_of,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`
}

type testRulesRequest struct {
	Message struct {
		Account string `json:"account"`
		Sender  string `json:"sender"`
		Subject string `json:"subject"`
		Content string `json:"content,omitempty"`
	} `json:"message"`
	// Rules to evaluate. Empty means the stored rules for the account.
	Rules []RuleJSON `json:"rules,omitempty"`
}

// Account handlers

func (s *Server) handleAccountStates(w http.ResponseWriter, r *http.Request) {
	states := s.processor.States()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": states,
		"total":    len(states),
	})
}

func (s *Server) handleAccountState(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]

	status, err := s.processor.State(email)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "Account not found")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStartAccount(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	email := mux.Vars(r)["email"]

	var req startAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	mode := consts.ModeMaintenance
	switch req.Mode {
	case "", string(consts.ModeMaintenance):
	case string(consts.ModeStartup):
		mode = consts.ModeStartup
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown mode %q", req.Mode))
		return
	}

	if err := s.processor.Start(email, mode); err != nil {
		s.writeAccountError(w, email, err, "start")
		return
	}

	status, _ := s.processor.State(email)
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStopAccount(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]

	if err := s.processor.Stop(email); err != nil {
		s.writeAccountError(w, email, err, "stop")
		return
	}

	status, _ := s.processor.State(email)
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRestartAccount(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]

	if err := s.processor.Restart(email); err != nil {
		s.writeAccountError(w, email, err, "restart")
		return
	}

	status, _ := s.processor.State(email)
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleClassifyBatch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	email := mux.Vars(r)["email"]

	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	result, err := s.processor.TriggerBatch(r.Context(), email, req.Limit)
	if err != nil {
		s.writeAccountError(w, email, err, "classify")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": strings.ToLower(email),
		"result":  result,
	})
}

// writeAccountError maps processor errors onto statuses: unknown account
// 404, state conflicts 409, everything else 500.
func (s *Server) writeAccountError(w http.ResponseWriter, email string, err error, op string) {
	switch {
	case errors.Is(err, consts.ErrAccountNotFound):
		s.writeError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, consts.ErrStateConflict),
		errors.Is(err, consts.ErrBatchInProgress),
		errors.Is(err, consts.ErrAccountInError),
		errors.Is(err, consts.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("HTTP API: account operation failed", "op", op, "account", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to %s account", op))
	}
}

// Trash handlers

func (s *Server) handleListTrash(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]

	entries, err := s.store.ListLiveTrashEntries(r.Context(), email)
	if err != nil {
		logger.Error("HTTP API: failed to list trash", "account", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list trash entries")
		return
	}
	if entries == nil {
		entries = []*db.TrashEntry{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": strings.ToLower(email),
		"entries": entries,
		"total":   len(entries),
	})
}

func (s *Server) handleRestoreFromTrash(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	email := mux.Vars(r)["email"]

	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.UIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "At least one uid is required")
		return
	}

	restored, err := s.retention.Restore(r.Context(), email, req.UIDs, req.TargetFolder)
	if err != nil {
		if errors.Is(err, consts.ErrAccountNotFound) {
			s.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		logger.Error("HTTP API: restore failed", "account", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Restore failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":   strings.ToLower(email),
		"requested": len(req.UIDs),
		"restored":  restored,
	})
}

// Rule handlers

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req RuleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	rule := req.toRule()
	rule.ID = ""
	if err := ruleengine.ValidateRule(rule); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.CreateRule(r.Context(), rule); err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			s.writeError(w, http.StatusConflict, "A rule with this name already exists")
			return
		}
		logger.Error("HTTP API: failed to create rule", "rule", rule.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create rule")
		return
	}

	s.writeJSON(w, http.StatusCreated, fromRule(rule))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rules []*ruleengine.Rule
	var err error
	if account := r.URL.Query().Get("account"); account != "" {
		rules, err = s.store.ListRulesForAccount(ctx, account)
	} else {
		rules, err = s.store.ListRules(ctx)
	}
	if err != nil {
		logger.Error("HTTP API: failed to list rules", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rulesJSON(rules),
		"total": len(rules),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rule, err := s.store.GetRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			s.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		logger.Error("HTTP API: failed to load rule", "rule_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load rule")
		return
	}

	s.writeJSON(w, http.StatusOK, fromRule(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id := mux.Vars(r)["id"]

	var req RuleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	rule := req.toRule()
	rule.ID = id
	if err := ruleengine.ValidateRule(rule); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpdateRule(r.Context(), rule); err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			s.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		logger.Error("HTTP API: failed to update rule", "rule_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to update rule")
		return
	}

	s.writeJSON(w, http.StatusOK, fromRule(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.store.DeleteRule(r.Context(), id); err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			s.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		logger.Error("HTTP API: failed to delete rule", "rule_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete rule")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Rule deleted"})
}

func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleActive(w, r, true)
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleActive(w, r, false)
}

func (s *Server) setRuleActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := mux.Vars(r)["id"]

	if err := s.store.SetRuleActive(r.Context(), id, active); err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			s.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		logger.Error("HTTP API: failed to toggle rule", "rule_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to toggle rule")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": active})
}

// handleTestRules evaluates a message against submitted rules, or against
// the account's stored rules when none are submitted. Nothing is moved;
// this is dry tooling for rule authors.
func (s *Server) handleTestRules(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req testRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Message.Sender == "" {
		s.writeError(w, http.StatusBadRequest, "message.sender is required")
		return
	}

	var rules []*ruleengine.Rule
	if len(req.Rules) > 0 {
		for i := range req.Rules {
			rule := req.Rules[i].toRule()
			if err := ruleengine.ValidateRule(rule); err != nil {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("rule %d: %v", i+1, err))
				return
			}
			rules = append(rules, rule)
		}
	} else {
		var err error
		rules, err = s.store.ListRulesForAccount(r.Context(), req.Message.Account)
		if err != nil {
			logger.Error("HTTP API: failed to load rules for test", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to load rules")
			return
		}
	}

	msg := &ruleengine.Message{
		Account: strings.ToLower(req.Message.Account),
		Sender:  strings.ToLower(strings.TrimSpace(req.Message.Sender)),
		Subject: req.Message.Subject,
		Content: req.Message.Content,
	}

	matched := s.evaluator.Match(ruleengine.SortRules(rules), msg)
	if matched == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"matched": false})
		return
	}

	actions := make([]ActionJSON, 0, len(matched.Actions))
	for _, a := range matched.Actions {
		actions = append(actions, ActionJSON{Kind: string(a.Kind), Value: a.Value})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"matched":   true,
		"rule_id":   matched.ID,
		"rule_name": matched.Name,
		"actions":   actions,
	})
}

// List handlers

func (s *Server) handleCreateList(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	email := mux.Vars(r)["email"]

	var req createListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "List name is required")
		return
	}
	if req.Kind != "" && req.Kind != consts.ListKindCustom {
		s.writeError(w, http.StatusBadRequest, "Only custom lists can be created")
		return
	}

	list, err := s.store.CreateList(r.Context(), email, req.Name, consts.ListKindCustom)
	if err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			s.writeError(w, http.StatusConflict, "List already exists")
			return
		}
		logger.Error("HTTP API: failed to create list", "account", email, "list", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create list")
		return
	}

	s.writeJSON(w, http.StatusCreated, list)
}

func (s *Server) handleListLists(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]

	lists, err := s.store.ListLists(r.Context(), email)
	if err != nil {
		logger.Error("HTTP API: failed to list lists", "account", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list lists")
		return
	}
	if lists == nil {
		lists = []*db.List{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": strings.ToLower(email),
		"lists":   lists,
		"total":   len(lists),
	})
}

func (s *Server) handleGetList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	email, listName := vars["email"], vars["list"]

	entries, err := s.store.GetListEntries(r.Context(), email, listName)
	if err != nil {
		if errors.Is(err, consts.ErrListNotFound) {
			s.writeError(w, http.StatusNotFound, "List not found")
			return
		}
		logger.Error("HTTP API: failed to load list", "account", email, "list", listName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load list")
		return
	}
	if entries == nil {
		entries = []db.ListEntry{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": strings.ToLower(email),
		"list":    strings.ToLower(listName),
		"entries": entries,
		"total":   len(entries),
	})
}

func (s *Server) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	email, listName := vars["email"], vars["list"]

	if err := s.store.DeleteList(r.Context(), email, listName); err != nil {
		if errors.Is(err, consts.ErrListNotFound) {
			s.writeError(w, http.StatusNotFound, "List not found or built-in")
			return
		}
		logger.Error("HTTP API: failed to delete list", "account", email, "list", listName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete list")
		return
	}
	s.lists.Drop(email, listName)

	s.writeJSON(w, http.StatusOK, map[string]string{"message": "List deleted"})
}

func (s *Server) handleAddListEntry(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	vars := mux.Vars(r)
	email, listName := vars["email"], vars["list"]

	var req listEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := s.lists.Add(r.Context(), email, listName, req.Address); err != nil {
		if errors.Is(err, consts.ErrListEntryInvalid) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("HTTP API: failed to add list entry", "account", email, "list", listName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to add list entry")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{
		"account": strings.ToLower(email),
		"list":    strings.ToLower(listName),
		"address": strings.ToLower(req.Address),
	})
}

func (s *Server) handleRemoveListEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	email, listName, address := vars["email"], vars["list"], vars["address"]

	if err := s.lists.Remove(r.Context(), email, listName, address); err != nil {
		if errors.Is(err, consts.ErrListNotFound) {
			s.writeError(w, http.StatusNotFound, "List not found")
			return
		}
		logger.Error("HTTP API: failed to remove list entry", "account", email, "list", listName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to remove list entry")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Entry removed"})
}

// Policy handlers

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	policy, err := s.buildPolicy(r.Context(), &req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.CreatePolicy(r.Context(), policy); err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			s.writeError(w, http.StatusConflict, "A policy with this name already exists")
			return
		}
		logger.Error("HTTP API: failed to create policy", "policy", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create policy")
		return
	}

	s.writeJSON(w, http.StatusCreated, policy)
}

// buildPolicy validates a policy request and fills defaults: omitted
// trash_retention_days uses the configured default, omitted active means
// active. Validation failures are client errors.
func (s *Server) buildPolicy(ctx context.Context, req *policyRequest) (*db.RetentionPolicy, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if (req.Folder == "") == (req.RuleID == "") {
		return nil, consts.ErrInvalidScope
	}
	if req.RetentionDays < s.minRetentionDays {
		return nil, fmt.Errorf("retention_days must be at least %d", s.minRetentionDays)
	}
	if req.TrashRetentionDays < 0 {
		return nil, fmt.Errorf("trash_retention_days must not be negative")
	}

	policy := &db.RetentionPolicy{
		Account:            strings.ToLower(req.Account),
		Name:               req.Name,
		Description:        req.Description,
		RetentionDays:      req.RetentionDays,
		TrashRetentionDays: req.TrashRetentionDays,
		SkipTrash:          req.SkipTrash,
		Active:             req.Active == nil || *req.Active,
	}

	if req.Folder != "" {
		policy.ScopeKind = db.ScopeFolder
		policy.ScopeValue = req.Folder
	} else {
		if _, err := s.store.GetRule(ctx, req.RuleID); err != nil {
			if errors.Is(err, consts.ErrRuleNotFound) {
				return nil, fmt.Errorf("rule %s not found", req.RuleID)
			}
			return nil, fmt.Errorf("failed to check rule: %w", err)
		}
		policy.ScopeKind = db.ScopeRule
		policy.ScopeValue = req.RuleID
	}

	if policy.SkipTrash {
		policy.TrashRetentionDays = 0
	} else if policy.TrashRetentionDays == 0 {
		policy.TrashRetentionDays = s.defaultTrashDays
	}

	return policy, nil
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.ListPolicies(r.Context())
	if err != nil {
		logger.Error("HTTP API: failed to list policies", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list policies")
		return
	}
	if policies == nil {
		policies = []*db.RetentionPolicy{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"total":    len(policies),
	})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	policy, err := s.store.GetPolicy(r.Context(), id)
	if err != nil {
		if errors.Is(err, consts.ErrPolicyNotFound) {
			s.writeError(w, http.StatusNotFound, "Policy not found")
			return
		}
		logger.Error("HTTP API: failed to load policy", "policy_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load policy")
		return
	}

	s.writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id := mux.Vars(r)["id"]

	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	policy, err := s.buildPolicy(r.Context(), &req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	policy.ID = id

	if err := s.store.UpdatePolicy(r.Context(), policy); err != nil {
		if errors.Is(err, consts.ErrPolicyNotFound) {
			s.writeError(w, http.StatusNotFound, "Policy not found")
			return
		}
		logger.Error("HTTP API: failed to update policy", "policy_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to update policy")
		return
	}

	// Re-read so the response carries the run counters UpdatePolicy
	// leaves untouched.
	updated, err := s.store.GetPolicy(r.Context(), id)
	if err != nil {
		s.writeJSON(w, http.StatusOK, policy)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.store.DeletePolicy(r.Context(), id); err != nil {
		if errors.Is(err, consts.ErrPolicyNotFound) {
			s.writeError(w, http.StatusNotFound, "Policy not found")
			return
		}
		logger.Error("HTTP API: failed to delete policy", "policy_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete policy")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Policy deleted"})
}

func (s *Server) handleActivatePolicy(w http.ResponseWriter, r *http.Request) {
	s.setPolicyActive(w, r, true)
}

func (s *Server) handleDeactivatePolicy(w http.ResponseWriter, r *http.Request) {
	s.setPolicyActive(w, r, false)
}

func (s *Server) setPolicyActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := mux.Vars(r)["id"]

	if err := s.store.SetPolicyActive(r.Context(), id, active); err != nil {
		if errors.Is(err, consts.ErrPolicyNotFound) {
			s.writeError(w, http.StatusNotFound, "Policy not found")
			return
		}
		logger.Error("HTTP API: failed to toggle policy", "policy_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to toggle policy")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": active})
}

// Retention handlers

func (s *Server) handlePreviewRetention(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req retentionScopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	var asOf time.Time
	if req.AsOf != "" {
		parsed, err := time.Parse(time.RFC3339, req.AsOf)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "as_of must be RFC 3339")
			return
		}
		asOf = parsed
	}

	scope := retention.Scope{PolicyID: req.PolicyID, Account: req.Account}
	result, err := s.retention.Preview(r.Context(), scope, asOf)
	if err != nil {
		s.writeRetentionError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExecuteRetention(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req retentionScopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	// Reject unknown policies before the runner fans out per account.
	if req.PolicyID != "" {
		if _, err := s.store.GetPolicy(r.Context(), req.PolicyID); err != nil {
			if errors.Is(err, consts.ErrPolicyNotFound) {
				s.writeError(w, http.StatusNotFound, "Policy not found")
				return
			}
			logger.Error("HTTP API: failed to load policy", "policy_id", req.PolicyID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to load policy")
			return
		}
	}

	scope := retention.Scope{PolicyID: req.PolicyID, Account: req.Account}
	records, err := s.runner.RunRetentionNow(r.Context(), scope, req.DryRun)
	if err != nil && len(records) == 0 {
		s.writeRetentionError(w, err)
		return
	}
	if records == nil {
		records = []*db.AuditRecord{}
	}

	response := map[string]interface{}{
		"dry_run": req.DryRun,
		"records": records,
		"total":   len(records),
	}
	if err != nil {
		// Partial result: some accounts ran, at least one failed.
		response["error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) writeRetentionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrAccountNotFound):
		s.writeError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, consts.ErrPolicyNotFound):
		s.writeError(w, http.StatusNotFound, "Policy not found")
	case errors.Is(err, consts.ErrSchedulerStopped):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("HTTP API: retention call failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Retention call failed")
	}
}

// Audit handlers

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := db.AuditFilter{
		Account: query.Get("account"),
		Stage:   query.Get("stage"),
	}
	switch filter.Stage {
	case "", db.StageClassify, db.StageMoveToTrash, db.StagePermanentDelete, db.StageRestore:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown stage %q", filter.Stage))
		return
	}

	if since := query.Get("since"); since != "" {
		parsed, err := parseSince(since)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC 3339 or YYYY-MM-DD")
			return
		}
		filter.Since = parsed
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	records, err := s.store.ListAuditRecords(r.Context(), filter)
	if err != nil {
		logger.Error("HTTP API: failed to list audit records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list audit records")
		return
	}
	if records == nil {
		records = []*db.AuditRecord{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   len(records),
	})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	auditID := mux.Vars(r)["audit_id"]

	record, err := s.store.GetAuditRecordByAuditID(r.Context(), auditID)
	if err != nil {
		if errors.Is(err, consts.ErrDBNotFound) {
			s.writeError(w, http.StatusNotFound, "Audit record not found")
			return
		}
		logger.Error("HTTP API: failed to load audit record", "audit_id", auditID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load audit record")
		return
	}

	s.writeJSON(w, http.StatusOK, record)
}

func parseSince(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}
