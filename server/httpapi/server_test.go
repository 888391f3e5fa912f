package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/consts"
	"github.com/mailfold/mailfold/db"
	"github.com/mailfold/mailfold/server/classifier"
	"github.com/mailfold/mailfold/server/processor"
	"github.com/mailfold/mailfold/server/retention"
	"github.com/mailfold/mailfold/server/ruleengine"
)

const testKey = "test-key-123"

// fakeStore keeps everything in maps and mirrors the sentinel errors the
// real database returns.
type fakeStore struct {
	rules    map[string]*ruleengine.Rule
	policies map[string]*db.RetentionPolicy
	lists    map[string]*db.List
	entries  map[string][]db.ListEntry
	audits   []*db.AuditRecord
	trash    []*db.TrashEntry

	lastAuditFilter db.AuditFilter
	nextID          int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rules:    make(map[string]*ruleengine.Rule),
		policies: make(map[string]*db.RetentionPolicy),
		lists:    make(map[string]*db.List),
		entries:  make(map[string][]db.ListEntry),
	}
}

func (f *fakeStore) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeStore) CreateRule(_ context.Context, rule *ruleengine.Rule) error {
	for _, existing := range f.rules {
		if existing.Name == rule.Name {
			return consts.ErrDBUniqueViolation
		}
	}
	rule.ID = f.id("rule")
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	f.rules[rule.ID] = rule
	return nil
}

func (f *fakeStore) UpdateRule(_ context.Context, rule *ruleengine.Rule) error {
	existing, ok := f.rules[rule.ID]
	if !ok {
		return consts.ErrRuleNotFound
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	f.rules[rule.ID] = rule
	return nil
}

func (f *fakeStore) DeleteRule(_ context.Context, id string) error {
	if _, ok := f.rules[id]; !ok {
		return consts.ErrRuleNotFound
	}
	delete(f.rules, id)
	return nil
}

func (f *fakeStore) SetRuleActive(_ context.Context, id string, active bool) error {
	rule, ok := f.rules[id]
	if !ok {
		return consts.ErrRuleNotFound
	}
	rule.Active = active
	return nil
}

func (f *fakeStore) GetRule(_ context.Context, id string) (*ruleengine.Rule, error) {
	rule, ok := f.rules[id]
	if !ok {
		return nil, consts.ErrRuleNotFound
	}
	return rule, nil
}

func (f *fakeStore) ListRules(_ context.Context) ([]*ruleengine.Rule, error) {
	out := make([]*ruleengine.Rule, 0, len(f.rules))
	for _, rule := range f.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListRulesForAccount(_ context.Context, account string) ([]*ruleengine.Rule, error) {
	var out []*ruleengine.Rule
	for _, rule := range f.rules {
		if rule.Account == "" || strings.EqualFold(rule.Account, account) {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func listKey(account, name string) string {
	return strings.ToLower(account) + "/" + strings.ToLower(name)
}

func (f *fakeStore) CreateList(_ context.Context, account, name, kind string) (*db.List, error) {
	key := listKey(account, name)
	if _, ok := f.lists[key]; ok {
		return nil, consts.ErrDBUniqueViolation
	}
	list := &db.List{
		ID:      f.id("list"),
		Account: strings.ToLower(account),
		Name:    strings.ToLower(name),
		Kind:    kind,
	}
	f.lists[key] = list
	return list, nil
}

func (f *fakeStore) DeleteList(_ context.Context, account, listName string) error {
	key := listKey(account, listName)
	list, ok := f.lists[key]
	if !ok || list.Kind == consts.ListKindBuiltin {
		return consts.ErrListNotFound
	}
	delete(f.lists, key)
	delete(f.entries, key)
	return nil
}

func (f *fakeStore) ListLists(_ context.Context, account string) ([]*db.List, error) {
	var out []*db.List
	for _, list := range f.lists {
		if list.Account == strings.ToLower(account) {
			out = append(out, list)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeStore) GetListEntries(_ context.Context, account, listName string) ([]db.ListEntry, error) {
	key := listKey(account, listName)
	if _, ok := f.lists[key]; !ok {
		return nil, consts.ErrListNotFound
	}
	return f.entries[key], nil
}

func (f *fakeStore) CreatePolicy(_ context.Context, policy *db.RetentionPolicy) error {
	policy.ID = f.id("pol")
	policy.CreatedAt = time.Now()
	policy.UpdatedAt = policy.CreatedAt
	f.policies[policy.ID] = policy
	return nil
}

func (f *fakeStore) UpdatePolicy(_ context.Context, policy *db.RetentionPolicy) error {
	existing, ok := f.policies[policy.ID]
	if !ok {
		return consts.ErrPolicyNotFound
	}
	policy.CreatedAt = existing.CreatedAt
	policy.EmailsMovedToTrash = existing.EmailsMovedToTrash
	policy.EmailsPermanentlyDeleted = existing.EmailsPermanentlyDeleted
	policy.LastAppliedAt = existing.LastAppliedAt
	policy.UpdatedAt = time.Now()
	f.policies[policy.ID] = policy
	return nil
}

func (f *fakeStore) DeletePolicy(_ context.Context, id string) error {
	if _, ok := f.policies[id]; !ok {
		return consts.ErrPolicyNotFound
	}
	delete(f.policies, id)
	return nil
}

func (f *fakeStore) SetPolicyActive(_ context.Context, id string, active bool) error {
	policy, ok := f.policies[id]
	if !ok {
		return consts.ErrPolicyNotFound
	}
	policy.Active = active
	return nil
}

func (f *fakeStore) GetPolicy(_ context.Context, id string) (*db.RetentionPolicy, error) {
	policy, ok := f.policies[id]
	if !ok {
		return nil, consts.ErrPolicyNotFound
	}
	return policy, nil
}

func (f *fakeStore) ListPolicies(_ context.Context) ([]*db.RetentionPolicy, error) {
	out := make([]*db.RetentionPolicy, 0, len(f.policies))
	for _, policy := range f.policies {
		out = append(out, policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListAuditRecords(_ context.Context, filter db.AuditFilter) ([]*db.AuditRecord, error) {
	f.lastAuditFilter = filter
	var out []*db.AuditRecord
	for _, record := range f.audits {
		if filter.Account != "" && record.Account != strings.ToLower(filter.Account) {
			continue
		}
		if filter.Stage != "" && record.Stage != filter.Stage {
			continue
		}
		if !filter.Since.IsZero() && record.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (f *fakeStore) GetAuditRecordByAuditID(_ context.Context, auditID string) (*db.AuditRecord, error) {
	for _, record := range f.audits {
		if record.AuditID == auditID {
			return record, nil
		}
	}
	return nil, consts.ErrDBNotFound
}

func (f *fakeStore) ListLiveTrashEntries(_ context.Context, account string) ([]*db.TrashEntry, error) {
	var out []*db.TrashEntry
	for _, entry := range f.trash {
		if entry.Account == strings.ToLower(account) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// fakeManager records processor calls and answers from a static status map.
type fakeManager struct {
	statuses  map[string]processor.Status
	batch     *classifier.BatchResult
	err       error
	started   []string
	lastMode  consts.ProcessingMode
	lastLimit int
}

func newFakeManager() *fakeManager {
	return &fakeManager{statuses: make(map[string]processor.Status)}
}

func (f *fakeManager) Start(email string, mode consts.ProcessingMode) error {
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, strings.ToLower(email))
	f.lastMode = mode
	f.statuses[strings.ToLower(email)] = processor.Status{
		Account: strings.ToLower(email),
		State:   consts.StateForMode(mode),
		Mode:    mode,
	}
	return nil
}

func (f *fakeManager) Stop(email string) error {
	if f.err != nil {
		return f.err
	}
	f.statuses[strings.ToLower(email)] = processor.Status{
		Account: strings.ToLower(email),
		State:   consts.StateStopped,
	}
	return nil
}

func (f *fakeManager) Restart(email string) error {
	return f.Start(email, consts.ModeMaintenance)
}

func (f *fakeManager) TriggerBatch(_ context.Context, email string, limit int) (*classifier.BatchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.statuses[strings.ToLower(email)]; !ok {
		return nil, consts.ErrAccountNotFound
	}
	f.lastLimit = limit
	return f.batch, nil
}

func (f *fakeManager) State(email string) (processor.Status, error) {
	status, ok := f.statuses[strings.ToLower(email)]
	if !ok {
		return processor.Status{}, consts.ErrAccountNotFound
	}
	return status, nil
}

func (f *fakeManager) States() map[string]processor.Status {
	out := make(map[string]processor.Status, len(f.statuses))
	for email, status := range f.statuses {
		out[email] = status
	}
	return out
}

type fakeRetention struct {
	preview   *retention.PreviewResult
	restored  int
	err       error
	lastScope retention.Scope
	lastAsOf  time.Time
	lastUIDs  []uint32
}

func (f *fakeRetention) Preview(_ context.Context, scope retention.Scope, asOf time.Time) (*retention.PreviewResult, error) {
	f.lastScope = scope
	f.lastAsOf = asOf
	if f.err != nil {
		return nil, f.err
	}
	return f.preview, nil
}

func (f *fakeRetention) Restore(_ context.Context, account string, uids []uint32, targetFolder string) (int, error) {
	f.lastUIDs = uids
	if f.err != nil {
		return 0, f.err
	}
	return f.restored, nil
}

type fakeRunner struct {
	records []*db.AuditRecord
	err     error
	scopes  []retention.Scope
	dryRuns []bool
}

func (f *fakeRunner) RunRetentionNow(_ context.Context, scope retention.Scope, dryRun bool) ([]*db.AuditRecord, error) {
	f.scopes = append(f.scopes, scope)
	f.dryRuns = append(f.dryRuns, dryRun)
	return f.records, f.err
}

type fakeLists struct {
	added   [][3]string
	removed [][3]string
	dropped [][2]string
	err     error
}

func (f *fakeLists) Add(_ context.Context, account, listName, address string) error {
	if f.err != nil {
		return f.err
	}
	f.added = append(f.added, [3]string{account, listName, address})
	return nil
}

func (f *fakeLists) Remove(_ context.Context, account, listName, address string) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, [3]string{account, listName, address})
	return nil
}

func (f *fakeLists) Drop(account, listName string) {
	f.dropped = append(f.dropped, [2]string{account, listName})
}

type testEnv struct {
	server  *Server
	store   *fakeStore
	manager *fakeManager
	engine  *fakeRetention
	runner  *fakeRunner
	lists   *fakeLists
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   newFakeStore(),
		manager: newFakeManager(),
		engine:  &fakeRetention{},
		runner:  &fakeRunner{},
		lists:   &fakeLists{},
	}
	server, err := New(Dependencies{
		Store:     env.store,
		Lists:     env.lists,
		Processor: env.manager,
		Retention: env.engine,
		Runner:    env.runner,
		Evaluator: ruleengine.NewEngine(nil),
	}, config.APIConfig{Addr: "localhost:0", APIKey: testKey},
		config.RetentionConfig{MinRetentionDays: 7, DefaultTrashRetentionDays: 14})
	require.NoError(t, err)
	env.server = server
	return env
}

// do runs one request through the full middleware chain.
func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "body: %s", rec.Body.String())
}

func TestNewValidatesConfiguration(t *testing.T) {
	deps := Dependencies{Store: newFakeStore(), Processor: newFakeManager()}

	_, err := New(deps, config.APIConfig{}, config.RetentionConfig{})
	assert.ErrorContains(t, err, "api_key")

	_, err = New(deps, config.APIConfig{APIKeyBcrypt: "not-a-hash"}, config.RetentionConfig{})
	assert.ErrorContains(t, err, "bcrypt")

	_, err = New(deps, config.APIConfig{APIKey: "k", TLS: true}, config.RetentionConfig{})
	assert.ErrorContains(t, err, "TLS")

	_, err = New(Dependencies{}, config.APIConfig{APIKey: "k"}, config.RetentionConfig{})
	assert.ErrorContains(t, err, "store")
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)
	router := env.server.Router()

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic dXNlcg==", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"valid key", "Bearer " + testKey, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/accounts/states", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAuthBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	server, err := New(Dependencies{
		Store:     newFakeStore(),
		Lists:     &fakeLists{},
		Processor: newFakeManager(),
		Retention: &fakeRetention{},
		Runner:    &fakeRunner{},
		Evaluator: ruleengine.NewEngine(nil),
	}, config.APIConfig{APIKeyBcrypt: string(hash)}, config.RetentionConfig{MinRetentionDays: 1})
	require.NoError(t, err)
	router := server.Router()

	req := httptest.NewRequest("GET", "/api/v1/accounts/states", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("GET", "/api/v1/accounts/states", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAllowedHosts(t *testing.T) {
	env := newTestEnv(t)
	env.server.allowedHosts = []string{"127.0.0.1", "10.0.0.0/8"}
	router := env.server.Router()

	send := func(remote, forwardedFor string) int {
		req := httptest.NewRequest("GET", "/api/v1/accounts/states", nil)
		req.Header.Set("Authorization", "Bearer "+testKey)
		req.RemoteAddr = remote
		if forwardedFor != "" {
			req.Header.Set("X-Forwarded-For", forwardedFor)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("127.0.0.1:4000", ""))
	assert.Equal(t, http.StatusOK, send("10.20.30.40:4000", ""), "CIDR match")
	assert.Equal(t, http.StatusForbidden, send("192.168.1.5:4000", ""))
	assert.Equal(t, http.StatusOK, send("192.168.1.5:4000", "10.1.1.1"), "X-Forwarded-For wins")
}

func TestAccountStates(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.Start("alice@example.net", consts.ModeMaintenance))

	rec := env.do(t, "GET", "/api/v1/accounts/states", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Accounts map[string]processor.Status `json:"accounts"`
		Total    int                         `json:"total"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, consts.StateRunningMaintenance, body.Accounts["alice@example.net"].State)

	rec = env.do(t, "GET", "/api/v1/accounts/alice@example.net/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "GET", "/api/v1/accounts/ghost@example.net/state", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAccount(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/accounts/bob@example.net/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, consts.ModeMaintenance, env.manager.lastMode, "omitted mode defaults to maintenance")

	rec = env.do(t, "POST", "/api/v1/accounts/bob@example.net/start", map[string]string{"mode": "startup"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, consts.ModeStartup, env.manager.lastMode)

	rec = env.do(t, "POST", "/api/v1/accounts/bob@example.net/start", map[string]string{"mode": "turbo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.manager.err = fmt.Errorf("start: %w", consts.ErrStateConflict)
	rec = env.do(t, "POST", "/api/v1/accounts/bob@example.net/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.manager.err = consts.ErrAccountNotFound
	rec = env.do(t, "POST", "/api/v1/accounts/ghost@example.net/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClassifyBatch(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.Start("bob@example.net", consts.ModeMaintenance))
	env.manager.batch = &classifier.BatchResult{
		Processed:  3,
		Categories: map[string]int{"Newsletters": 2, "unmatched": 1},
	}

	rec := env.do(t, "POST", "/api/v1/accounts/bob@example.net/classify", map[string]int{"limit": 25})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25, env.manager.lastLimit)

	var body struct {
		Account string                  `json:"account"`
		Result  *classifier.BatchResult `json:"result"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "bob@example.net", body.Account)
	assert.Equal(t, 3, body.Result.Processed)

	env.manager.err = fmt.Errorf("trigger: %w", consts.ErrBatchInProgress)
	rec = env.do(t, "POST", "/api/v1/accounts/bob@example.net/classify", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRuleLifecycle(t *testing.T) {
	env := newTestEnv(t)

	create := RuleJSON{
		Name:     "newsletters",
		Priority: 10,
		Conditions: []ConditionJSON{
			{Kind: "sender_domain", Value: "news.example"},
		},
		Actions: []ActionJSON{
			{Kind: "move_to_folder", Value: "Newsletters"},
		},
	}

	rec := env.do(t, "POST", "/api/v1/rules", create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created RuleJSON
	decodeBody(t, rec, &created)
	assert.NotEmpty(t, created.ID)
	require.NotNil(t, created.Active)
	assert.True(t, *created.Active, "omitted active defaults to true")
	assert.Equal(t, "and", created.Mode)

	rec = env.do(t, "GET", "/api/v1/rules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	update := create
	update.Priority = 5
	rec = env.do(t, "PUT", "/api/v1/rules/"+created.ID, update)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated RuleJSON
	decodeBody(t, rec, &updated)
	assert.Equal(t, 5, updated.Priority)

	rec = env.do(t, "POST", "/api/v1/rules/"+created.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.store.rules[created.ID].Active)

	rec = env.do(t, "GET", "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Total int `json:"total"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Total)

	rec = env.do(t, "DELETE", "/api/v1/rules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, "GET", "/api/v1/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRuleRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		rule RuleJSON
	}{
		{
			"unknown condition kind",
			RuleJSON{Name: "r", Conditions: []ConditionJSON{{Kind: "sender_glob", Value: "x"}},
				Actions: []ActionJSON{{Kind: "mark_read"}}},
		},
		{
			"unknown action kind",
			RuleJSON{Name: "r", Conditions: []ConditionJSON{{Kind: "sender_exact", Value: "a@b.c"}},
				Actions: []ActionJSON{{Kind: "explode"}}},
		},
		{
			"invalid regex",
			RuleJSON{Name: "r", Conditions: []ConditionJSON{{Kind: "subject_regex", Value: "(["}},
				Actions: []ActionJSON{{Kind: "mark_read"}}},
		},
		{
			"no conditions",
			RuleJSON{Name: "r", Actions: []ActionJSON{{Kind: "mark_read"}}},
		},
		{
			"missing name",
			RuleJSON{Conditions: []ConditionJSON{{Kind: "sender_exact", Value: "a@b.c"}},
				Actions: []ActionJSON{{Kind: "mark_read"}}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/api/v1/rules", tc.rule)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, env.store.rules, "nothing stored")
}

func TestCreateRuleDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	rule := RuleJSON{
		Name:       "dup",
		Conditions: []ConditionJSON{{Kind: "sender_exact", Value: "a@b.c"}},
		Actions:    []ActionJSON{{Kind: "mark_read"}},
	}

	rec := env.do(t, "POST", "/api/v1/rules", rule)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(t, "POST", "/api/v1/rules", rule)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTestRulesWithInlineRules(t *testing.T) {
	env := newTestEnv(t)

	req := testRulesRequest{}
	req.Message.Account = "bob@example.net"
	req.Message.Sender = "Deals@Shop.example"
	req.Message.Subject = "Weekly deals"
	req.Rules = []RuleJSON{{
		Name:       "shops",
		Conditions: []ConditionJSON{{Kind: "sender_domain", Value: "shop.example"}},
		Actions:    []ActionJSON{{Kind: "move_to_folder", Value: "Vendors"}},
	}}

	rec := env.do(t, "POST", "/api/v1/rules/test", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Matched  bool         `json:"matched"`
		RuleName string       `json:"rule_name"`
		Actions  []ActionJSON `json:"actions"`
	}
	decodeBody(t, rec, &body)
	assert.True(t, body.Matched)
	assert.Equal(t, "shops", body.RuleName)
	require.Len(t, body.Actions, 1)
	assert.Equal(t, "Vendors", body.Actions[0].Value)

	// A non-matching message reports matched=false.
	req.Message.Sender = "friend@people.example"
	rec = env.do(t, "POST", "/api/v1/rules/test", req)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &body)
	assert.False(t, body.Matched)
}

func TestTestRulesAgainstStoredRules(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.CreateRule(context.Background(), &ruleengine.Rule{
		Name:       "stored",
		Active:     true,
		Mode:       ruleengine.ModeAnd,
		Conditions: []ruleengine.Condition{{Kind: ruleengine.CondSubjectContains, Value: "invoice"}},
		Actions:    []ruleengine.Action{{Kind: ruleengine.ActionMoveToFolder, Value: "Receipts"}},
	}))

	req := testRulesRequest{}
	req.Message.Account = "bob@example.net"
	req.Message.Sender = "billing@vendor.example"
	req.Message.Subject = "Invoice #42"

	rec := env.do(t, "POST", "/api/v1/rules/test", req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Matched  bool   `json:"matched"`
		RuleName string `json:"rule_name"`
	}
	decodeBody(t, rec, &body)
	assert.True(t, body.Matched)
	assert.Equal(t, "stored", body.RuleName)

	// Sender is required.
	rec = env.do(t, "POST", "/api/v1/rules/test", testRulesRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/accounts/bob@example.net/lists", createListRequest{Name: "Newsletters"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created db.List
	decodeBody(t, rec, &created)
	assert.Equal(t, "newsletters", created.Name)
	assert.Equal(t, consts.ListKindCustom, created.Kind)

	rec = env.do(t, "POST", "/api/v1/accounts/bob@example.net/lists", createListRequest{Name: "newsletters"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, "POST", "/api/v1/accounts/bob@example.net/lists", createListRequest{Name: "x", Kind: "builtin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "builtin lists cannot be created")

	rec = env.do(t, "GET", "/api/v1/accounts/bob@example.net/lists", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Total int `json:"total"`
	}
	decodeBody(t, rec, &listing)
	assert.Equal(t, 1, listing.Total)

	rec = env.do(t, "GET", "/api/v1/accounts/bob@example.net/lists/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "DELETE", "/api/v1/accounts/bob@example.net/lists/newsletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [][2]string{{"bob@example.net", "newsletters"}}, env.lists.dropped,
		"warm index drops the deleted list")
}

func TestListEntries(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/accounts/bob@example.net/lists/deny/entries",
		listEntryRequest{Address: "spam@junk.example"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, env.lists.added, 1)
	assert.Equal(t, [3]string{"bob@example.net", "deny", "spam@junk.example"}, env.lists.added[0])

	rec = env.do(t, "DELETE", "/api/v1/accounts/bob@example.net/lists/deny/entries/spam@junk.example", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.lists.removed, 1)

	env.lists.err = consts.ErrListEntryInvalid
	rec = env.do(t, "POST", "/api/v1/accounts/bob@example.net/lists/deny/entries", listEntryRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePolicyAppliesDefaults(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/policies", policyRequest{
		Name:          "inbox cleanup",
		Account:       "Bob@Example.net",
		Folder:        "INBOX",
		RetentionDays: 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created db.RetentionPolicy
	decodeBody(t, rec, &created)
	assert.Equal(t, db.ScopeFolder, created.ScopeKind)
	assert.Equal(t, "INBOX", created.ScopeValue)
	assert.Equal(t, "bob@example.net", created.Account)
	assert.Equal(t, 14, created.TrashRetentionDays, "configured default fills the omitted value")
	assert.True(t, created.Active)
}

func TestCreatePolicySkipTrash(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/policies", policyRequest{
		Name:               "purge spam",
		Folder:             "Junk",
		RetentionDays:      30,
		TrashRetentionDays: 14,
		SkipTrash:          true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created db.RetentionPolicy
	decodeBody(t, rec, &created)
	assert.True(t, created.SkipTrash)
	assert.Zero(t, created.TrashRetentionDays, "skip_trash policies have no trash stage")
}

func TestCreatePolicyValidation(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.CreateRule(context.Background(), &ruleengine.Rule{
		Name:       "known",
		Conditions: []ruleengine.Condition{{Kind: ruleengine.CondSenderExact, Value: "a@b.c"}},
		Actions:    []ruleengine.Action{{Kind: ruleengine.ActionMarkRead}},
	}))
	ruleID := ""
	for id := range env.store.rules {
		ruleID = id
	}

	cases := []struct {
		name string
		req  policyRequest
	}{
		{"no scope", policyRequest{Name: "p", RetentionDays: 30}},
		{"two scopes", policyRequest{Name: "p", Folder: "INBOX", RuleID: ruleID, RetentionDays: 30}},
		{"below minimum retention", policyRequest{Name: "p", Folder: "INBOX", RetentionDays: 3}},
		{"negative trash days", policyRequest{Name: "p", Folder: "INBOX", RetentionDays: 30, TrashRetentionDays: -1}},
		{"unknown rule", policyRequest{Name: "p", RuleID: "ghost", RetentionDays: 30}},
		{"missing name", policyRequest{Folder: "INBOX", RetentionDays: 30}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/api/v1/policies", tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, env.store.policies)

	// The minimum is a floor, not a ban: exactly min passes.
	rec := env.do(t, "POST", "/api/v1/policies", policyRequest{Name: "p", Folder: "INBOX", RetentionDays: 7})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestUpdatePolicyKeepsCounters(t *testing.T) {
	env := newTestEnv(t)
	seeded := &db.RetentionPolicy{
		Name: "old", ScopeKind: db.ScopeFolder, ScopeValue: "INBOX",
		RetentionDays: 30, TrashRetentionDays: 7, Active: true,
	}
	require.NoError(t, env.store.CreatePolicy(context.Background(), seeded))
	seeded.EmailsMovedToTrash = 42

	rec := env.do(t, "PUT", "/api/v1/policies/"+seeded.ID, policyRequest{
		Name: "renamed", Folder: "INBOX", RetentionDays: 60,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated db.RetentionPolicy
	decodeBody(t, rec, &updated)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 60, updated.RetentionDays)
	assert.Equal(t, int64(42), updated.EmailsMovedToTrash, "counters survive updates")

	rec = env.do(t, "PUT", "/api/v1/policies/ghost", policyRequest{
		Name: "x", Folder: "INBOX", RetentionDays: 30,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPolicyToggleAndDelete(t *testing.T) {
	env := newTestEnv(t)
	policy := &db.RetentionPolicy{
		Name: "p", ScopeKind: db.ScopeFolder, ScopeValue: "INBOX",
		RetentionDays: 30, Active: true,
	}
	require.NoError(t, env.store.CreatePolicy(context.Background(), policy))

	rec := env.do(t, "POST", "/api/v1/policies/"+policy.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.store.policies[policy.ID].Active)

	rec = env.do(t, "POST", "/api/v1/policies/"+policy.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.store.policies[policy.ID].Active)

	rec = env.do(t, "DELETE", "/api/v1/policies/"+policy.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, "DELETE", "/api/v1/policies/"+policy.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreviewRetention(t *testing.T) {
	env := newTestEnv(t)
	env.engine.preview = &retention.PreviewResult{
		EmailsToTrash:   12,
		EmailsToDelete:  3,
		FoldersAffected: []string{"INBOX"},
	}

	rec := env.do(t, "POST", "/api/v1/retention/preview", map[string]string{
		"account": "bob@example.net",
		"as_of":   "2026-08-25T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body retention.PreviewResult
	decodeBody(t, rec, &body)
	assert.Equal(t, 12, body.EmailsToTrash)
	assert.Equal(t, retention.Scope{Account: "bob@example.net"}, env.engine.lastScope)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), env.engine.lastAsOf)

	rec = env.do(t, "POST", "/api/v1/retention/preview", map[string]string{"as_of": "yesterday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.engine.err = consts.ErrAccountNotFound
	rec = env.do(t, "POST", "/api/v1/retention/preview", map[string]string{"account": "ghost@example.net"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteRetention(t *testing.T) {
	env := newTestEnv(t)
	env.runner.records = []*db.AuditRecord{
		{AuditID: "ret_1_global", Stage: db.StagePermanentDelete, Success: true},
	}

	rec := env.do(t, "POST", "/api/v1/retention/execute", map[string]interface{}{
		"account": "bob@example.net",
		"dry_run": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, env.runner.scopes, 1)
	assert.Equal(t, retention.Scope{Account: "bob@example.net"}, env.runner.scopes[0])
	assert.Equal(t, []bool{true}, env.runner.dryRuns)

	var body struct {
		DryRun bool `json:"dry_run"`
		Total  int  `json:"total"`
	}
	decodeBody(t, rec, &body)
	assert.True(t, body.DryRun)
	assert.Equal(t, 1, body.Total)
}

func TestExecuteRetentionChecksPolicyFirst(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/retention/execute", map[string]string{"policy_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.runner.scopes, "unknown policies never reach the runner")
}

func TestExecuteRetentionPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.runner.records = []*db.AuditRecord{{AuditID: "trash_1_inbox", Success: true}}
	env.runner.err = fmt.Errorf("account alice@example.net: mailbox unreachable")

	rec := env.do(t, "POST", "/api/v1/retention/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, "partial results still return the records")

	var body struct {
		Total int    `json:"total"`
		Error string `json:"error"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 1, body.Total)
	assert.Contains(t, body.Error, "mailbox unreachable")

	// Nothing ran at all: plain failure.
	env.runner.records = nil
	rec = env.do(t, "POST", "/api/v1/retention/execute", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRestoreFromTrash(t *testing.T) {
	env := newTestEnv(t)
	env.engine.restored = 2

	rec := env.do(t, "POST", "/api/v1/accounts/bob@example.net/trash/restore",
		restoreRequest{UIDs: []uint32{70, 71, 99}})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Requested int `json:"requested"`
		Restored  int `json:"restored"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 3, body.Requested)
	assert.Equal(t, 2, body.Restored)
	assert.Equal(t, []uint32{70, 71, 99}, env.engine.lastUIDs)

	rec = env.do(t, "POST", "/api/v1/accounts/bob@example.net/trash/restore", restoreRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "uids are required")

	env.engine.err = consts.ErrAccountNotFound
	rec = env.do(t, "POST", "/api/v1/accounts/ghost@example.net/trash/restore",
		restoreRequest{UIDs: []uint32{1}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTrash(t *testing.T) {
	env := newTestEnv(t)
	env.store.trash = []*db.TrashEntry{
		{ID: 1, Account: "bob@example.net", UID: 70, Subject: "old deal"},
		{ID: 2, Account: "alice@example.net", UID: 9},
	}

	rec := env.do(t, "GET", "/api/v1/accounts/bob@example.net/trash", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entries []*db.TrashEntry `json:"entries"`
		Total   int              `json:"total"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, uint32(70), body.Entries[0].UID)
}

func TestAuditQuery(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	env.store.audits = []*db.AuditRecord{
		{AuditID: "cls_1_bob", Account: "bob@example.net", Stage: db.StageClassify, CreatedAt: now},
		{AuditID: "ret_2_pol", Account: "bob@example.net", Stage: db.StagePermanentDelete, CreatedAt: now.Add(-48 * time.Hour)},
	}

	rec := env.do(t, "GET", "/api/v1/audit?account=bob@example.net&stage=classify&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total int `json:"total"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, db.StageClassify, env.store.lastAuditFilter.Stage)
	assert.Equal(t, 10, env.store.lastAuditFilter.Limit)

	rec = env.do(t, "GET", "/api/v1/audit?since="+now.Add(-time.Hour).UTC().Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &body)
	assert.Equal(t, 1, body.Total, "older record filtered out")

	rec = env.do(t, "GET", "/api/v1/audit?stage=launder", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/v1/audit?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/v1/audit?since=whenever", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAuditRecord(t *testing.T) {
	env := newTestEnv(t)
	env.store.audits = []*db.AuditRecord{
		{AuditID: "trash_9_inbox", Account: "bob@example.net", Stage: db.StageMoveToTrash, MessageCount: 4},
	}

	rec := env.do(t, "GET", "/api/v1/audit/trash_9_inbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var record db.AuditRecord
	decodeBody(t, rec, &record)
	assert.Equal(t, 4, record.MessageCount)

	rec = env.do(t, "GET", "/api/v1/audit/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
