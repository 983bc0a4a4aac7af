//go:build bdd

package internal

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"github.com/shadowsift/shadowsift/internal/category"
	"github.com/shadowsift/shadowsift/internal/server"
	"github.com/shadowsift/shadowsift/internal/server/db"
	"github.com/shadowsift/shadowsift/internal/sync"
)

// bddContext holds per-scenario state.
type bddContext struct {
	ts    *httptest.Server
	store *db.Store

	// last HTTP response
	lastStatus int
	lastBody   []byte
}

func (b *bddContext) reset() {
	if b.ts != nil {
		b.ts.Close()
	}
	if b.store != nil {
		b.store.Close()
	}
	*b = bddContext{}
}

// ── Given steps ─────────────────────────────────────────────────────

func (b *bddContext) theServerIsRunning() error {
	if b.ts != nil {
		return nil // already running
	}

	store, err := db.NewStore(":memory:")
	if err != nil {
		return fmt.Errorf("NewStore: %w", err)
	}

	var masterKey [32]byte
	rand.Read(masterKey[:])
	cfg := &server.Config{
		MasterKey:  masterKey,
		AdminToken: testAdminToken,
	}
	orch := sync.NewOrchestrator(store, nil, category.NewClassifier("", "", ""), sync.Tuning{})

	b.ts = httptest.NewServer(server.NewRouter(store, orch, cfg))
	b.store = store
	return nil
}

func (b *bddContext) aCompletedSyncDiscoveredApplications(domain string, table *godog.Table) error {
	if err := b.store.UpsertOrganization(&db.Organization{Domain: domain, Provider: "google"}); err != nil {
		return fmt.Errorf("upsert organization: %w", err)
	}
	if len(table.Rows) < 2 {
		return fmt.Errorf("expected a header row and at least one data row")
	}
	cols := map[string]int{}
	for i, cell := range table.Rows[0].Cells {
		cols[cell.Value] = i
	}
	for _, row := range table.Rows[1:] {
		users, err := strconv.Atoi(row.Cells[cols["users"]].Value)
		if err != nil {
			return fmt.Errorf("users column: %w", err)
		}
		scopes := strings.Fields(row.Cells[cols["scopes"]].Value)
		app := &db.Application{
			OrgDomain:       domain,
			AppKey:          row.Cells[cols["app_key"]].Value,
			Name:            row.Cells[cols["name"]].Value,
			Provider:        "google",
			RiskLevel:       row.Cells[cols["risk"]].Value,
			Scopes:          scopes,
			PermissionCount: len(scopes),
			UserCount:       users,
		}
		if err := b.store.UpsertApplication(app); err != nil {
			return fmt.Errorf("upsert application: %w", err)
		}
	}
	return nil
}

func (b *bddContext) anInProgressSyncExists(jobID, domain string) error {
	if err := b.store.UpsertOrganization(&db.Organization{Domain: domain, Provider: "google"}); err != nil {
		return fmt.Errorf("upsert organization: %w", err)
	}
	if err := b.store.CreateSyncJob(&db.SyncJob{
		ID:                   jobID,
		OrgDomain:            domain,
		Status:               db.StatusInProgress,
		Phase:                db.PhaseTokens,
		CredentialsEncrypted: []byte("sealed"),
	}); err != nil {
		return fmt.Errorf("create sync job: %w", err)
	}
	return nil
}

// ── When steps ──────────────────────────────────────────────────────

func (b *bddContext) doRequest(method, path string, body []byte) error {
	req, err := http.NewRequest(method, b.ts.URL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testAdminToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	b.lastStatus = resp.StatusCode
	b.lastBody = raw
	return nil
}

func (b *bddContext) iGET(path string) error {
	return b.doRequest(http.MethodGet, path, nil)
}

func (b *bddContext) iPOSTTo(path string) error {
	return b.doRequest(http.MethodPost, path, nil)
}

func (b *bddContext) iPOSTToWithJSON(path string, doc *godog.DocString) error {
	return b.doRequest(http.MethodPost, path, []byte(doc.Content))
}

func (b *bddContext) iPUTWithJSON(path string, doc *godog.DocString) error {
	return b.doRequest(http.MethodPut, path, []byte(doc.Content))
}

// ── Then steps ──────────────────────────────────────────────────────

func (b *bddContext) theResponseStatusShouldBe(status int) error {
	if b.lastStatus != status {
		return fmt.Errorf("expected status %d, got %d (body: %s)", status, b.lastStatus, b.lastBody)
	}
	return nil
}

func (b *bddContext) theResponseShouldListApplications(n int) error {
	var body struct {
		Applications []json.RawMessage `json:"applications"`
	}
	if err := json.Unmarshal(b.lastBody, &body); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if len(body.Applications) != n {
		return fmt.Errorf("expected %d applications, got %d", n, len(body.Applications))
	}
	return nil
}

// theResponseJSONShouldBe checks a dotted path into the response body.
// Numeric path segments index into arrays.
func (b *bddContext) theResponseJSONShouldBe(path, expected string) error {
	var doc any
	if err := json.Unmarshal(b.lastBody, &doc); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return fmt.Errorf("path %q: key %q not found in %s", path, seg, b.lastBody)
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return fmt.Errorf("path %q: bad array index %q", path, seg)
			}
			cur = node[i]
		default:
			return fmt.Errorf("path %q: cannot descend into %T", path, cur)
		}
	}
	if got := fmt.Sprintf("%v", cur); got != expected {
		return fmt.Errorf("path %q: expected %q, got %q", path, expected, got)
	}
	return nil
}

func (b *bddContext) applicationShouldHaveManagementStatus(appKey, domain, status string) error {
	app, err := b.store.GetApplication(domain, appKey)
	if err != nil {
		return err
	}
	if app == nil {
		return fmt.Errorf("application %s not found", appKey)
	}
	if app.ManagementStatus != status {
		return fmt.Errorf("expected management status %q, got %q", status, app.ManagementStatus)
	}
	return nil
}

// ── Suite runner ────────────────────────────────────────────────────

func TestBDD(t *testing.T) {
	b := &bddContext{}

	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				b.reset()
				return ctx, nil
			})

			// Given
			sc.Step(`^the server is running$`, b.theServerIsRunning)
			sc.Step(`^a completed sync discovered these applications for "([^"]*)":$`, b.aCompletedSyncDiscoveredApplications)
			sc.Step(`^an in-progress sync "([^"]*)" exists for "([^"]*)"$`, b.anInProgressSyncExists)

			// When
			sc.Step(`^I GET "([^"]*)"$`, b.iGET)
			sc.Step(`^I POST to "([^"]*)"$`, b.iPOSTTo)
			sc.Step(`^I POST to "([^"]*)" with JSON:$`, b.iPOSTToWithJSON)
			sc.Step(`^I PUT "([^"]*)" with JSON:$`, b.iPUTWithJSON)

			// Then
			sc.Step(`^the response status should be (\d+)$`, b.theResponseStatusShouldBe)
			sc.Step(`^the response should list (\d+) applications?$`, b.theResponseShouldListApplications)
			sc.Step(`^the response JSON "([^"]*)" should be "([^"]*)"$`, b.theResponseJSONShouldBe)
			sc.Step(`^application "([^"]*)" of "([^"]*)" should have management status "([^"]*)"$`, b.applicationShouldHaveManagementStatus)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"../features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("BDD tests failed")
	}

	// Final cleanup
	b.reset()
}

func init() {
	// Suppress Gin debug output during BDD tests
	os.Setenv("GIN_MODE", "release")
}
