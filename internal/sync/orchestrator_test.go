package sync

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shadowsift/shadowsift/internal/category"
	"github.com/shadowsift/shadowsift/internal/notify"
	"github.com/shadowsift/shadowsift/internal/provider"
	"github.com/shadowsift/shadowsift/internal/server/db"
)

type fakeProvider struct {
	name       string
	userPages  [][]provider.DirectoryUser
	grantPages [][]provider.Token
	usersErr   error
	grantsErr  error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) ListUsers(_ context.Context, cursor string) (*provider.UserPage, error) {
	if f.usersErr != nil {
		return nil, f.usersErr
	}
	i := pageIndex(cursor)
	if i >= len(f.userPages) {
		return &provider.UserPage{}, nil
	}
	page := &provider.UserPage{Users: f.userPages[i]}
	if i+1 < len(f.userPages) {
		page.NextCursor = strconv.Itoa(i + 1)
	}
	return page, nil
}

func (f *fakeProvider) ListGrants(_ context.Context, cursor string) (*provider.GrantPage, error) {
	if f.grantsErr != nil {
		return nil, f.grantsErr
	}
	i := pageIndex(cursor)
	if i >= len(f.grantPages) {
		return &provider.GrantPage{}, nil
	}
	page := &provider.GrantPage{Tokens: f.grantPages[i]}
	if i+1 < len(f.grantPages) {
		page.NextCursor = strconv.Itoa(i + 1)
	}
	return page, nil
}

func pageIndex(cursor string) int {
	if cursor == "" {
		return 0
	}
	i, _ := strconv.Atoi(cursor)
	return i
}

type captureNotifier struct {
	mu        sync.Mutex
	summaries []notify.Summary
}

func (c *captureNotifier) SyncCompleted(s notify.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries = append(c.summaries, s)
}

func (c *captureNotifier) last(t *testing.T) notify.Summary {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.summaries) == 0 {
		t.Fatal("no notification delivered")
	}
	return c.summaries[len(c.summaries)-1]
}

func newTestOrchestrator(t *testing.T, prov provider.Provider) (*Orchestrator, *db.Store, *captureNotifier) {
	t.Helper()
	store, err := db.NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	notifier := &captureNotifier{}
	o := NewOrchestrator(store, notifier, category.NewClassifier("", "", ""), fastTuning())
	o.newProvider = func(*provider.Credentials) (provider.Provider, error) {
		return prov, nil
	}
	return o, store, notifier
}

func testCreds() *provider.Credentials {
	return &provider.Credentials{Provider: "google", ClientID: "id", ClientSecret: "secret", RefreshToken: "rt"}
}

func startJob(t *testing.T, o *Orchestrator, domain string) *db.SyncJob {
	t.Helper()
	job, err := o.StartSync(domain, "admin@"+domain, testCreds(), []byte("sealed"))
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	return job
}

func TestRunFullPipeline(t *testing.T) {
	prov := &fakeProvider{
		name: "google",
		userPages: [][]provider.DirectoryUser{
			{{ID: "u1", Email: "a@acme.com"}, {ID: "u2", Email: "b@acme.com"}},
			{{ID: "u3", Email: "c@acme.com"}},
		},
		grantPages: [][]provider.Token{
			{
				{AppID: "crm-1", AppName: "Acme CRM", UserID: "u1", Scopes: []string{"crm.read"}, Consent: provider.ConsentDelegated},
				{AppID: "crm-1", AppName: "Acme CRM", UserID: "u2", Scopes: []string{"crm.write"}, Consent: provider.ConsentDelegated},
			},
			{
				{AppID: "crm-1", AppName: "Acme CRM", Scopes: []string{"crm.admin"}, Consent: provider.ConsentAdmin},
				{AppName: "Mailer", UserID: "u3", Scopes: []string{"gmail.readonly"}, Consent: provider.ConsentDelegated},
			},
		},
	}
	o, store, notifier := newTestOrchestrator(t, prov)
	job := startJob(t, o, "acme.com")

	if err := o.Run(context.Background(), job.ID, testCreds()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := store.GetSyncJob(job.ID)
	if err != nil {
		t.Fatalf("GetSyncJob: %v", err)
	}
	if got.Status != db.StatusCompleted {
		t.Fatalf("status = %s, message = %s", got.Status, got.Message)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d", got.Progress)
	}
	if got.Phase != db.PhaseCategorization {
		t.Errorf("phase = %s, want %s", got.Phase, db.PhaseCategorization)
	}

	users, err := store.ListDiscoveredUsers("acme.com")
	if err != nil {
		t.Fatalf("ListDiscoveredUsers: %v", err)
	}
	if len(users) != 3 {
		t.Errorf("got %d users", len(users))
	}

	apps, err := store.ListApplications("acme.com", db.ApplicationFilter{})
	if err != nil {
		t.Fatalf("ListApplications: %v", err)
	}
	if len(apps) != 2 {
		t.Fatalf("got %d apps", len(apps))
	}

	crm, err := store.GetApplication("acme.com", "crm-1")
	if err != nil || crm == nil {
		t.Fatalf("GetApplication: %v %v", crm, err)
	}
	if crm.UserCount != 2 {
		t.Errorf("crm user_count = %d", crm.UserCount)
	}
	if crm.RiskLevel != "HIGH" {
		t.Errorf("crm risk = %s", crm.RiskLevel)
	}

	grants, err := store.ListGrantsForApp("acme.com", "crm-1")
	if err != nil {
		t.Fatalf("ListGrantsForApp: %v", err)
	}
	if len(grants) != 2 {
		t.Errorf("crm has %d grants", len(grants))
	}

	summary := notifier.last(t)
	if summary.UserCount != 3 || summary.AppCount != 2 || summary.HighRisk != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.OperatorEmail != "admin@acme.com" {
		t.Errorf("summary operator = %q", summary.OperatorEmail)
	}

	// Categorization runs behind the sync; wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		crm, _ = store.GetApplication("acme.com", "crm-1")
		if crm.Category != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("application never categorized")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !category.Valid(crm.Category) {
		t.Errorf("category %q not in taxonomy", crm.Category)
	}
}

func TestRunSkipsGrantsForUnknownUsers(t *testing.T) {
	prov := &fakeProvider{
		name:      "google",
		userPages: [][]provider.DirectoryUser{{{ID: "u1", Email: "a@acme.com"}}},
		grantPages: [][]provider.Token{{
			{AppID: "a1", AppName: "App", UserID: "u1", Scopes: []string{"calendar"}, Consent: provider.ConsentDelegated},
			{AppID: "a1", AppName: "App", UserID: "ghost", Scopes: []string{"calendar"}, Consent: provider.ConsentDelegated},
		}},
	}
	o, store, _ := newTestOrchestrator(t, prov)
	job := startJob(t, o, "acme.com")

	if err := o.Run(context.Background(), job.ID, testCreds()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := store.GetSyncJob(job.ID)
	if got.Status != db.StatusCompletedWithErrors {
		t.Errorf("status = %s, want COMPLETED_WITH_ERRORS", got.Status)
	}

	grants, _ := store.ListGrantsForApp("acme.com", "a1")
	if len(grants) != 1 || grants[0].ProviderUserID != "u1" {
		t.Errorf("grants = %+v", grants)
	}
}

func TestRerunAfterRevocationKeepsGrantRisk(t *testing.T) {
	first := &fakeProvider{
		name:      "google",
		userPages: [][]provider.DirectoryUser{{{ID: "u1", Email: "a@acme.com"}}},
		grantPages: [][]provider.Token{{
			{AppID: "crm-1", AppName: "Acme CRM", UserID: "u1", Scopes: []string{"crm.admin"}, Consent: provider.ConsentDelegated},
		}},
	}
	o, store, _ := newTestOrchestrator(t, first)

	job := startJob(t, o, "acme.com")
	if err := o.Run(context.Background(), job.ID, testCreds()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// The admin scope was revoked between runs; the provider now reports
	// only the read scope. The merged grant row still holds both.
	second := &fakeProvider{
		name:      "google",
		userPages: [][]provider.DirectoryUser{{{ID: "u1", Email: "a@acme.com"}}},
		grantPages: [][]provider.Token{{
			{AppID: "crm-1", AppName: "Acme CRM", UserID: "u1", Scopes: []string{"crm.read"}, Consent: provider.ConsentDelegated},
		}},
	}
	o.newProvider = func(*provider.Credentials) (provider.Provider, error) {
		return second, nil
	}

	job = startJob(t, o, "acme.com")
	if err := o.Run(context.Background(), job.ID, testCreds()); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	grants, err := store.ListGrantsForApp("acme.com", "crm-1")
	if err != nil {
		t.Fatalf("ListGrantsForApp: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("got %d grants", len(grants))
	}
	if !reflect.DeepEqual(grants[0].Scopes, []string{"crm.admin", "crm.read"}) {
		t.Errorf("grant scopes = %v", grants[0].Scopes)
	}
	if grants[0].RiskLevel != "HIGH" {
		t.Errorf("grant risk = %s, want HIGH", grants[0].RiskLevel)
	}

	app, err := store.GetApplication("acme.com", "crm-1")
	if err != nil || app == nil {
		t.Fatalf("GetApplication: %v, %v", app, err)
	}
	if app.RiskLevel != "HIGH" {
		t.Errorf("app risk = %s, want HIGH", app.RiskLevel)
	}
}

func TestRunNoUsers(t *testing.T) {
	prov := &fakeProvider{name: "google"}
	o, store, notifier := newTestOrchestrator(t, prov)
	job := startJob(t, o, "empty.com")

	if err := o.Run(context.Background(), job.ID, testCreds()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := store.GetSyncJob(job.ID)
	if got.Status != db.StatusCompleted || got.Progress != 100 {
		t.Errorf("job = %+v", got)
	}
	if s := notifier.last(t); s.UserCount != 0 || s.AppCount != 0 {
		t.Errorf("summary = %+v", s)
	}
}

func TestRunNoGrants(t *testing.T) {
	prov := &fakeProvider{
		name:      "google",
		userPages: [][]provider.DirectoryUser{{{ID: "u1", Email: "a@acme.com"}}},
	}
	o, store, _ := newTestOrchestrator(t, prov)
	job := startJob(t, o, "acme.com")

	if err := o.Run(context.Background(), job.ID, testCreds()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := store.GetSyncJob(job.ID)
	if got.Status != db.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
	apps, _ := store.ListApplications("acme.com", db.ApplicationFilter{})
	if len(apps) != 0 {
		t.Errorf("got %d apps", len(apps))
	}
}

func TestRunProviderFailure(t *testing.T) {
	prov := &fakeProvider{
		name:      "google",
		userPages: [][]provider.DirectoryUser{{{ID: "u1", Email: "a@acme.com"}}},
		grantsErr: errors.New("token endpoint unreachable"),
	}
	o, store, _ := newTestOrchestrator(t, prov)
	job := startJob(t, o, "acme.com")

	if err := o.Run(context.Background(), job.ID, testCreds()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := store.GetSyncJob(job.ID)
	if got.Status != db.StatusFailed {
		t.Errorf("status = %s", got.Status)
	}
	if got.Message == "" {
		t.Error("failed job has no message")
	}

	// Users discovered before the failure survive for the next run.
	users, _ := store.ListDiscoveredUsers("acme.com")
	if len(users) != 1 {
		t.Errorf("got %d users", len(users))
	}
}

func TestStartSyncRejectsActive(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, &fakeProvider{name: "google"})
	first := startJob(t, o, "acme.com")

	stored, _ := store.GetSyncJob(first.ID)
	o.now = func() time.Time { return stored.UpdatedAt }

	_, err := o.StartSync("acme.com", "admin@acme.com", testCreds(), []byte("sealed"))
	var active *ActiveSyncError
	if !errors.As(err, &active) {
		t.Fatalf("err = %v, want ActiveSyncError", err)
	}
	if active.JobID != first.ID {
		t.Errorf("active job = %s, want %s", active.JobID, first.ID)
	}
}

func TestStartSyncSupersedesStuck(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, &fakeProvider{name: "google"})
	first := startJob(t, o, "acme.com")

	stored, _ := store.GetSyncJob(first.ID)
	o.now = func() time.Time { return stored.UpdatedAt.Add(o.tuning.StuckAfter + time.Minute) }

	second, err := o.StartSync("acme.com", "admin@acme.com", testCreds(), []byte("sealed"))
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("no new job created")
	}

	old, _ := store.GetSyncJob(first.ID)
	if old.Status != db.StatusFailed {
		t.Errorf("stuck job status = %s, want FAILED", old.Status)
	}
}

func TestForceComplete(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, &fakeProvider{name: "google"})
	job := startJob(t, o, "acme.com")

	got, err := o.ForceComplete(job.ID)
	if err != nil {
		t.Fatalf("ForceComplete: %v", err)
	}
	if got.Status != db.StatusCompleted || got.Progress != 100 {
		t.Errorf("job = %+v", got)
	}

	// Terminal jobs are left alone.
	if err := store.UpdateSyncJob(job.ID, db.PhaseUsers, 100, "boom", db.StatusFailed); err != nil {
		t.Fatalf("UpdateSyncJob: %v", err)
	}
	again, err := o.ForceComplete(job.ID)
	if err != nil {
		t.Fatalf("ForceComplete: %v", err)
	}
	if again.Status != db.StatusFailed {
		t.Errorf("terminal status overwritten: %s", again.Status)
	}

	missing, err := o.ForceComplete("nonexistent")
	if err != nil || missing != nil {
		t.Errorf("ForceComplete(nonexistent) = %+v, %v", missing, err)
	}
}

func TestCategorizeAssignsAllApps(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, &fakeProvider{name: "google"})
	if err := store.UpsertOrganization(&db.Organization{Domain: "acme.com", Provider: "google"}); err != nil {
		t.Fatalf("UpsertOrganization: %v", err)
	}
	names := []string{"Zoom", "GitHub", "Mystery App 9000"}
	for i, name := range names {
		if err := store.UpsertApplication(&db.Application{
			OrgDomain: "acme.com", AppKey: "app-" + strconv.Itoa(i), Name: name, Provider: "google",
		}); err != nil {
			t.Fatalf("UpsertApplication: %v", err)
		}
	}

	if err := o.Categorize(context.Background(), "acme.com"); err != nil {
		t.Fatalf("Categorize: %v", err)
	}

	apps, _ := store.ListApplications("acme.com", db.ApplicationFilter{})
	for _, app := range apps {
		if app.Category == "" {
			t.Errorf("%s left uncategorized", app.Name)
		}
		if !category.Valid(app.Category) {
			t.Errorf("%s got category %q outside taxonomy", app.Name, app.Category)
		}
	}

	uncat, _ := store.ListUncategorizedApplications("acme.com")
	if len(uncat) != 0 {
		t.Errorf("%d apps still uncategorized", len(uncat))
	}
}
