package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mmynk/splitkeeper/internal/auth"
	"github.com/mmynk/splitkeeper/internal/cycles"
	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/integrity"
	"github.com/mmynk/splitkeeper/internal/middleware"
	"github.com/mmynk/splitkeeper/internal/migration"
	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/storage"
	"github.com/mmynk/splitkeeper/internal/storage/sqlite"
	"github.com/mmynk/splitkeeper/internal/txn"
)

const testPassword = "correct horse"

type testServer struct {
	url   string
	store *sqlite.SQLiteStore
	token string
}

// setupTestServer serves both services over a temp SQLite database, seeded
// with records, and logs in as the admin.
func setupTestServer(t *testing.T, records ...models.Record) *testServer {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, r := range records {
		if err := store.Insert(ctx, r); err != nil {
			t.Fatalf("failed to seed %s %s: %v", r.RecordKind(), r.RecordID(), err)
		}
	}
	if err := store.Save(ctx); err != nil {
		t.Fatalf("failed to save seed: %v", err)
	}

	txm := txn.New(store)
	validator := integrity.New(txm, nil)
	migrations := migration.New(txm, validator, store)
	if err := migrations.Register(migration.DefaultSteps()...); err != nil {
		t.Fatalf("failed to register steps: %v", err)
	}

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	authenticator, err := auth.NewPasswordAuthenticator(hash)
	if err != nil {
		t.Fatalf("failed to create authenticator: %v", err)
	}
	jwtManager := auth.NewJWTManager("test-secret", time.Hour)

	interceptors := connect.WithInterceptors(
		middleware.LoggingInterceptor(nil),
		middleware.RequireAuth(jwtManager, LoginProcedure),
	)
	mux := http.NewServeMux()
	mux.Handle(NewIntegrityService(validator, cycles.NewDetector(store, 0, nil), migrations, txm, nil).Handler(interceptors))
	mux.Handle(NewAuthService(authenticator, jwtManager, nil).Handler(interceptors))

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	ts := &testServer{url: server.URL, store: store}
	resp, err := ts.call(LoginProcedure, map[string]any{"name": auth.AdminName, "password": testPassword})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	ts.token = resp.GetFields()["token"].GetStringValue()
	if ts.token == "" {
		t.Fatal("expected token in login response")
	}
	return ts
}

func (ts *testServer) call(procedure string, body map[string]any) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(body)
	if err != nil {
		return nil, err
	}
	client := connect.NewClient[structpb.Struct, structpb.Struct](http.DefaultClient, ts.url+procedure)
	req := connect.NewRequest(msg)
	if ts.token != "" {
		req.Header().Set("Authorization", "Bearer "+ts.token)
	}
	resp, err := client.CallUnary(context.Background(), req)
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func number(s *structpb.Struct, key string) int {
	return int(s.GetFields()[key].GetNumberValue())
}

func expectCode(t *testing.T, err error, want connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", want)
	}
	if got := connect.CodeOf(err); got != want {
		t.Fatalf("expected code %v, got %v (%v)", want, got, err)
	}
}

func person(id string) *models.Person {
	return &models.Person{ID: id, Name: "Person " + id}
}

func payment(id, payer, payee string) *models.Transaction {
	return &models.Transaction{ID: id, Payer: models.SomePerson(payer), Payee: models.SomePerson(payee), Amount: 1000}
}

func TestLogin(t *testing.T) {
	ts := setupTestServer(t)
	anon := &testServer{url: ts.url}

	_, err := anon.call(LoginProcedure, map[string]any{"name": auth.AdminName, "password": "wrong password"})
	expectCode(t, err, connect.CodeUnauthenticated)

	_, err = anon.call(LoginProcedure, map[string]any{"name": auth.AdminName})
	expectCode(t, err, connect.CodeInvalidArgument)

	_, err = anon.call(TransactionStatsProcedure, nil)
	expectCode(t, err, connect.CodeUnauthenticated)

	forged := &testServer{url: ts.url, token: "not-a-jwt"}
	_, err = forged.call(TransactionStatsProcedure, nil)
	expectCode(t, err, connect.CodeUnauthenticated)

	resp, err := ts.call(TransactionStatsProcedure, nil)
	if err != nil {
		t.Fatalf("TransactionStats failed: %v", err)
	}
	if state := resp.GetFields()["state"].GetStringValue(); state != "idle" {
		t.Errorf("expected idle state, got %q", state)
	}
}

func TestDetectAndCleanupOrphans(t *testing.T) {
	ts := setupTestServer(t,
		person("p1"),
		payment("t1", "p1", "ghost"),
		&models.Subscription{ID: "s1", Amount: 500, Person: models.SomePerson("gone")},
		&models.Subscription{ID: "s2", Amount: 500, Person: models.SomePerson("p1")},
		&models.Group{ID: "g1", Name: "Flat", Members: []string{"p1", "gone"}},
	)

	resp, err := ts.call(DetectOrphansProcedure, nil)
	if err != nil {
		t.Fatalf("DetectOrphans failed: %v", err)
	}
	if total := number(resp, "total"); total != 3 {
		t.Fatalf("expected 3 orphans, got %d", total)
	}

	resp, err = ts.call(DetectOrphansProcedure, map[string]any{"kind": "subscription"})
	if err != nil {
		t.Fatalf("DetectOrphans(subscription) failed: %v", err)
	}
	if total := number(resp, "total"); total != 1 {
		t.Errorf("expected 1 orphaned subscription, got %d", total)
	}

	_, err = ts.call(DetectOrphansProcedure, map[string]any{"kind": "person"})
	expectCode(t, err, connect.CodeInvalidArgument)

	resp, err = ts.call(CleanupOrphansProcedure, nil)
	if err != nil {
		t.Fatalf("CleanupOrphans failed: %v", err)
	}
	for key, want := range map[string]int{"subscriptions_deleted": 1, "transactions_deleted": 1, "memberships_removed": 1} {
		if got := number(resp, key); got != want {
			t.Errorf("%s: expected %d, got %d", key, want, got)
		}
	}

	resp, err = ts.call(DetectOrphansProcedure, nil)
	if err != nil {
		t.Fatalf("DetectOrphans failed: %v", err)
	}
	if total := number(resp, "total"); total != 0 {
		t.Errorf("expected no orphans after cleanup, got %d", total)
	}
}

func TestDetectCyclesAndValidateRelationship(t *testing.T) {
	ts := setupTestServer(t,
		person("a"), person("b"), person("c"),
		payment("t1", "a", "b"),
		payment("t2", "b", "c"),
	)

	resp, err := ts.call(DetectCyclesProcedure, nil)
	if err != nil {
		t.Fatalf("DetectCycles failed: %v", err)
	}
	if n := len(resp.GetFields()["components"].GetListValue().GetValues()); n != 0 {
		t.Errorf("expected no cycles, got %d", n)
	}

	_, err = ts.call(ValidateRelationshipProcedure, map[string]any{"payer": "c", "payee": "a"})
	expectCode(t, err, connect.CodeFailedPrecondition)

	_, err = ts.call(ValidateRelationshipProcedure, map[string]any{"payer": "a", "payee": "nobody"})
	expectCode(t, err, connect.CodeNotFound)

	_, err = ts.call(ValidateRelationshipProcedure, map[string]any{"payer": "a"})
	expectCode(t, err, connect.CodeInvalidArgument)

	resp, err = ts.call(ValidateRelationshipProcedure, map[string]any{"payer": "a", "payee": "c"})
	if err != nil {
		t.Fatalf("ValidateRelationship failed: %v", err)
	}
	if !resp.GetFields()["valid"].GetBoolValue() {
		t.Error("expected valid relationship")
	}
}

func TestDeletePerson(t *testing.T) {
	ts := setupTestServer(t,
		person("a"), person("b"),
		payment("t1", "a", "b"),
		&models.Subscription{ID: "s1", Amount: 100, Person: models.SomePerson("b")},
	)

	_, err := ts.call(DeletePersonProcedure, map[string]any{"person_id": "b"})
	expectCode(t, err, connect.CodeFailedPrecondition)

	_, err = ts.call(DeletePersonProcedure, map[string]any{"person_id": "b", "rule": "set_null"})
	expectCode(t, err, connect.CodeUnimplemented)

	_, err = ts.call(DeletePersonProcedure, map[string]any{"person_id": "b", "rule": "sideways"})
	expectCode(t, err, connect.CodeInvalidArgument)

	_, err = ts.call(DeletePersonProcedure, map[string]any{"person_id": "zed"})
	expectCode(t, err, connect.CodeNotFound)

	resp, err := ts.call(DeletePersonProcedure, map[string]any{"person_id": "b", "rule": "cascade"})
	if err != nil {
		t.Fatalf("DeletePerson(cascade) failed: %v", err)
	}
	if got := number(resp, "subscriptions_deleted"); got != 1 {
		t.Errorf("expected 1 subscription deleted, got %d", got)
	}
	if got := number(resp, "transactions_deleted"); got != 1 {
		t.Errorf("expected 1 transaction deleted, got %d", got)
	}
	if rule := resp.GetFields()["rule"].GetStringValue(); rule != "cascade" {
		t.Errorf("expected rule cascade, got %q", rule)
	}
}

func TestMigrationProcedures(t *testing.T) {
	ts := setupTestServer(t, &models.Person{ID: "p1", Name: "  Padded  "})

	resp, err := ts.call(MigrationStatusProcedure, nil)
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}
	if !resp.GetFields()["needs_migration"].GetBoolValue() {
		t.Error("expected needs_migration before the first run")
	}

	resp, err = ts.call(PlanMigrationProcedure, nil)
	if err != nil {
		t.Fatalf("PlanMigration failed: %v", err)
	}
	if n := len(resp.GetFields()["steps"].GetListValue().GetValues()); n != 3 {
		t.Errorf("expected 3 planned steps, got %d", n)
	}

	_, err = ts.call(PlanMigrationProcedure, map[string]any{"from": 0, "to": 9})
	expectCode(t, err, connect.CodeUnimplemented)

	_, err = ts.call(PlanMigrationProcedure, map[string]any{"from": 1.5})
	expectCode(t, err, connect.CodeInvalidArgument)

	resp, err = ts.call(MigrateProcedure, nil)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if to := number(resp, "to"); to != 3 {
		t.Errorf("expected migration to version 3, got %d", to)
	}

	resp, err = ts.call(MigrationStatusProcedure, nil)
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}
	if v := number(resp, "stored_version"); v != 3 {
		t.Errorf("expected stored version 3, got %d", v)
	}
	stats := resp.GetFields()["statistics"].GetStructValue()
	if n := number(stats, "successful"); n != 1 {
		t.Errorf("expected 1 successful run, got %d", n)
	}

	p, err := ts.store.Fetch(context.Background(), models.KindPerson, storage.ByID("p1"))
	if err != nil || len(p) != 1 {
		t.Fatalf("failed to fetch p1: %v", err)
	}
	if name := p[0].(*models.Person).Name; name != "Padded" {
		t.Errorf("expected trimmed name, got %q", name)
	}
}

func TestToConnectError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    connect.Code
		wantGeneric bool
	}{
		{"not found", errs.NotFound(models.KindPerson, "p1"), connect.CodeNotFound, false},
		{"references", errs.ReferencesExist(2), connect.CodeFailedPrecondition, false},
		{"state", errs.New(errs.ErrAlreadyInProgress, "busy"), connect.CodeAborted, false},
		{"unsupported", errs.UnsupportedMigration(1, 5, 4), connect.CodeUnimplemented, false},
		{"timeout", errs.New(errs.ErrTimeout, "5s"), connect.CodeDeadlineExceeded, true},
		{"deadline", fmt.Errorf("failed to fetch: %w", context.DeadlineExceeded), connect.CodeDeadlineExceeded, true},
		{"storage", errs.Storage("save", errors.New("disk I/O error")), connect.CodeUnavailable, true},
		{"canceled", fmt.Errorf("transaction cancelled: %w", context.Canceled), connect.CodeCanceled, false},
		{"unknown", errors.New("boom"), connect.CodeInternal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := toConnectError(tt.err)
			if ce.Code() != tt.wantCode {
				t.Fatalf("expected code %v, got %v", tt.wantCode, ce.Code())
			}
			leaked := ce.Message() == tt.err.Error()
			if tt.wantGeneric && leaked {
				t.Errorf("expected a generic message, got %q", ce.Message())
			}
			if !tt.wantGeneric && !leaked {
				t.Errorf("expected the original message, got %q", ce.Message())
			}
		})
	}
}
