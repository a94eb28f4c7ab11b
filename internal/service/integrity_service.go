// Package service exposes the integrity layer over Connect RPC. Messages are
// google.protobuf.Struct values, so any Connect, gRPC or JSON client can call
// the procedures without generated stubs.
package service

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mmynk/splitkeeper/internal/cycles"
	"github.com/mmynk/splitkeeper/internal/integrity"
	"github.com/mmynk/splitkeeper/internal/migration"
	"github.com/mmynk/splitkeeper/internal/models"
	"github.com/mmynk/splitkeeper/internal/txn"
)

// IntegrityServiceName is the fully-qualified name of the integrity service.
const IntegrityServiceName = "splitkeeper.v1.IntegrityService"

// Integrity service procedures.
const (
	DetectOrphansProcedure        = "/" + IntegrityServiceName + "/DetectOrphans"
	CleanupOrphansProcedure       = "/" + IntegrityServiceName + "/CleanupOrphans"
	DetectCyclesProcedure         = "/" + IntegrityServiceName + "/DetectCycles"
	ValidateRelationshipProcedure = "/" + IntegrityServiceName + "/ValidateRelationship"
	DeletePersonProcedure         = "/" + IntegrityServiceName + "/DeletePerson"
	MigrationStatusProcedure      = "/" + IntegrityServiceName + "/MigrationStatus"
	PlanMigrationProcedure        = "/" + IntegrityServiceName + "/PlanMigration"
	MigrateProcedure              = "/" + IntegrityServiceName + "/Migrate"
	TransactionStatsProcedure     = "/" + IntegrityServiceName + "/TransactionStats"
)

type unaryFunc func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error)

// IntegrityService implements the IntegrityService RPC interface.
type IntegrityService struct {
	validator  *integrity.Validator
	detector   *cycles.Detector
	migrations *migration.Manager
	txm        *txn.Manager
	logger     *slog.Logger
}

// NewIntegrityService creates the integrity service.
func NewIntegrityService(
	validator *integrity.Validator,
	detector *cycles.Detector,
	migrations *migration.Manager,
	txm *txn.Manager,
	logger *slog.Logger,
) *IntegrityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityService{
		validator:  validator,
		detector:   detector,
		migrations: migrations,
		txm:        txm,
		logger:     logger,
	}
}

// Handler returns the path prefix and HTTP handler serving every procedure.
func (s *IntegrityService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	return mount(IntegrityServiceName, map[string]unaryFunc{
		DetectOrphansProcedure:        s.DetectOrphans,
		CleanupOrphansProcedure:       s.CleanupOrphans,
		DetectCyclesProcedure:         s.DetectCycles,
		ValidateRelationshipProcedure: s.ValidateRelationship,
		DeletePersonProcedure:         s.DeletePerson,
		MigrationStatusProcedure:      s.MigrationStatus,
		PlanMigrationProcedure:        s.PlanMigration,
		MigrateProcedure:              s.Migrate,
		TransactionStatsProcedure:     s.TransactionStats,
	}, opts...)
}

func mount(service string, procedures map[string]unaryFunc, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	for procedure, fn := range procedures {
		mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, opts...))
	}
	return "/" + service + "/", mux
}

func respond(v any) (*connect.Response[structpb.Struct], error) {
	body, err := toStruct(v)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(body), nil
}

// DetectOrphans reports unresolved references. The optional "kind" field
// limits the scan to subscriptions, transactions or groups.
func (s *IntegrityService) DetectOrphans(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var (
		report *integrity.OrphanReport
		err    error
	)
	switch kind := stringField(req.Msg, "kind"); kind {
	case "":
		report, err = s.validator.DetectAllOrphans(ctx)
	case string(models.KindSubscription):
		report, err = s.validator.DetectOrphanedSubscriptions(ctx)
	case string(models.KindTransaction):
		report, err = s.validator.DetectOrphanedTransactions(ctx)
	case string(models.KindGroup):
		report, err = s.validator.DetectOrphanedGroupMembers(ctx)
	default:
		return nil, invalidArgument("kind must be one of subscription, transaction, group")
	}
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(report)
}

// CleanupOrphans deletes orphaned subscriptions and transactions and drops
// unknown group members. The optional "kind" field limits the cleanup.
func (s *IntegrityService) CleanupOrphans(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	kind := stringField(req.Msg, "kind")
	switch kind {
	case "", string(models.KindSubscription), string(models.KindTransaction), string(models.KindGroup):
	default:
		return nil, invalidArgument("kind must be one of subscription, transaction, group")
	}

	var out struct {
		SubscriptionsDeleted int `json:"subscriptions_deleted"`
		TransactionsDeleted  int `json:"transactions_deleted"`
		MembershipsRemoved   int `json:"memberships_removed"`
	}
	var err error
	if kind == "" || kind == string(models.KindSubscription) {
		if out.SubscriptionsDeleted, err = s.validator.CleanupOrphanedSubscriptions(ctx); err != nil {
			return nil, toConnectError(err)
		}
	}
	if kind == "" || kind == string(models.KindTransaction) {
		if out.TransactionsDeleted, err = s.validator.CleanupOrphanedTransactions(ctx); err != nil {
			return nil, toConnectError(err)
		}
	}
	if kind == "" || kind == string(models.KindGroup) {
		if out.MembershipsRemoved, err = s.validator.CleanupOrphanedGroupMembers(ctx); err != nil {
			return nil, toConnectError(err)
		}
	}

	s.logger.Info("Orphans cleaned up",
		"subscriptions", out.SubscriptionsDeleted,
		"transactions", out.TransactionsDeleted,
		"memberships", out.MembershipsRemoved,
	)
	return respond(out)
}

// DetectCycles reports circular debt chains and self-payments.
func (s *IntegrityService) DetectCycles(ctx context.Context, _ *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	report, err := s.detector.DetectCircularTransactionChains(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(report)
}

// ValidateRelationship checks that a payment from "payer" to "payee" would
// reference existing persons and not close a debt cycle.
func (s *IntegrityService) ValidateRelationship(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	payer, payee := stringField(req.Msg, "payer"), stringField(req.Msg, "payee")
	if payer == "" || payee == "" {
		return nil, invalidArgument("payer and payee are required")
	}
	ids := []string{payer}
	if payee != payer {
		ids = append(ids, payee)
	}
	if err := s.validator.ValidateAllExist(ctx, models.KindPerson, ids); err != nil {
		return nil, toConnectError(err)
	}
	if err := s.detector.ValidateNewDebt(ctx, payer, payee); err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"valid": true, "self_payment": payer == payee})
}

// DeletePerson deletes "person_id" under "rule" (restrict by default).
func (s *IntegrityService) DeletePerson(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	id := stringField(req.Msg, "person_id")
	if id == "" {
		return nil, invalidArgument("person_id is required")
	}
	rule := integrity.Restrict
	if raw := stringField(req.Msg, "rule"); raw != "" {
		var err error
		if rule, err = integrity.ParseCascadeRule(raw); err != nil {
			return nil, invalidArgument(err.Error())
		}
	}

	result, err := s.validator.DeletePerson(ctx, id, rule)
	if err != nil {
		return nil, toConnectError(err)
	}
	s.logger.Info("Person deleted", "person_id", id, "rule", rule)
	return respond(struct {
		*integrity.DeleteResult
		Rule string `json:"rule"`
	}{result, rule.String()})
}

// MigrationStatus reports stored and current versions and run statistics.
func (s *IntegrityService) MigrationStatus(ctx context.Context, _ *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	stored, err := s.migrations.StoredVersion(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	stats, err := s.migrations.Statistics(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	current := s.migrations.CurrentVersion()
	return respond(map[string]any{
		"stored_version":  stored,
		"current_version": current,
		"needs_migration": stored < current,
		"running":         s.migrations.IsRunning(),
		"statistics":      stats,
	})
}

// PlanMigration previews the steps between "from" and "to", defaulting to
// the stored and current versions.
func (s *IntegrityService) PlanMigration(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	stored, err := s.migrations.StoredVersion(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	from, err := intField(req.Msg, "from", stored)
	if err != nil {
		return nil, invalidArgument(err.Error())
	}
	to, err := intField(req.Msg, "to", s.migrations.CurrentVersion())
	if err != nil {
		return nil, invalidArgument(err.Error())
	}

	plan, err := s.migrations.DryRun(ctx, from, to)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(plan)
}

// Migrate brings the store to the current version.
func (s *IntegrityService) Migrate(ctx context.Context, _ *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	result, err := s.migrations.MigrateToCurrent(ctx)
	if err != nil {
		if merr, ok := migration.AsError(err); ok {
			s.logger.Error("Migration failed",
				"from", merr.From,
				"to", merr.To,
				"failed_version", merr.FailedVersion,
				"version", merr.Version,
				"error", err,
			)
		}
		return nil, toConnectError(err)
	}
	return respond(result)
}

// TransactionStats reports transaction statistics and the manager state.
func (s *IntegrityService) TransactionStats(_ context.Context, _ *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	state, depth := s.txm.State()
	return respond(struct {
		txn.Statistics
		State string `json:"state"`
		Depth int    `json:"depth"`
	}{s.txm.Statistics(), state.String(), depth})
}
