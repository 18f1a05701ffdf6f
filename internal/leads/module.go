// Package leads provides the lead pipeline bounded context module.
// This file wires persistence, the coordinator, the automation engine and
// every HTTP surface of the pipeline into a single module.
package leads

import (
	"context"
	"fmt"

	"pipeline_backend/internal/audit"
	audithandler "pipeline_backend/internal/audit/handler"
	auditrepo "pipeline_backend/internal/audit/repository"
	"pipeline_backend/internal/automation"
	automationhandler "pipeline_backend/internal/automation/handler"
	automationrepo "pipeline_backend/internal/automation/repository"
	automationservice "pipeline_backend/internal/automation/service"
	"pipeline_backend/internal/board"
	boardhandler "pipeline_backend/internal/board/handler"
	"pipeline_backend/internal/broadcast"
	"pipeline_backend/internal/events"
	apphttp "pipeline_backend/internal/http"
	"pipeline_backend/internal/ingest"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/leads/ports"
	"pipeline_backend/internal/leads/repository"
	"pipeline_backend/internal/pipeline"
	"pipeline_backend/internal/presence"
	"pipeline_backend/internal/webhook"
	"pipeline_backend/platform/config"
	"pipeline_backend/platform/httpkit"
	"pipeline_backend/platform/logger"
	"pipeline_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"
)

// ModuleConfig is the configuration the leads module reads.
type ModuleConfig interface {
	config.PipelineConfig
	config.AutomationConfig
	config.IngestConfig
}

// Collaborators are the outbound ports of the pipeline. Any engine port may be
// nil; the matching actions then report the collaborator as disabled. Publisher
// defaults to the local hub.
type Collaborators struct {
	Publisher    broadcast.Publisher
	Directory    ports.AgentDirectory
	Notifier     ports.Notifier
	Appointments ports.Appointments
	Integrations ports.Integrations
	FollowUps    ports.FollowUpScheduler
	Cursor       automation.CursorStore
}

// Module is the leads bounded context module implementing http.Module.
type Module struct {
	repo        *repository.Repository
	rules       *automationrepo.Repository
	schema      *automation.Schema
	coordinator *pipeline.Coordinator

	boards   *boardhandler.Handler
	stream   *broadcast.Handler
	ingest   *ingest.Handler
	rulesAPI *automationhandler.Handler
	auditAPI *audithandler.Handler
	forms    *webhook.Handler
	log      *logger.Logger
}

// NewModule creates and initializes the leads module with all its dependencies.
func NewModule(pool *pgxpool.Pool, eventBus events.Bus, hub *broadcast.Hub, collab Collaborators, val *validator.Validator, cfg ModuleConfig, log *logger.Logger) (*Module, error) {
	stages, err := domain.NewStageSet(cfg.GetPipelineStages()...)
	if err != nil {
		return nil, fmt.Errorf("pipeline stages: %w", err)
	}

	repo := repository.New(pool)
	rules := automationrepo.New(pool)
	auditLog := auditrepo.New(pool)

	if collab.Cursor == nil {
		collab.Cursor = automation.NewMemoryCursor()
	}
	if collab.Publisher == nil {
		collab.Publisher = hub
	}

	engine := automation.NewEngine(automation.Deps{
		Rules:        rules,
		Disabler:     rules,
		Audit:        auditLog,
		Directory:    collab.Directory,
		Notifier:     collab.Notifier,
		Appointments: collab.Appointments,
		Integrations: collab.Integrations,
		FollowUps:    collab.FollowUps,
		Cursor:       collab.Cursor,
		Bus:          eventBus,
	}, automation.SettingsFrom(cfg), log)

	tracker := presence.NewTracker(cfg.GetLeaseTTL(), log)
	registry := board.NewRegistry(stages, repo, cfg.GetBoardPageSize(), log)

	coord := pipeline.New(pipeline.Deps{
		Store:     repo,
		Stages:    stages,
		Tracker:   tracker,
		Boards:    registry,
		Engine:    engine,
		Publisher: collab.Publisher,
		Bus:       eventBus,
	}, pipeline.OptionsFrom(cfg), log)

	schema := automation.NewSchema(stages, val)
	ingestSvc := ingest.New(coord, repo, cfg.GetPhoneDefaultRegion(), log)

	// One heartbeat per lead and agent every couple of seconds is plenty.
	heartbeats := httpkit.NewLeaseHeartbeatLimiter(rate.Limit(0.5), 2)

	return &Module{
		repo:        repo,
		rules:       rules,
		schema:      schema,
		coordinator: coord,
		boards:      boardhandler.New(registry, coord, heartbeats, val),
		stream:      broadcast.NewHandler(hub, log),
		ingest:      ingest.NewHandler(ingestSvc, val),
		rulesAPI:    automationhandler.New(automationservice.New(rules, schema, log), val),
		auditAPI:    audithandler.New(auditLog),
		forms:       webhook.NewHandler(webhook.NewService(ingestSvc, log), webhook.NewRepository(pool), val),
		log:         log,
	}, nil
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "leads"
}

// Coordinator returns the pipeline coordinator for the background worker.
func (m *Module) Coordinator() *pipeline.Coordinator {
	return m.coordinator
}

// Repository returns the lead repository for external use.
func (m *Module) Repository() *repository.Repository {
	return m.repo
}

// SeedRules imports the rules of a YAML seed file. An empty path is a no-op.
func (m *Module) SeedRules(ctx context.Context, path string) (automation.ImportReport, error) {
	if path == "" {
		return automation.ImportReport{}, nil
	}
	rules, err := automation.LoadSeedFile(path)
	if err != nil {
		return automation.ImportReport{}, err
	}
	report, err := automation.ImportRules(ctx, m.rules, m.schema, rules)
	if err != nil {
		return report, err
	}
	m.log.Info("automation rules seeded", "path", path, "created", report.Created, "updated", report.Updated)
	return report, nil
}

// Close drains the coordinator's queues.
func (m *Module) Close() {
	m.coordinator.Close()
}

// RegisterRoutes mounts the pipeline routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	boardsGroup := ctx.Protected.Group("/boards")
	m.boards.RegisterRoutes(boardsGroup)
	m.stream.RegisterRoutes(boardsGroup)

	m.ingest.RegisterRoutes(ctx.Protected.Group("/ingest"))

	// Public form capture authenticates with a branch API key instead of a JWT.
	m.forms.RegisterPublicRoutes(ctx.V1.Group("/webhook"))

	// Key management, rule edits and the audit trail are restricted to administrators.
	m.forms.RegisterKeyRoutes(ctx.Protected.Group("/ingest/branches/:branchId/keys", httpkit.RequireRole(httpkit.RoleAdmin)))
	automationGroup := ctx.Protected.Group("/automation", httpkit.RequireRole(httpkit.RoleAdmin))
	m.rulesAPI.RegisterRoutes(automationGroup.Group("/rules"))
	m.auditAPI.RegisterRoutes(automationGroup.Group("/logs"))
}

var (
	_ apphttp.Module = (*Module)(nil)
	_ audit.Store    = (*auditrepo.Repository)(nil)
)
