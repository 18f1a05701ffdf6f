package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pipeline_backend/internal/board"
	"pipeline_backend/internal/board/transport"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/pipeline"
	"pipeline_backend/internal/presence"
	"pipeline_backend/platform/httpkit"
	"pipeline_backend/platform/logger"
	"pipeline_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type stubFetcher struct{}

func (stubFetcher) FetchStagePage(_ context.Context, branchID uuid.UUID, stage domain.Stage, page, _ int) (board.PageResult, error) {
	if stage != "new" || page != 1 {
		return board.PageResult{}, nil
	}
	return board.PageResult{Leads: []domain.Lead{{ID: uuid.New(), BranchID: branchID, Stage: stage, Version: 1}}, Total: 1}, nil
}

type stubMutator struct {
	moves  []pipeline.Move
	leases int
}

func (m *stubMutator) Move(_ context.Context, mv pipeline.Move) (pipeline.Outcome, error) {
	m.moves = append(m.moves, mv)
	return pipeline.Outcome{Lead: domain.Lead{ID: mv.LeadID, Stage: mv.To, Version: mv.PriorVersion + 1}}, nil
}

func (m *stubMutator) Update(_ context.Context, u pipeline.Update) (pipeline.Outcome, error) {
	return pipeline.Outcome{Lead: domain.Lead{ID: u.LeadID}}, nil
}

func (m *stubMutator) ResolveConflict(_ context.Context, _, leadID, _ uuid.UUID) (pipeline.Outcome, error) {
	return pipeline.Outcome{Lead: domain.Lead{ID: leadID}}, nil
}

func (m *stubMutator) AcquireLease(_ context.Context, _, leadID, agentID uuid.UUID) (presence.Lease, error) {
	m.leases++
	return presence.Lease{LeadID: leadID, AgentID: agentID, ExpiresAt: time.Now().Add(30 * time.Second)}, nil
}

func (m *stubMutator) ReleaseLease(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) {}

type testRouter struct {
	engine  *gin.Engine
	branch  uuid.UUID
	agent   uuid.UUID
	mutator *stubMutator
}

func newTestRouter() *testRouter {
	gin.SetMode(gin.TestMode)
	tr := &testRouter{branch: uuid.New(), agent: uuid.New(), mutator: &stubMutator{}}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(httpkit.ContextUserIDKey, tr.agent)
		c.Set(httpkit.ContextRolesKey, []string{"agent"})
		c.Set(httpkit.ContextBranchIDKey, tr.branch)
	})
	registry := board.NewRegistry(domain.MustStageSet("new", "contacted", "won"), stubFetcher{}, 20, logger.Nop())
	New(registry, tr.mutator, httpkit.NewLeaseHeartbeatLimiter(rate.Every(time.Minute), 1), validator.New()).
		RegisterRoutes(r.Group("/boards"))
	tr.engine = r
	return tr
}

func (tr *testRouter) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	tr.engine.ServeHTTP(w, req)
	return w
}

func TestLoadBoardReturnsEveryStage(t *testing.T) {
	tr := newTestRouter()
	w := tr.do(http.MethodGet, "/boards/"+tr.branch.String()+"?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp transport.BoardResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Stages) != 3 || resp.Stages[0].Stage != "new" || len(resp.Stages[0].Leads) != 1 {
		t.Fatalf("unexpected board %+v", resp)
	}
}

func TestLoadStageRejectsForeignBranchAndBadLimit(t *testing.T) {
	tr := newTestRouter()
	if w := tr.do(http.MethodGet, "/boards/"+uuid.NewString()+"/stages/new", ""); w.Code != http.StatusForbidden {
		t.Fatalf("foreign branch status = %d", w.Code)
	}
	if w := tr.do(http.MethodGet, "/boards/"+tr.branch.String()+"/stages/new?limit=0", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", w.Code)
	}
	if w := tr.do(http.MethodGet, "/boards/"+tr.branch.String()+"/stages/unknown", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown stage status = %d", w.Code)
	}
}

func TestMoveActsAsCaller(t *testing.T) {
	tr := newTestRouter()
	leadID := uuid.New()
	w := tr.do(http.MethodPost, "/boards/"+tr.branch.String()+"/leads/"+leadID.String()+"/move",
		`{"from":"new","to":"contacted","priorVersion":2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(tr.mutator.moves) != 1 {
		t.Fatalf("expected one move")
	}
	mv := tr.mutator.moves[0]
	if mv.AgentID != tr.agent || mv.BranchID != tr.branch || mv.LeadID != leadID || mv.To != "contacted" || mv.PriorVersion != 2 {
		t.Fatalf("unexpected move %+v", mv)
	}

	if w := tr.do(http.MethodPost, "/boards/"+tr.branch.String()+"/leads/"+leadID.String()+"/move", `{"from":"new"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing target status = %d", w.Code)
	}
}

func TestLeaseHeartbeatsAreThrottled(t *testing.T) {
	tr := newTestRouter()
	path := "/boards/" + tr.branch.String() + "/leads/" + uuid.NewString() + "/lease"
	if w := tr.do(http.MethodPost, path, ""); w.Code != http.StatusOK {
		t.Fatalf("first heartbeat status = %d", w.Code)
	}
	if w := tr.do(http.MethodPost, path, ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second heartbeat status = %d", w.Code)
	}
	if tr.mutator.leases != 1 {
		t.Fatalf("throttled heartbeat must not reach the coordinator")
	}
	if w := tr.do(http.MethodDelete, path, ""); w.Code != http.StatusNoContent {
		t.Fatalf("release status = %d", w.Code)
	}
}
